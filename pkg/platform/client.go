// Package platform adapts the agent platform's REST API to the engine's
// consumed boundaries: agents and test cases, evaluator configuration,
// the model catalog, the completion endpoint, and the agent engine's
// streamed answers.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/config"
	"github.com/teroai/testbench/pkg/judge"
	"github.com/teroai/testbench/pkg/suite"
)

// ErrNotFound is returned when the platform does not know the resource.
var ErrNotFound = errors.New("platform resource not found")

const getRetries = 3

// Client talks to the agent platform. One client serves all boundaries.
type Client struct {
	log    logrus.FieldLogger
	cfg    *config.PlatformConfig
	http   *http.Client
	stream *http.Client
}

// Compile-time interface checks.
var (
	_ suite.AgentSource = (*Client)(nil)
	_ suite.CaseSource  = (*Client)(nil)
	_ judge.Source      = (*Client)(nil)
	_ judge.Catalog     = (*Client)(nil)
	_ judge.Completer   = (*Client)(nil)
)

// NewClient creates a platform client.
func NewClient(log logrus.FieldLogger, cfg *config.PlatformConfig) *Client {
	return &Client{
		log: log.WithField("component", "platform"),
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		// Answer streams outlive any fixed timeout; they end when the
		// platform closes the stream or the request context is done.
		stream: &http.Client{},
	}
}

type agentPayload struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	ModelID string `json:"modelId"`
}

type turnPayload struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}

type testCasePayload struct {
	ID    uint          `json:"id"`
	Name  string        `json:"name"`
	Turns []turnPayload `json:"turns"`
}

type evaluatorPayload struct {
	ModelID         string  `json:"modelId"`
	Temperature     float64 `json:"temperature"`
	ReasoningEffort string  `json:"reasoningEffort"`
	Prompt          string  `json:"prompt"`
}

type modelPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Agent resolves an agent under test.
func (c *Client) Agent(ctx context.Context, agentID uint) (*suite.Agent, error) {
	var payload agentPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/api/agents/%d", agentID), &payload); err != nil {
		return nil, err
	}

	return &suite.Agent{
		ID:      payload.ID,
		Name:    payload.Name,
		ModelID: payload.ModelID,
	}, nil
}

// TestCases returns the agent's test cases in execution order.
func (c *Client) TestCases(ctx context.Context, agentID uint) ([]suite.TestCase, error) {
	var payload []testCasePayload
	if err := c.getJSON(ctx,
		fmt.Sprintf("/api/agents/%d/test-cases", agentID), &payload); err != nil {
		return nil, err
	}

	cases := make([]suite.TestCase, 0, len(payload))

	for _, tc := range payload {
		turns := make([]suite.Turn, 0, len(tc.Turns))
		for _, turn := range tc.Turns {
			turns = append(turns, suite.Turn{
				Input:    turn.Input,
				Expected: turn.ExpectedOutput,
			})
		}

		cases = append(cases, suite.TestCase{ID: tc.ID, Name: tc.Name, Turns: turns})
	}

	return cases, nil
}

// EvaluatorFor resolves the evaluator configured for the test case, else
// the agent's. The platform resolves the chain; a 404 means neither is
// configured and the built-in defaults apply.
func (c *Client) EvaluatorFor(ctx context.Context, agentID, testCaseID uint) (*judge.Evaluator, error) {
	var payload evaluatorPayload

	err := c.getJSON(ctx,
		fmt.Sprintf("/api/agents/%d/test-cases/%d/evaluator", agentID, testCaseID),
		&payload)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &judge.Evaluator{
		ModelID:         payload.ModelID,
		Temperature:     payload.Temperature,
		ReasoningEffort: payload.ReasoningEffort,
		Prompt:          payload.Prompt,
	}, nil
}

// Model resolves a model id from the platform catalog.
func (c *Client) Model(ctx context.Context, id string) (*judge.Model, error) {
	var payload modelPayload
	if err := c.getJSON(ctx, "/api/models/"+id, &payload); err != nil {
		return nil, err
	}

	return &judge.Model{ID: payload.ID, Kind: judge.ModelKind(payload.Type)}, nil
}

type completionRequestPayload struct {
	Model           string   `json:"model"`
	System          string   `json:"system"`
	User            string   `json:"user"`
	Temperature     *float64 `json:"temperature,omitempty"`
	ReasoningEffort *string  `json:"reasoningEffort,omitempty"`
}

type completionResponsePayload struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// Complete invokes the platform's completion endpoint once. Completions
// are not retried; the caller decides what a failed evaluation means.
func (c *Client) Complete(ctx context.Context, req judge.CompletionRequest) (*judge.CompletionResponse, error) {
	payload := completionRequestPayload{
		Model:           req.Model,
		System:          req.System,
		User:            req.User,
		Temperature:     req.Temperature,
		ReasoningEffort: req.ReasoningEffort,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling completion endpoint: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out completionResponsePayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding completion response: %w", err)
	}

	return &judge.CompletionResponse{
		Text:         out.Text,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building platform request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	return req, nil
}

// getJSON performs a GET with retries and decodes the JSON response.
// Reads are idempotent, so transient failures retry with backoff.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	operation := func() error {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("calling platform: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return backoff.Permanent(ErrNotFound)
		}

		if err := checkStatus(resp); err != nil {
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}

			return err
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding platform response: %w", err))
		}

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), getRetries), ctx)

	return backoff.Retry(operation, policy)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return fmt.Errorf("platform returned %d: %s", resp.StatusCode, string(body))
}
