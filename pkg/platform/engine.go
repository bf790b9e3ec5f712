package platform

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/teroai/testbench/pkg/agent"
	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/usage"
)

// Compile-time interface check.
var _ agent.Engine = (*Client)(nil)

type answerRequestPayload struct {
	Messages []answerMessagePayload `json:"messages"`
}

type answerMessagePayload struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
	Text   string `json:"text"`
}

// answerEventPayload is one line of the platform's newline-delimited
// answer stream.
type answerEventPayload struct {
	Type         string `json:"type"`
	Action       string `json:"action,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Content      string `json:"content,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// Answer streams the platform agent's reply to the thread's last user
// message. The returned channel closes when the platform ends the
// stream; cancellation closes the underlying connection instead of
// waiting it out.
func (c *Client) Answer(
	ctx context.Context,
	sig *cancel.Signal,
	thread []agent.Message,
	acct *usage.Accumulator,
) (<-chan agent.Event, error) {
	payload := answerRequestPayload{
		Messages: make([]answerMessagePayload, 0, len(thread)),
	}

	for _, msg := range thread {
		payload.Messages = append(payload.Messages, answerMessagePayload{
			ID:     msg.ID,
			Origin: string(msg.Origin),
			Text:   msg.Text,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding answer request: %w", err)
	}

	streamCtx, cancelStream := context.WithCancel(ctx)

	req, err := c.newRequest(streamCtx, http.MethodPost, "/api/threads/answer",
		bytes.NewReader(body))
	if err != nil {
		cancelStream()

		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancelStream()

		return nil, fmt.Errorf("starting answer stream: %w", err)
	}

	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		cancelStream()

		return nil, err
	}

	out := make(chan agent.Event)

	// Cancellation tears the stream down mid-flight; the read loop then
	// exits on the closed connection.
	go func() {
		select {
		case <-sig.Done():
			cancelStream()
		case <-streamCtx.Done():
		}
	}()

	go func() {
		defer close(out)
		defer cancelStream()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var ev answerEventPayload
			if err := json.Unmarshal(line, &ev); err != nil {
				c.log.WithError(err).Warn("Dropping malformed answer stream line")

				continue
			}

			switch ev.Type {
			case "action":
				select {
				case out <- agent.ActionEvent{Action: ev.Action, Detail: ev.Detail}:
				case <-streamCtx.Done():
					return
				}
			case "chunk":
				select {
				case out <- agent.ChunkEvent{Content: ev.Content}:
				case <-streamCtx.Done():
					return
				}
			case "usage":
				acct.Add(ev.InputTokens, ev.OutputTokens)
			}
		}

		if err := scanner.Err(); err != nil && streamCtx.Err() == nil {
			c.log.WithError(err).Warn("Answer stream ended with error")
		}
	}()

	return out, nil
}
