// Package judge wraps the single evaluator call that scores an agent's
// actual output against a recorded reference output. It resolves the
// evaluator fallback chain, meters usage, and races the call against
// cooperative cancellation.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/usage"
)

// ErrCancelled is returned when cancellation wins the race against the
// evaluator call. The call itself is allowed to finish in the background
// so its cost can still be recorded.
var ErrCancelled = errors.New("evaluation cancelled")

const systemPrompt = "You are an expert evaluator assessing whether the " +
	"actual output from an AI agent matches the expected output for a " +
	"given test case."

// defaultRubric is the built-in judging prompt used when no evaluator is
// configured on the test case or the agent.
const defaultRubric = `Compare the actual output with the reference output based on these criteria:
1. Semantic equivalence - Does the actual output convey the same meaning as the reference output?
2. Completeness - Does the actual output contain all key information from the reference output?
3. Accuracy - Is the actual output factually correct when compared to the reference output?
4. Relevance - Does the actual output appropriately address the input?
5. Conciseness - Does the actual output avoid including extra information not present in the reference output? If the reference output is concise the response should also be concise for example if the reference output is "Agent response" the actual output should also be "Agent response" or similar.

Be lenient with minor differences in wording, formatting, or style. Focus on whether the core meaning and key information match. Be strict about factual errors, missing critical information, or extraneous details that go beyond the expected output.

Respond with 'Y' if the actual output sufficiently matches the reference output, or 'N' if there are significant discrepancies. Then provide a brief explanation.


Input:
{{inputs}}

Reference Output:
{{reference_outputs}}

Actual Output:
{{outputs}}`

// scoreBoilerplate is an instruction fragment some judge models echo back
// verbatim; it is stripped from the stored analysis.
const scoreBoilerplate = "Thus, the score should be: SCORE_YOU_ASSIGN."

// Built-in evaluator defaults.
const (
	DefaultTemperature     = 1.0
	DefaultReasoningEffort = "medium"
)

// ModelKind distinguishes chat models (temperature applies) from
// reasoning models (reasoning effort applies).
type ModelKind string

const (
	ModelChat      ModelKind = "CHAT"
	ModelReasoning ModelKind = "REASONING"
)

// Model describes an evaluator-capable model.
type Model struct {
	ID   string
	Kind ModelKind
}

// Catalog resolves model ids to their descriptions.
type Catalog interface {
	Model(ctx context.Context, id string) (*Model, error)
}

// Evaluator is a judging configuration: which model scores, how, and with
// what rubric prompt.
type Evaluator struct {
	ModelID         string
	Temperature     float64
	ReasoningEffort string
	Prompt          string
}

// Source resolves the evaluator fallback chain: the test case's own
// evaluator, else the agent's, else nil (built-in defaults apply).
// Resolution happens at evaluation time, never cached across a run, so a
// configuration edit mid-run takes effect for not-yet-evaluated cases.
type Source interface {
	EvaluatorFor(ctx context.Context, agentID, testCaseID uint) (*Evaluator, error)
}

// CompletionRequest is one evaluator model invocation. Exactly one of
// Temperature or ReasoningEffort is set, depending on the model kind.
type CompletionRequest struct {
	Model           string
	System          string
	User            string
	Temperature     *float64
	ReasoningEffort *string
}

// CompletionResponse carries the model's text and token costs.
type CompletionResponse struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Completer is the consumed LLM provider boundary.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Input identifies one scoring request.
type Input struct {
	AgentID         uint
	TestCaseID      uint
	UserID          uint
	UserInput       string
	ReferenceOutput string
	ActualOutput    string
}

// Verdict is the judge's decision.
type Verdict struct {
	Passed   bool
	Analysis string
}

// Judge scores actual vs. reference output.
type Judge interface {
	Evaluate(ctx context.Context, sig *cancel.Signal, in Input) (*Verdict, error)
}

// Compile-time interface check.
var _ Judge = (*llmJudge)(nil)

type llmJudge struct {
	log          logrus.FieldLogger
	completer    Completer
	catalog      Catalog
	evaluators   Source
	ledger       usage.Ledger
	defaultModel string
}

// New creates a Judge using the given provider, catalog, evaluator source,
// and usage ledger. defaultModel backs the built-in evaluator.
func New(
	log logrus.FieldLogger,
	completer Completer,
	catalog Catalog,
	evaluators Source,
	ledger usage.Ledger,
	defaultModel string,
) Judge {
	return &llmJudge{
		log:          log.WithField("component", "judge"),
		completer:    completer,
		catalog:      catalog,
		evaluators:   evaluators,
		ledger:       ledger,
		defaultModel: defaultModel,
	}
}

func (j *llmJudge) Evaluate(ctx context.Context, sig *cancel.Signal, in Input) (*Verdict, error) {
	evaluator, err := j.evaluators.EvaluatorFor(ctx, in.AgentID, in.TestCaseID)
	if err != nil {
		return nil, fmt.Errorf("resolving evaluator: %w", err)
	}

	modelID := j.defaultModel
	if evaluator != nil && evaluator.ModelID != "" {
		modelID = evaluator.ModelID
	}

	model, err := j.catalog.Model(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("resolving evaluator model %q: %w", modelID, err)
	}

	req := j.buildRequest(model, evaluator, in)

	type outcome struct {
		resp *CompletionResponse
		err  error
	}

	// The call is detached from cancellation on purpose: at most this one
	// in-flight invocation may complete after a cancel request, and if it
	// does, its cost is recorded even though the verdict is discarded.
	callCtx := context.WithoutCancel(ctx)
	resultCh := make(chan outcome, 1)

	go func() {
		resp, callErr := j.completer.Complete(callCtx, req)
		if resp != nil {
			j.recordUsage(callCtx, model.ID, in, resp)
		}

		resultCh <- outcome{resp: resp, err: callErr}
	}()

	select {
	case <-sig.Done():
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ErrCancelled
	case out := <-resultCh:
		if out.err != nil {
			return nil, fmt.Errorf("evaluator call: %w", out.err)
		}

		return parseVerdict(out.resp.Text), nil
	}
}

func (j *llmJudge) buildRequest(model *Model, evaluator *Evaluator, in Input) CompletionRequest {
	rubric := defaultRubric
	if evaluator != nil && evaluator.Prompt != "" {
		rubric = evaluator.Prompt
	}

	user := strings.NewReplacer(
		"{{inputs}}", in.UserInput,
		"{{reference_outputs}}", in.ReferenceOutput,
		"{{outputs}}", in.ActualOutput,
	).Replace(rubric)

	req := CompletionRequest{
		Model:  model.ID,
		System: systemPrompt,
		User:   user,
	}

	// Temperature applies to chat models, reasoning effort to reasoning
	// models; the parameter that does not apply is omitted, not defaulted.
	switch model.Kind {
	case ModelChat:
		temperature := DefaultTemperature
		if evaluator != nil {
			temperature = evaluator.Temperature
		}

		req.Temperature = &temperature
	case ModelReasoning:
		effort := DefaultReasoningEffort
		if evaluator != nil && evaluator.ReasoningEffort != "" {
			effort = strings.ToLower(evaluator.ReasoningEffort)
		}

		req.ReasoningEffort = &effort
	}

	return req
}

func (j *llmJudge) recordUsage(ctx context.Context, modelID string, in Input, resp *CompletionResponse) {
	err := j.ledger.Record(ctx, usage.Record{
		UserID:       in.UserID,
		AgentID:      in.AgentID,
		ModelID:      modelID,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	if err != nil {
		j.log.WithError(err).WithField("model", modelID).
			Warn("Failed to record evaluator usage")
	}
}

// parseVerdict interprets the judge model's reply: a leading 'Y' passes,
// anything else fails. The remaining text becomes the analysis, with any
// echoed scoring boilerplate removed.
func parseVerdict(text string) *Verdict {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)

	passed := false
	if len(trimmed) > 0 && (trimmed[0] == 'Y' || trimmed[0] == 'y') {
		passed = true
	}

	analysis := trimmed
	if len(analysis) > 0 && (analysis[0] == 'Y' || analysis[0] == 'y' ||
		analysis[0] == 'N' || analysis[0] == 'n') {
		analysis = analysis[1:]
	}

	analysis = strings.ReplaceAll(analysis, scoreBoilerplate, "")
	analysis = strings.TrimLeft(analysis, ".,:;- ")
	analysis = strings.TrimSpace(analysis)

	return &Verdict{Passed: passed, Analysis: analysis}
}
