package suite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/agent"
	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/events"
	"github.com/teroai/testbench/pkg/judge"
	"github.com/teroai/testbench/pkg/store"
	"github.com/teroai/testbench/pkg/usage"
)

// EmitFunc receives the events a test case execution yields, in order.
// Emission is best-effort; implementations must not fail the execution.
type EmitFunc func(payload events.Payload)

// Executor runs one test case to completion or cancellation.
type Executor interface {
	// Run drives every recorded turn of the test case through the agent
	// engine and the judge, mutating result to its terminal state. Faults
	// are contained: Run never returns an error and never leaves the
	// result non-terminal short of the store itself being unreachable.
	Run(
		ctx context.Context,
		sig *cancel.Signal,
		ag Agent,
		tc TestCase,
		userID uint,
		result *store.TestCaseResult,
		emit EmitFunc,
	)
}

// Compile-time interface check.
var _ Executor = (*executor)(nil)

type executor struct {
	log    logrus.FieldLogger
	store  store.Store
	engine agent.Engine
	judge  judge.Judge
	ledger usage.Ledger
}

// NewExecutor creates a test case executor.
func NewExecutor(
	log logrus.FieldLogger,
	st store.Store,
	engine agent.Engine,
	j judge.Judge,
	ledger usage.Ledger,
) Executor {
	return &executor{
		log:    log.WithField("component", "executor"),
		store:  st,
		engine: engine,
		judge:  j,
		ledger: ledger,
	}
}

func (e *executor) Run(
	ctx context.Context,
	sig *cancel.Signal,
	ag Agent,
	tc TestCase,
	userID uint,
	result *store.TestCaseResult,
	emit EmitFunc,
) {
	err := e.run(ctx, sig, ag, tc, userID, result, emit)
	if err == nil {
		return
	}

	// A single test case's internal fault must never abort the suite:
	// downgrade to ERROR with a best-effort status write.
	e.log.WithError(err).WithFields(logrus.Fields{
		"test_case_id": tc.ID,
		"result_id":    result.ID,
	}).Error("Test case execution failed")

	result.Status = store.ResultError
	if saveErr := e.store.SaveResult(ctx, result); saveErr != nil {
		e.log.WithError(saveErr).WithField("result_id", result.ID).
			Warn("Failed to persist ERROR status")
	}

	emit(events.Phase{
		Phase:  "completed",
		Status: string(store.ResultError),
	})
}

func (e *executor) run(
	ctx context.Context,
	sig *cancel.Signal,
	ag Agent,
	tc TestCase,
	userID uint,
	result *store.TestCaseResult,
	emit EmitFunc,
) error {
	// Nothing recorded means nothing to test.
	if len(tc.Turns) == 0 {
		result.Status = store.ResultSkipped
		if err := e.store.SaveResult(ctx, result); err != nil {
			return err
		}

		emit(events.Metadata{TestCaseID: tc.ID, ResultID: result.ID})
		emit(events.Phase{Phase: "completed", Status: string(store.ResultSkipped)})

		return nil
	}

	// One fresh execution thread per test case, created when turns begin.
	threadID := uuid.NewString()
	result.ThreadID = &threadID
	result.Status = store.ResultRunning

	if err := e.store.SaveResult(ctx, result); err != nil {
		return err
	}

	emit(events.Metadata{TestCaseID: tc.ID, ResultID: result.ID})

	var thread []agent.Message

	for _, turn := range tc.Turns {
		emit(events.Phase{Phase: "executing"})

		answer, err := e.executeTurn(ctx, sig, ag, userID, turn, &thread, emit)
		if err != nil {
			return err
		}

		if sig.IsSet() {
			return e.skip(ctx, result, emit)
		}

		emit(events.Phase{Phase: "evaluating"})

		verdict, err := e.judge.Evaluate(ctx, sig, judge.Input{
			AgentID:         ag.ID,
			TestCaseID:      tc.ID,
			UserID:          userID,
			UserInput:       turn.Input,
			ReferenceOutput: turn.Expected,
			ActualOutput:    answer,
		})
		if errors.Is(err, judge.ErrCancelled) {
			return e.skip(ctx, result, emit)
		}

		if err != nil {
			return fmt.Errorf("evaluating turn: %w", err)
		}

		// First failing turn fails the whole test case.
		if !verdict.Passed {
			result.Status = store.ResultFailure
			result.EvaluatorAnalysis = &verdict.Analysis

			if saveErr := e.store.SaveResult(ctx, result); saveErr != nil {
				return saveErr
			}

			emit(events.Phase{
				Phase:      "completed",
				Status:     string(store.ResultFailure),
				Evaluation: &events.Evaluation{Passed: false},
			})

			return nil
		}
	}

	result.Status = store.ResultSuccess
	result.EvaluatorAnalysis = nil

	if err := e.store.SaveResult(ctx, result); err != nil {
		return err
	}

	emit(events.Phase{
		Phase:      "completed",
		Status:     string(store.ResultSuccess),
		Evaluation: &events.Evaluation{Passed: true},
	})

	return nil
}

// executeTurn appends the recorded user input to the execution thread,
// streams the agent engine's answer while relaying its events, and
// returns the assembled answer text.
func (e *executor) executeTurn(
	ctx context.Context,
	sig *cancel.Signal,
	ag Agent,
	userID uint,
	turn Turn,
	thread *[]agent.Message,
	emit EmitFunc,
) (string, error) {
	userMsg := agent.Message{
		ID:     uuid.NewString(),
		Origin: agent.OriginUser,
		Text:   turn.Input,
	}
	*thread = append(*thread, userMsg)

	emit(events.UserMessage{ID: userMsg.ID, Text: userMsg.Text})

	answerID := uuid.NewString()
	emit(events.AgentMessageStart{ID: answerID})

	var acct usage.Accumulator

	stream, err := e.engine.Answer(ctx, sig, *thread, &acct)
	if err != nil {
		return "", fmt.Errorf("starting agent answer: %w", err)
	}

	var answer strings.Builder

	for ev := range stream {
		switch ev := ev.(type) {
		case agent.ActionEvent:
			emit(events.ExecutionStatus{Action: ev.Action, Detail: ev.Detail})
		case agent.ChunkEvent:
			answer.WriteString(ev.Content)
			emit(events.AgentMessageChunk{ID: answerID, Chunk: ev.Content})
		}
	}

	text := answer.String()

	*thread = append(*thread, agent.Message{
		ID:     answerID,
		Origin: agent.OriginAgent,
		Text:   text,
	})

	emit(events.AgentMessageComplete{ID: answerID, Text: text})

	// Engine costs are real even if the turn is later skipped or fails.
	in, out := acct.Totals()
	if err := e.ledger.Record(ctx, usage.Record{
		UserID:       userID,
		AgentID:      ag.ID,
		ModelID:      ag.ModelID,
		MessageID:    &answerID,
		InputTokens:  in,
		OutputTokens: out,
	}); err != nil {
		e.log.WithError(err).Warn("Failed to record agent usage")
	}

	return text, nil
}

// skip marks the result SKIPPED after a cancellation, clearing any
// partial analysis.
func (e *executor) skip(ctx context.Context, result *store.TestCaseResult, emit EmitFunc) error {
	result.Status = store.ResultSkipped
	result.EvaluatorAnalysis = nil

	if err := e.store.SaveResult(ctx, result); err != nil {
		return err
	}

	emit(events.Phase{Phase: "completed", Status: string(store.ResultSkipped)})

	return nil
}
