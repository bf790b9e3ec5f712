package suite

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/events"
	"github.com/teroai/testbench/pkg/judge"
	"github.com/teroai/testbench/pkg/store"
	"github.com/teroai/testbench/pkg/usage"
)

type captureLedger struct {
	mu      sync.Mutex
	records []usage.Record
}

func (c *captureLedger) Record(_ context.Context, rec usage.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = append(c.records, rec)

	return nil
}

func seedResult(t *testing.T, s store.Store, tc TestCase) (*store.SuiteRun, *store.TestCaseResult) {
	t.Helper()

	ctx := context.Background()

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, s.CreateSuiteRun(ctx, run))

	name := tc.Name
	tcID := tc.ID
	result := &store.TestCaseResult{
		SuiteRunID:   run.ID,
		TestCaseID:   &tcID,
		TestCaseName: &name,
	}
	require.NoError(t, s.CreateResult(ctx, result))

	return run, result
}

func collectEmits() (EmitFunc, func() []events.Payload) {
	var (
		mu       sync.Mutex
		payloads []events.Payload
	)

	emit := func(p events.Payload) {
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	}

	return emit, func() []events.Payload {
		mu.Lock()
		defer mu.Unlock()

		return append([]events.Payload(nil), payloads...)
	}
}

func payloadTypes(payloads []events.Payload) []events.Type {
	types := make([]events.Type, 0, len(payloads))
	for _, p := range payloads {
		types = append(types, p.EventType())
	}

	return types
}

func TestExecutorSingleTurnSuccess(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	engine := &fakeEngine{}
	ledger := &captureLedger{}
	exec := NewExecutor(testLogger(), s, engine, &fakeJudge{}, ledger)

	tc := singleTurnCase(10, "refund window")
	_, result := seedResult(t, s, tc)

	emit, emitted := collectEmits()
	exec.Run(ctx, cancel.NewSignal(), testAgent(), tc, 7, result, emit)

	assert.Equal(t, store.ResultSuccess, result.Status)
	assert.Nil(t, result.EvaluatorAnalysis)
	require.NotNil(t, result.ThreadID)
	assert.NotEmpty(t, *result.ThreadID)

	assert.Equal(t, []events.Type{
		events.TypeMetadata,
		events.TypePhase, // executing
		events.TypeUserMessage,
		events.TypeAgentMessageStart,
		events.TypeExecutionStatus,
		events.TypeAgentMessageChunk,
		events.TypeAgentMessageComplete,
		events.TypePhase, // evaluating
		events.TypePhase, // completed
	}, payloadTypes(emitted()))

	final, ok := emitted()[len(emitted())-1].(events.Phase)
	require.True(t, ok)
	assert.Equal(t, "completed", final.Phase)
	assert.Equal(t, string(store.ResultSuccess), final.Status)
	require.NotNil(t, final.Evaluation)
	assert.True(t, final.Evaluation.Passed)

	// Engine usage is committed once per turn.
	require.Len(t, ledger.records, 1)
	assert.Equal(t, uint(7), ledger.records[0].UserID)
	assert.Equal(t, 10, ledger.records[0].InputTokens)
	assert.Equal(t, 5, ledger.records[0].OutputTokens)
}

func TestExecutorMultiTurnFailsFast(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	engine := &fakeEngine{}
	j := &fakeJudge{verdict: func(call int) *judge.Verdict {
		if call == 1 {
			return &judge.Verdict{Passed: false, Analysis: "missed the deadline"}
		}

		return &judge.Verdict{Passed: true}
	}}
	exec := NewExecutor(testLogger(), s, engine, j, &captureLedger{})

	tc := TestCase{ID: 11, Name: "multi", Turns: []Turn{
		{Input: "first", Expected: "one"},
		{Input: "second", Expected: "two"},
	}}
	_, result := seedResult(t, s, tc)

	emit, _ := collectEmits()
	exec.Run(ctx, cancel.NewSignal(), testAgent(), tc, 7, result, emit)

	// The first failing turn fails the case; the second turn never runs.
	assert.Equal(t, store.ResultFailure, result.Status)
	require.NotNil(t, result.EvaluatorAnalysis)
	assert.Equal(t, "missed the deadline", *result.EvaluatorAnalysis)
	assert.Equal(t, 1, engine.callCount())
	assert.Equal(t, 1, j.callCount())
}

func TestExecutorMultiTurnAllPass(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	engine := &fakeEngine{}
	j := &fakeJudge{}
	exec := NewExecutor(testLogger(), s, engine, j, &captureLedger{})

	tc := TestCase{ID: 12, Name: "multi", Turns: []Turn{
		{Input: "first", Expected: "one"},
		{Input: "second", Expected: "two"},
	}}
	_, result := seedResult(t, s, tc)

	emit, _ := collectEmits()
	exec.Run(ctx, cancel.NewSignal(), testAgent(), tc, 7, result, emit)

	assert.Equal(t, store.ResultSuccess, result.Status)
	assert.Equal(t, 2, engine.callCount())
	assert.Equal(t, 2, j.callCount())
}

func TestExecutorZeroTurnsSkips(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	engine := &fakeEngine{}
	exec := NewExecutor(testLogger(), s, engine, &fakeJudge{}, &captureLedger{})

	tc := TestCase{ID: 13, Name: "empty"}
	_, result := seedResult(t, s, tc)

	emit, emitted := collectEmits()
	exec.Run(ctx, cancel.NewSignal(), testAgent(), tc, 7, result, emit)

	assert.Equal(t, store.ResultSkipped, result.Status)
	assert.Nil(t, result.ThreadID)
	assert.Equal(t, 0, engine.callCount())

	types := payloadTypes(emitted())
	assert.Equal(t, []events.Type{events.TypeMetadata, events.TypePhase}, types)
}

func TestExecutorCancelledBeforeEvaluationSkips(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	sig := cancel.NewSignal()

	// The engine finishes its answer, then cancellation lands before the
	// judge is consulted.
	engine := &fakeEngine{answer: func(int) string {
		sig.Set()

		return "partial"
	}}
	j := &fakeJudge{}
	exec := NewExecutor(testLogger(), s, engine, j, &captureLedger{})

	tc := singleTurnCase(14, "cancelled")
	_, result := seedResult(t, s, tc)

	emit, _ := collectEmits()
	exec.Run(ctx, sig, testAgent(), tc, 7, result, emit)

	assert.Equal(t, store.ResultSkipped, result.Status)
	assert.Nil(t, result.EvaluatorAnalysis)
	assert.Equal(t, 0, j.callCount())
}

func TestExecutorJudgeCancellationSkips(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	j := &fakeJudge{err: judge.ErrCancelled}
	exec := NewExecutor(testLogger(), s, &fakeEngine{}, j, &captureLedger{})

	tc := singleTurnCase(15, "cancelled mid judge")
	_, result := seedResult(t, s, tc)

	emit, _ := collectEmits()
	exec.Run(ctx, cancel.NewSignal(), testAgent(), tc, 7, result, emit)

	assert.Equal(t, store.ResultSkipped, result.Status)
}

func TestExecutorEngineFaultBecomesError(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	engine := &fakeEngine{err: errors.New("engine unavailable")}
	exec := NewExecutor(testLogger(), s, engine, &fakeJudge{}, &captureLedger{})

	tc := singleTurnCase(16, "faulty")
	_, result := seedResult(t, s, tc)

	emit, emitted := collectEmits()
	exec.Run(ctx, cancel.NewSignal(), testAgent(), tc, 7, result, emit)

	assert.Equal(t, store.ResultError, result.Status)

	payloads := emitted()
	final, ok := payloads[len(payloads)-1].(events.Phase)
	require.True(t, ok)
	assert.Equal(t, "completed", final.Phase)
	assert.Equal(t, string(store.ResultError), final.Status)

	// The terminal status is durable, not just in-memory.
	results, err := s.ListResults(ctx, result.SuiteRunID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.ResultError, results[0].Status)
}

func TestExecutorJudgeFaultBecomesError(t *testing.T) {
	ctx := context.Background()
	s := newSuiteTestStore(t)
	j := &fakeJudge{err: errors.New("provider down")}
	exec := NewExecutor(testLogger(), s, &fakeEngine{}, j, &captureLedger{})

	tc := singleTurnCase(17, "judge fault")
	_, result := seedResult(t, s, tc)

	emit, _ := collectEmits()
	exec.Run(ctx, cancel.NewSignal(), testAgent(), tc, 7, result, emit)

	assert.Equal(t, store.ResultError, result.Status)
}
