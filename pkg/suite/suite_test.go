package suite

import (
	"context"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/teroai/testbench/pkg/agent"
	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/config"
	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/events"
	"github.com/teroai/testbench/pkg/judge"
	"github.com/teroai/testbench/pkg/store"
	"github.com/teroai/testbench/pkg/usage"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func newSuiteTestStore(t *testing.T) store.Store {
	t.Helper()

	s := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s
}

// fakeEngine streams a scripted answer per call: one action event and the
// answer text as a single chunk.
type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	err    error
	answer func(call int) string
}

func (f *fakeEngine) Answer(
	_ context.Context, _ *cancel.Signal, _ []agent.Message, acct *usage.Accumulator,
) (<-chan agent.Event, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	text := "the agent answer"
	if f.answer != nil {
		text = f.answer(call)
	}

	acct.Add(10, 5)

	ch := make(chan agent.Event, 2)
	ch <- agent.ActionEvent{Action: "searching", Detail: "knowledge base"}
	ch <- agent.ChunkEvent{Content: text}
	close(ch)

	return ch, nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// fakeJudge returns scripted verdicts, or an error, per evaluation.
type fakeJudge struct {
	mu      sync.Mutex
	calls   int
	err     error
	verdict func(call int) *judge.Verdict
}

func (f *fakeJudge) Evaluate(_ context.Context, _ *cancel.Signal, _ judge.Input) (*judge.Verdict, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	if f.verdict != nil {
		return f.verdict(call), nil
	}

	return &judge.Verdict{Passed: true, Analysis: "matches"}, nil
}

func (f *fakeJudge) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type fakeCaseSource struct {
	cases []TestCase
	err   error
}

func (f *fakeCaseSource) TestCases(context.Context, uint) ([]TestCase, error) {
	return f.cases, f.err
}

// recordingLog wraps an event log, remembering the type of every appended
// event so tests can assert on the sequence even after pruning.
type recordingLog struct {
	eventlog.Log

	mu    sync.Mutex
	types []events.Type
}

func newRecordingLog(inner eventlog.Log) *recordingLog {
	return &recordingLog{Log: inner}
}

func (r *recordingLog) Append(
	ctx context.Context, suiteRunID uint, eventType events.Type, payload events.Payload,
) (uint, error) {
	r.mu.Lock()
	r.types = append(r.types, eventType)
	r.mu.Unlock()

	return r.Log.Append(ctx, suiteRunID, eventType, payload)
}

func (r *recordingLog) appended() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]events.Type(nil), r.types...)
}

func singleTurnCase(id uint, name string) TestCase {
	return TestCase{
		ID:   id,
		Name: name,
		Turns: []Turn{
			{Input: "What is the refund window?", Expected: "30 days"},
		},
	}
}

func testAgent() Agent {
	return Agent{ID: 1, Name: "support-bot", ModelID: "gpt-4.1"}
}
