package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teroai/testbench/pkg/agent"
	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/config"
	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/events"
	"github.com/teroai/testbench/pkg/judge"
	"github.com/teroai/testbench/pkg/store"
	"github.com/teroai/testbench/pkg/suite"
	"github.com/teroai/testbench/pkg/usage"
)

type stubEngine struct {
	mu    sync.Mutex
	calls int
}

func (e *stubEngine) Answer(
	_ context.Context, _ *cancel.Signal, _ []agent.Message, acct *usage.Accumulator,
) (<-chan agent.Event, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	acct.Add(10, 5)

	ch := make(chan agent.Event, 1)
	ch <- agent.ChunkEvent{Content: "the answer"}
	close(ch)

	return ch, nil
}

type stubJudge struct{}

func (stubJudge) Evaluate(context.Context, *cancel.Signal, judge.Input) (*judge.Verdict, error) {
	return &judge.Verdict{Passed: true, Analysis: "matches"}, nil
}

type stubLedger struct{}

func (stubLedger) Record(context.Context, usage.Record) error { return nil }

type stubAgentSource struct {
	agents map[uint]*suite.Agent
}

func (s *stubAgentSource) Agent(_ context.Context, id uint) (*suite.Agent, error) {
	ag, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return ag, nil
}

type stubCaseSource struct {
	cases []suite.TestCase
}

func (s *stubCaseSource) TestCases(context.Context, uint) ([]suite.TestCase, error) {
	return s.cases, nil
}

type apiFixture struct {
	store   store.Store
	events  eventlog.Log
	manager suite.Manager
	router  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, st.Stop())
	})

	notifier := eventlog.NewNoopNotifier()
	evlog := eventlog.NewLog(log, st, notifier)
	exec := suite.NewExecutor(log, st, &stubEngine{}, stubJudge{}, stubLedger{})
	sweeper := suite.NewSweeper(log, st)
	orch := suite.NewOrchestrator(log, st, evlog, exec, sweeper)
	watcher := cancel.NewWatcher(log, st, notifier, 10*time.Millisecond)

	cases := &stubCaseSource{cases: []suite.TestCase{
		{ID: 10, Name: "first", Turns: []suite.Turn{{Input: "hi", Expected: "hello"}}},
		{ID: 11, Name: "second", Turns: []suite.Turn{{Input: "bye", Expected: "goodbye"}}},
	}}

	cfg := &config.SuiteConfig{
		CancelPollInterval: 10 * time.Millisecond,
		StaleRunThreshold:  time.Minute,
	}

	manager := suite.NewManager(log, cfg, st, notifier, orch, sweeper, watcher, cases)
	require.NoError(t, manager.Start(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, manager.Stop())
	})

	agents := &stubAgentSource{agents: map[uint]*suite.Agent{
		1: {ID: 1, Name: "support-bot", ModelID: "gpt-4.1"},
	}}

	srv := NewServer(log, &config.ServerConfig{ListenAddr: ":0"}, st, evlog, manager, agents)

	return &apiFixture{
		store:   st,
		events:  evlog,
		manager: manager,
		router:  srv.(*server).buildRouter(),
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	return rec
}

func (f *apiFixture) waitTerminal(t *testing.T, runID uint) {
	t.Helper()

	require.Eventually(t, func() bool {
		status, err := f.store.GetSuiteRunStatus(context.Background(), runID)

		return err == nil && status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) suiteRunResponse {
	t.Helper()

	var resp suiteRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	return resp
}

func TestStartRunAndFetch(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/1/runs", startRunRequest{UserID: 7})
	require.Equal(t, http.StatusCreated, rec.Code)

	created := decodeRun(t, rec)
	assert.Equal(t, uint(1), created.AgentID)
	assert.Equal(t, string(store.SuiteRunning), created.Status)

	f.waitTerminal(t, created.ID)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/agents/1/runs/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeRun(t, rec)
	assert.Equal(t, string(store.SuiteSuccess), got.Status)
	assert.Equal(t, 2, got.TotalTests)
	assert.Equal(t, 2, got.PassedTests)
}

func TestStartRunConflict(t *testing.T) {
	f := newAPIFixture(t)

	// Occupy the agent with a run this process does not host.
	require.NoError(t, f.store.CreateSuiteRun(context.Background(),
		&store.SuiteRun{AgentID: 1}))

	rec := f.do(t, http.MethodPost, "/api/v1/agents/1/runs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartRunUnknownAgent(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/99/runs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRunUnknownSelection(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/1/runs",
		startRunRequest{TestCaseIDs: []uint{999}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/1/runs", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	f.waitTerminal(t, decodeRun(t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/v1/agents/1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var runs []suiteRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
}

func TestGetRunScopedToAgent(t *testing.T) {
	f := newAPIFixture(t)

	run := &store.SuiteRun{AgentID: 2}
	require.NoError(t, f.store.CreateSuiteRun(context.Background(), run))

	// Another agent's run is invisible under this agent's path.
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/agents/1/runs/%d", run.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopRun(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, f.store.CreateSuiteRun(ctx, run))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/agents/1/runs/%d/stop", run.ID), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	status, err := f.store.GetSuiteRunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SuiteCancelling, status)

	// A second stop finds the run no longer RUNNING.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/agents/1/runs/%d/stop", run.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteRun(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, f.store.CreateSuiteRun(ctx, run))

	// Live runs cannot be deleted.
	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/agents/1/runs/%d", run.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := f.store.FinalizeSuiteRun(ctx, run.ID, store.SuiteFailure,
		store.Tallies{Total: 1, Errors: 1}, time.Now().UTC())
	require.NoError(t, err)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/agents/1/runs/%d", run.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/agents/1/runs/%d", run.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListResults(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents/1/runs", startRunRequest{UserID: 7})
	require.Equal(t, http.StatusCreated, rec.Code)

	runID := decodeRun(t, rec).ID
	f.waitTerminal(t, runID)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/agents/1/runs/%d/results", runID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var results []resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)

	for _, res := range results {
		assert.Equal(t, string(store.ResultSuccess), res.Status)
		require.NotNil(t, res.ThreadID)
	}
}

func TestStreamEventsLiveRunEndsAtCompletion(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, f.store.CreateSuiteRun(ctx, run))

	_, err := f.events.Append(ctx, run.ID, events.TypeSuiteStart,
		events.SuiteStart{SuiteRunID: run.ID})
	require.NoError(t, err)

	_, err = f.events.Append(ctx, run.ID, events.TypeSuiteComplete,
		events.SuiteComplete{SuiteRunID: run.ID, Status: string(store.SuiteSuccess)})
	require.NoError(t, err)

	// The stream replays history and closes at the completion event.
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/agents/1/runs/%d/events", run.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: suite.start")
	assert.Contains(t, body, "event: suite.complete")
}

func TestStreamEventsResumesAfterLastSeen(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, f.store.CreateSuiteRun(ctx, run))

	firstID, err := f.events.Append(ctx, run.ID, events.TypeSuiteStart,
		events.SuiteStart{SuiteRunID: run.ID})
	require.NoError(t, err)

	_, err = f.events.Append(ctx, run.ID, events.TypeSuiteComplete,
		events.SuiteComplete{SuiteRunID: run.ID, Status: string(store.SuiteFailure)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/agents/1/runs/%d/events", run.ID), nil)
	req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", firstID))

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.NotContains(t, body, "event: suite.start")
	assert.Contains(t, body, "event: suite.complete")
}

func TestStreamEventsTerminalRunReplaysAndCloses(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, f.store.CreateSuiteRun(ctx, run))

	// Retained rows on an already-finished run (prune failed or deferred).
	_, err := f.events.Append(ctx, run.ID, events.TypeSuiteComplete,
		events.SuiteComplete{SuiteRunID: run.ID, Status: string(store.SuiteSuccess)})
	require.NoError(t, err)

	_, err = f.store.FinalizeSuiteRun(ctx, run.ID, store.SuiteSuccess,
		store.Tallies{Total: 1, Passed: 1}, time.Now().UTC())
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/agents/1/runs/%d/events", run.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: suite.complete")
}
