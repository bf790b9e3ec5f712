package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teroai/testbench/pkg/store"
	"github.com/teroai/testbench/pkg/suite"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

type suiteRunResponse struct {
	ID           uint       `json:"id"`
	AgentID      uint       `json:"agentId"`
	Status       string     `json:"status"`
	ExecutedAt   time.Time  `json:"executedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
	TotalTests   int        `json:"totalTests"`
	PassedTests  int        `json:"passedTests"`
	FailedTests  int        `json:"failedTests"`
	ErrorTests   int        `json:"errorTests"`
	SkippedTests int        `json:"skippedTests"`
}

type resultResponse struct {
	ID                uint      `json:"id"`
	SuiteRunID        uint      `json:"suiteRunId"`
	TestCaseID        *uint     `json:"testCaseId"`
	TestCaseName      *string   `json:"testCaseName"`
	ThreadID          *string   `json:"threadId"`
	Status            string    `json:"status"`
	EvaluatorAnalysis *string   `json:"evaluatorAnalysis"`
	ExecutedAt        time.Time `json:"executedAt"`
}

type startRunRequest struct {
	TestCaseIDs []uint `json:"testCaseIds"`
	UserID      uint   `json:"userId"`
}

func runResponse(run *store.SuiteRun) suiteRunResponse {
	return suiteRunResponse{
		ID:           run.ID,
		AgentID:      run.AgentID,
		Status:       string(run.Status),
		ExecutedAt:   run.ExecutedAt,
		CompletedAt:  run.CompletedAt,
		TotalTests:   run.TotalTests,
		PassedTests:  run.PassedTests,
		FailedTests:  run.FailedTests,
		ErrorTests:   run.ErrorTests,
		SkippedTests: run.SkippedTests,
	}
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func uintParam(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil {
		return 0, false
	}

	return uint(v), true
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartRun starts a suite run for the agent. At most one live run
// per agent is allowed; a second start attempt conflicts.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	agentID, ok := uintParam(r, "agentID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid agent id"})

		return
	}

	var req startRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

			return
		}
	}

	ag, err := s.agents.Agent(r.Context(), agentID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"agent not found"})

		return
	}

	run, err := s.manager.StartRun(r.Context(), *ag, req.TestCaseIDs, req.UserID)

	switch {
	case errors.Is(err, suite.ErrRunInProgress):
		writeJSON(w, http.StatusConflict,
			errorResponse{"a suite run is already in progress for this agent"})

		return
	case errors.Is(err, suite.ErrNoTestCases):
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{"no test cases to execute"})

		return
	case err != nil:
		s.log.WithError(err).Error("Failed to start suite run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to start suite run"})

		return
	}

	writeJSON(w, http.StatusCreated, runResponse(run))
}

// handleListRuns returns the agent's runs, newest first.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	agentID, ok := uintParam(r, "agentID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid agent id"})

		return
	}

	limit := defaultListLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxListLimit)
	}

	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}

	runs, err := s.store.ListSuiteRuns(r.Context(), agentID, limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Failed to list suite runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to list suite runs"})

		return
	}

	resp := make([]suiteRunResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, runResponse(&runs[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// loadRun resolves the run scoped to the agent in the URL, writing the
// error response itself when the run does not exist.
func (s *server) loadRun(w http.ResponseWriter, r *http.Request) (*store.SuiteRun, bool) {
	agentID, ok := uintParam(r, "agentID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid agent id"})

		return nil, false
	}

	runID, ok := uintParam(r, "runID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return nil, false
	}

	run, err := s.store.GetSuiteRunByAgent(r.Context(), runID, agentID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"suite run not found"})

		return nil, false
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to load suite run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to load suite run"})

		return nil, false
	}

	return run, true
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, runResponse(run))
}

// handleDeleteRun deletes a finished run with its results and any
// retained events. Live runs must be stopped first.
func (s *server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	if !run.Status.Terminal() {
		writeJSON(w, http.StatusConflict,
			errorResponse{"suite run is still in progress"})

		return
	}

	if err := s.store.DeleteSuiteRun(r.Context(), run.ID); err != nil {
		s.log.WithError(err).Error("Failed to delete suite run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to delete suite run"})

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleStopRun requests cooperative cancellation of a live run. The run
// keeps its RUNNING work until the engine observes the marker; the
// response only acknowledges the request.
func (s *server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	agentID, ok := uintParam(r, "agentID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid agent id"})

		return
	}

	runID, ok := uintParam(r, "runID")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid run id"})

		return
	}

	err := s.manager.RequestCancel(r.Context(), agentID, runID)

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"suite run not found"})
	case errors.Is(err, suite.ErrNotRunning):
		writeJSON(w, http.StatusConflict, errorResponse{"suite run is not running"})
	case err != nil:
		s.log.WithError(err).Error("Failed to request cancellation")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to request cancellation"})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func (s *server) handleListResults(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}

	results, err := s.store.ListResults(r.Context(), run.ID)
	if err != nil {
		s.log.WithError(err).Error("Failed to list results")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to list results"})

		return
	}

	resp := make([]resultResponse, 0, len(results))
	for _, res := range results {
		resp = append(resp, resultResponse{
			ID:                res.ID,
			SuiteRunID:        res.SuiteRunID,
			TestCaseID:        res.TestCaseID,
			TestCaseName:      res.TestCaseName,
			ThreadID:          res.ThreadID,
			Status:            string(res.Status),
			EvaluatorAnalysis: res.EvaluatorAnalysis,
			ExecutedAt:        res.ExecutedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
