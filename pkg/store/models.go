package store

import (
	"time"
)

// SuiteRunStatus is the suite run state machine. RUNNING is the only
// non-terminal state; CANCELLING is a transient request marker, not a
// guarantee that the run will stop before finishing naturally.
type SuiteRunStatus string

const (
	SuiteRunning    SuiteRunStatus = "RUNNING"
	SuiteCancelling SuiteRunStatus = "CANCELLING"
	SuiteSuccess    SuiteRunStatus = "SUCCESS"
	SuiteFailure    SuiteRunStatus = "FAILURE"
)

// Terminal reports whether the status admits no further writes.
func (s SuiteRunStatus) Terminal() bool {
	return s == SuiteSuccess || s == SuiteFailure
}

// ResultStatus is the per-test-case state machine.
type ResultStatus string

const (
	ResultPending ResultStatus = "PENDING"
	ResultRunning ResultStatus = "RUNNING"
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
	ResultError   ResultStatus = "ERROR"
	ResultSkipped ResultStatus = "SKIPPED"
)

// Terminal reports whether the status admits no further writes.
func (s ResultStatus) Terminal() bool {
	return s == ResultSuccess || s == ResultFailure ||
		s == ResultError || s == ResultSkipped
}

// SuiteRun is one batch execution of an agent's test cases. Counters are
// only meaningful once the status is terminal, and then they sum to
// TotalTests.
type SuiteRun struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	AgentID      uint           `gorm:"index:ix_suite_run_agent_executed,priority:1;not null" json:"agentId"`
	Status       SuiteRunStatus `gorm:"not null" json:"status"`
	ExecutedAt   time.Time      `gorm:"index:ix_suite_run_agent_executed,priority:2" json:"executedAt"`
	CompletedAt  *time.Time     `json:"completedAt"`
	TotalTests   int            `json:"totalTests"`
	PassedTests  int            `json:"passedTests"`
	FailedTests  int            `json:"failedTests"`
	ErrorTests   int            `json:"errorTests"`
	SkippedTests int            `json:"skippedTests"`
}

// Tallies are the per-status counters written when a suite run is
// finalized. They are assigned once, never incremented concurrently.
type Tallies struct {
	Total   int
	Passed  int
	Failed  int
	Errors  int
	Skipped int
}

// TestCaseResult is one row per (test case, suite run) pair. Rows are
// created eagerly for every test case of the agent when the suite starts,
// so observers can enumerate the full expected result set up front.
type TestCaseResult struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	SuiteRunID uint `gorm:"index;not null" json:"suiteRunId"`

	// TestCaseID is nullable: it is cleared if the source test case is
	// later deleted, without deleting run history.
	TestCaseID *uint `gorm:"index" json:"testCaseId"`

	// TestCaseName is frozen at run start so later renames or deletions
	// do not corrupt history.
	TestCaseName *string `json:"testCaseName"`

	// ThreadID is the execution thread created when turns actually run.
	ThreadID *string `json:"threadId"`

	Status            ResultStatus `gorm:"not null" json:"status"`
	EvaluatorAnalysis *string      `gorm:"type:text" json:"evaluatorAnalysis"`
	ExecutedAt        time.Time    `json:"executedAt"`
}

// SuiteRunEvent is one append-only event log row. Rows are never mutated
// or reordered; ID is the total order within a suite run.
type SuiteRunEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SuiteRunID uint      `gorm:"index:ix_suite_run_event_run_id;not null" json:"suiteRunId"`
	Type       string    `gorm:"not null" json:"type"`
	Data       string    `gorm:"type:text" json:"data"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UsageRecord is one usage ledger entry. Every metered model call is
// recorded, including calls whose results were discarded by cancellation.
type UsageRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"index;not null" json:"userId"`
	AgentID      uint      `gorm:"not null" json:"agentId"`
	ModelID      string    `gorm:"not null" json:"modelId"`
	MessageID    *string   `json:"messageId"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	TotalTokens  int       `json:"totalTokens"`
	CreatedAt    time.Time `json:"createdAt"`
}
