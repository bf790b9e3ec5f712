// Package events defines the typed progress events emitted while a test
// suite run executes. Each event type has exactly one payload shape so
// relays and observers can handle every kind exhaustively.
package events

import (
	"encoding/json"
	"fmt"
)

// Type tags an event payload on the wire and in the event log.
type Type string

// Test case scoped event types.
const (
	TypePhase                Type = "phase"
	TypeUserMessage          Type = "userMessage"
	TypeAgentMessageStart    Type = "agentMessage.start"
	TypeAgentMessageChunk    Type = "agentMessage.chunk"
	TypeAgentMessageComplete Type = "agentMessage.complete"
	TypeExecutionStatus      Type = "executionStatus"
	TypeMetadata             Type = "metadata"
	TypeError                Type = "error"
)

// Suite scoped event types.
const (
	TypeSuiteStart        Type = "suite.start"
	TypeSuiteTestStart    Type = "suite.test.start"
	TypeSuiteTestComplete Type = "suite.test.complete"
	TypeSuiteComplete     Type = "suite.complete"
	TypeSuiteError        Type = "suite.error"
)

// SuiteTestType renames a test-case-scoped event type to its suite-relayed
// form, e.g. "phase" becomes "suite.test.phase".
func SuiteTestType(t Type) Type {
	return Type("suite.test." + string(t))
}

// Payload is the closed set of event payloads. Implementations live in
// this package only.
type Payload interface {
	EventType() Type
}

// Phase reports a test case moving between execution phases. Status and
// Evaluation are only set when Phase is "completed".
type Phase struct {
	Phase      string      `json:"phase"`
	Status     string      `json:"status,omitempty"`
	Evaluation *Evaluation `json:"evaluation"`
}

// Evaluation is the judge outcome attached to completion events.
type Evaluation struct {
	Passed   bool    `json:"passed,omitempty"`
	Analysis *string `json:"analysis,omitempty"`
}

// UserMessage reports the recorded user input appended to the execution
// thread.
type UserMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AgentMessageStart reports that the agent began producing an answer.
type AgentMessageStart struct {
	ID string `json:"id"`
}

// AgentMessageChunk carries one streamed fragment of the agent's answer.
type AgentMessageChunk struct {
	ID    string `json:"id"`
	Chunk string `json:"chunk"`
}

// AgentMessageComplete carries the fully assembled agent answer.
type AgentMessageComplete struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ExecutionStatus relays an intermediate action or tool status from the
// agent engine.
type ExecutionStatus struct {
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// Metadata identifies the test case and result a following event stream
// belongs to.
type Metadata struct {
	TestCaseID uint `json:"testCaseId"`
	ResultID   uint `json:"resultId"`
}

// Error reports a test-case-local fault.
type Error struct {
	Message string `json:"message"`
}

// SuiteStart opens a suite run's event stream.
type SuiteStart struct {
	SuiteRunID uint `json:"suiteRunId"`
}

// SuiteTestStart announces that a selected test case is about to execute.
type SuiteTestStart struct {
	TestCaseID uint `json:"testCaseId"`
	ResultID   uint `json:"resultId"`
}

// SuiteTestComplete carries the terminal status of one test case result.
type SuiteTestComplete struct {
	TestCaseID uint        `json:"testCaseId"`
	ResultID   uint        `json:"resultId"`
	Status     string      `json:"status"`
	Evaluation *Evaluation `json:"evaluation"`
}

// SuiteComplete closes a suite run's event stream with final tallies.
type SuiteComplete struct {
	SuiteRunID uint   `json:"suiteRunId"`
	Status     string `json:"status"`
	TotalTests int    `json:"totalTests"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Errors     int    `json:"errors"`
	Skipped    int    `json:"skipped"`
}

// SuiteError signals that the orchestrator hit a fatal fault. Observers
// must treat the run as finished.
type SuiteError struct{}

func (Phase) EventType() Type                { return TypePhase }
func (UserMessage) EventType() Type          { return TypeUserMessage }
func (AgentMessageStart) EventType() Type    { return TypeAgentMessageStart }
func (AgentMessageChunk) EventType() Type    { return TypeAgentMessageChunk }
func (AgentMessageComplete) EventType() Type { return TypeAgentMessageComplete }
func (ExecutionStatus) EventType() Type      { return TypeExecutionStatus }
func (Metadata) EventType() Type             { return TypeMetadata }
func (Error) EventType() Type                { return TypeError }
func (SuiteStart) EventType() Type           { return TypeSuiteStart }
func (SuiteTestStart) EventType() Type       { return TypeSuiteTestStart }
func (SuiteTestComplete) EventType() Type    { return TypeSuiteTestComplete }
func (SuiteComplete) EventType() Type        { return TypeSuiteComplete }
func (SuiteError) EventType() Type           { return TypeSuiteError }

// Marshal encodes a payload for storage in the event log.
func Marshal(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", p.EventType(), err)
	}

	return string(data), nil
}
