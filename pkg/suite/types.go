// Package suite implements the test suite execution engine: the
// orchestrator that sequences test cases, the per-case executor, the
// recovery sweeper, and the manager that owns detached run workers.
package suite

import (
	"context"
)

// Turn is one recorded user input / expected agent output pair inside a
// test case.
type Turn struct {
	Input    string
	Expected string
}

// TestCase is a fixed recorded conversation used as a regression fixture.
// A multi-turn test case passes only if every turn passes judgment.
type TestCase struct {
	ID    uint
	Name  string
	Turns []Turn
}

// Agent identifies the agent under test.
type Agent struct {
	ID      uint
	Name    string
	ModelID string
}

// CaseSource provides an agent's test cases in their fixed execution
// order. Test case authoring and storage are owned elsewhere.
type CaseSource interface {
	TestCases(ctx context.Context, agentID uint) ([]TestCase, error)
}

// AgentSource resolves agent ids to the agents under test.
type AgentSource interface {
	Agent(ctx context.Context, agentID uint) (*Agent, error)
}
