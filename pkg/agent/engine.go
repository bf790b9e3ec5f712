// Package agent declares the consumed boundary of the external agent
// engine: the component that actually answers a user message on an
// execution thread. The test suite engine drives it and relays its
// streamed events, but owns none of its internals.
package agent

import (
	"context"

	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/usage"
)

// MessageOrigin distinguishes who produced a thread message.
type MessageOrigin string

const (
	OriginUser  MessageOrigin = "USER"
	OriginAgent MessageOrigin = "AGENT"
)

// Message is one turn on an execution thread.
type Message struct {
	ID     string
	Origin MessageOrigin
	Text   string
}

// Event is the closed set of events an engine streams while answering.
type Event interface {
	isEvent()
}

// ActionEvent reports an intermediate action or tool status update.
type ActionEvent struct {
	Action string
	Detail string
}

// ChunkEvent carries one streamed fragment of the answer text. The full
// answer is the concatenation of all chunks, in order.
type ChunkEvent struct {
	Content string
}

func (ActionEvent) isEvent() {}
func (ChunkEvent) isEvent()  {}

// Engine produces an answer to the last user message of a thread as a
// lazy event stream. The returned channel is closed once the answer is
// complete or the engine gave up. Cancellation is cooperative via the
// shared signal; token costs are reported through the accumulator.
type Engine interface {
	Answer(
		ctx context.Context,
		sig *cancel.Signal,
		thread []Message,
		acct *usage.Accumulator,
	) (<-chan Event, error)
}
