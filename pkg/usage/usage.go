// Package usage defines the usage ledger boundary. Every metered model
// call is accounted for, including calls whose results are later discarded
// by cancellation: if the call completed, its cost is real.
package usage

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/store"
)

// Record is one accounting entry attributed to a model call.
type Record struct {
	UserID       uint
	AgentID      uint
	ModelID      string
	MessageID    *string
	InputTokens  int
	OutputTokens int
}

// Ledger commits accounting records. Ledger failures must never abort the
// caller's primary operation; callers attempt and log only.
type Ledger interface {
	Record(ctx context.Context, rec Record) error
}

// Compile-time interface check.
var _ Ledger = (*storeLedger)(nil)

type storeLedger struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewStoreLedger creates a Ledger persisting to the result store.
func NewStoreLedger(log logrus.FieldLogger, st store.Store) Ledger {
	return &storeLedger{
		log:   log.WithField("component", "usage-ledger"),
		store: st,
	}
}

func (l *storeLedger) Record(ctx context.Context, rec Record) error {
	return l.store.RecordUsage(ctx, &store.UsageRecord{
		UserID:       rec.UserID,
		AgentID:      rec.AgentID,
		ModelID:      rec.ModelID,
		MessageID:    rec.MessageID,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		TotalTokens:  rec.InputTokens + rec.OutputTokens,
	})
}

// Accumulator is the accounting handle passed into streamed calls. The
// callee adds token counts as it learns them; the caller commits the
// totals to the ledger afterwards.
type Accumulator struct {
	mu  sync.Mutex
	in  int
	out int
}

// Add accumulates token counts. Safe for concurrent use.
func (a *Accumulator) Add(inputTokens, outputTokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.in += inputTokens
	a.out += outputTokens
}

// Totals returns the accumulated input and output token counts.
func (a *Accumulator) Totals() (inputTokens, outputTokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.in, a.out
}
