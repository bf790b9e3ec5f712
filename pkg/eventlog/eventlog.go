// Package eventlog provides the durable, replayable progress log for suite
// runs. Events are appended to the store first, then a lightweight
// notification wakes idle readers. Producer and consumer lifetimes are
// fully decoupled: the orchestrator never blocks on an observer, and a
// reader that reconnects can resume from its last-seen event id.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/events"
	"github.com/teroai/testbench/pkg/store"
)

// ErrStop is returned by a Tail callback to end the tail cleanly.
var ErrStop = errors.New("stop tailing")

// DefaultPollInterval bounds how stale a reader can get when the
// notification channel is down or drops a wake-up.
const DefaultPollInterval = 3 * time.Second

// Log is the suite-run-scoped event log.
type Log interface {
	// Append durably stores one event, then wakes readers. The returned id
	// is the event's position in the run's total order.
	Append(ctx context.Context, suiteRunID uint, eventType events.Type, payload events.Payload) (uint, error)

	// ReadFrom returns all events with id greater than afterID, in order.
	ReadFrom(ctx context.Context, suiteRunID, afterID uint) ([]store.SuiteRunEvent, error)

	// Tail replays history after afterID and then follows live events,
	// invoking fn for each row in order. It returns when fn returns
	// ErrStop, fn fails, or ctx is done.
	Tail(ctx context.Context, suiteRunID, afterID uint, fn func(store.SuiteRunEvent) error) error

	// Prune deletes the run's retained events.
	Prune(ctx context.Context, suiteRunID uint) error
}

// Compile-time interface check.
var _ Log = (*log)(nil)

type log struct {
	logger       logrus.FieldLogger
	store        store.Store
	notifier     Notifier
	pollInterval time.Duration
}

// NewLog creates an event log over the given store and notifier.
func NewLog(logger logrus.FieldLogger, st store.Store, notifier Notifier) Log {
	return &log{
		logger:       logger.WithField("component", "eventlog"),
		store:        st,
		notifier:     notifier,
		pollInterval: DefaultPollInterval,
	}
}

func (l *log) Append(
	ctx context.Context, suiteRunID uint, eventType events.Type, payload events.Payload,
) (uint, error) {
	data, err := events.Marshal(payload)
	if err != nil {
		return 0, err
	}

	id, err := l.store.AppendEvent(ctx, suiteRunID, string(eventType), data)
	if err != nil {
		return 0, err
	}

	// The notification is a wake-up hint only; losing it degrades latency,
	// not correctness.
	if err := l.notifier.PublishEvent(ctx, Notification{
		SuiteRunID: suiteRunID,
		EventID:    id,
	}); err != nil {
		l.logger.WithError(err).WithField("suite_run_id", suiteRunID).
			Warn("Failed to publish event notification")
	}

	return id, nil
}

func (l *log) ReadFrom(ctx context.Context, suiteRunID, afterID uint) ([]store.SuiteRunEvent, error) {
	return l.store.ListEventsAfter(ctx, suiteRunID, afterID)
}

func (l *log) Prune(ctx context.Context, suiteRunID uint) error {
	return l.store.PruneEvents(ctx, suiteRunID)
}

func (l *log) Tail(
	ctx context.Context, suiteRunID, afterID uint, fn func(store.SuiteRunEvent) error,
) error {
	wake, cancel, err := l.notifier.SubscribeEvents(suiteRunID)
	if err != nil {
		// Degrade to pure polling.
		l.logger.WithError(err).WithField("suite_run_id", suiteRunID).
			Warn("Tailing without notification channel")

		wake = make(chan Notification)
		cancel = func() {}
	}
	defer cancel()

	lastSeen := afterID

	drain := func() error {
		rows, err := l.ReadFrom(ctx, suiteRunID, lastSeen)
		if err != nil {
			return err
		}

		for _, row := range rows {
			if err := fn(row); err != nil {
				return err
			}

			lastSeen = row.ID
		}

		return nil
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		if err := drain(); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}

			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
