package cancel

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/store"
)

// Watcher bridges the durable CANCELLING marker into a run's in-process
// signal. It listens for status-change hints on the shared notification
// channel and additionally polls the store on an interval, so a broken
// channel only delays observation, never loses it.
type Watcher struct {
	log          logrus.FieldLogger
	store        store.Store
	notifier     eventlog.Notifier
	pollInterval time.Duration
}

// NewWatcher creates a cancellation watcher.
func NewWatcher(
	log logrus.FieldLogger,
	st store.Store,
	notifier eventlog.Notifier,
	pollInterval time.Duration,
) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Watcher{
		log:          log.WithField("component", "cancel-watcher"),
		store:        st,
		notifier:     notifier,
		pollInterval: pollInterval,
	}
}

// Watch observes one suite run until it is cancelled or leaves RUNNING.
// When the durable marker is seen, the in-process signal is set. Watch
// returns when the signal is set, the run reaches a terminal state, or
// ctx is done.
func (w *Watcher) Watch(ctx context.Context, suiteRunID uint, sig *Signal) {
	log := w.log.WithField("suite_run_id", suiteRunID)

	changes, cancelSub, err := w.notifier.SubscribeStatus(suiteRunID)
	if err != nil {
		// Polling still observes the marker, just with higher latency.
		log.WithError(err).Warn("Watching without notification channel")

		changes = make(chan eventlog.StatusChange)
		cancelSub = func() {}
	}
	defer cancelSub()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		status, err := w.store.GetSuiteRunStatus(ctx, suiteRunID)

		switch {
		case err != nil:
			// The store may be transiently unavailable; keep trying on the
			// next tick rather than giving up the bridge.
			log.WithError(err).Warn("Failed to read suite run status")
		case status == store.SuiteCancelling:
			log.Info("Observed durable cancel marker")
			sig.Set()

			return
		case status != store.SuiteRunning:
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sig.Done():
			return
		case <-changes:
			// Wake-up hint only; the next loop iteration re-reads the
			// durable status.
		case <-ticker.C:
		}
	}
}
