package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teroai/testbench/pkg/config"
	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/store"
)

func newWatcherStore(t *testing.T) store.Store {
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

	return st
}

func TestWatcherSetsSignalOnDurableMarker(t *testing.T) {
	ctx := context.Background()
	st := newWatcherStore(t)

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, st.CreateSuiteRun(ctx, run))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	w := NewWatcher(log, st, eventlog.NewNoopNotifier(), 10*time.Millisecond)
	sig := NewSignal()

	done := make(chan struct{})

	go func() {
		defer close(done)
		w.Watch(ctx, run.ID, sig)
	}()

	// Another process writes the durable marker; polling must pick it up.
	ok, err := st.MarkSuiteCancelling(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not observe the durable marker")
	}

	assert.True(t, sig.IsSet())
}

func TestWatcherExitsWhenRunFinishes(t *testing.T) {
	ctx := context.Background()
	st := newWatcherStore(t)

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, st.CreateSuiteRun(ctx, run))

	_, err := st.FinalizeSuiteRun(ctx, run.ID, store.SuiteSuccess,
		store.Tallies{}, time.Now().UTC())
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	w := NewWatcher(log, st, eventlog.NewNoopNotifier(), 10*time.Millisecond)
	sig := NewSignal()

	done := make(chan struct{})

	go func() {
		defer close(done)
		w.Watch(ctx, run.ID, sig)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit on terminal run")
	}

	assert.False(t, sig.IsSet())
}

func TestWatcherExitsWhenSignalAlreadySet(t *testing.T) {
	ctx := context.Background()
	st := newWatcherStore(t)

	run := &store.SuiteRun{AgentID: 1}
	require.NoError(t, st.CreateSuiteRun(ctx, run))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	w := NewWatcher(log, st, eventlog.NewNoopNotifier(), time.Hour)
	sig := NewSignal()
	sig.Set()

	done := make(chan struct{})

	go func() {
		defer close(done)
		w.Watch(ctx, run.ID, sig)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit on set signal")
	}
}
