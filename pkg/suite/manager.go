package suite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/config"
	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/store"
)

var (
	// ErrRunInProgress is returned when an agent already has a live run.
	ErrRunInProgress = errors.New("suite run already in progress")

	// ErrNotRunning is returned when cancellation targets a run that is
	// not currently RUNNING.
	ErrNotRunning = errors.New("suite run is not running")

	// ErrNoTestCases is returned when a run would have nothing to execute.
	ErrNoTestCases = errors.New("agent has no test cases")
)

// Manager owns the lifecycle of suite run workers. Runs execute on the
// manager's own context, detached from the HTTP request that started
// them, and survive until completion, cancellation, or process death.
type Manager interface {
	Start(ctx context.Context) error
	Stop() error

	// StartRun begins a suite run for the agent. selectedIDs narrows
	// execution to a subset of the agent's test cases; empty means all.
	// At most one live run per agent is allowed.
	StartRun(ctx context.Context, ag Agent, selectedIDs []uint, userID uint) (*store.SuiteRun, error)

	// RequestCancel writes the durable cancel marker for the run and pokes
	// the local signal when the run is hosted by this process.
	RequestCancel(ctx context.Context, agentID, suiteRunID uint) error
}

// Compile-time interface check.
var _ Manager = (*manager)(nil)

type manager struct {
	log          logrus.FieldLogger
	cfg          *config.SuiteConfig
	store        store.Store
	notifier     eventlog.Notifier
	orchestrator Orchestrator
	sweeper      Sweeper
	watcher      *cancel.Watcher
	cases        CaseSource
	registry     *cancel.Registry

	// mu serializes the conflict check against run creation.
	mu sync.Mutex

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates the suite run manager.
func NewManager(
	log logrus.FieldLogger,
	cfg *config.SuiteConfig,
	st store.Store,
	notifier eventlog.Notifier,
	orch Orchestrator,
	sweeper Sweeper,
	watcher *cancel.Watcher,
	cases CaseSource,
) Manager {
	return &manager{
		log:          log.WithField("component", "suite-manager"),
		cfg:          cfg,
		store:        st,
		notifier:     notifier,
		orchestrator: orch,
		sweeper:      sweeper,
		watcher:      watcher,
		cases:        cases,
		registry:     cancel.NewRegistry(),
	}
}

// Start sweeps runs orphaned by a previous process and starts the
// janitor that keeps doing so for runs that die later.
func (m *manager) Start(ctx context.Context) error {
	m.baseCtx, m.cancelBase = context.WithCancel(context.Background())

	// Anything non-terminal at startup was interrupted by a crash or
	// restart: no worker exists for it anymore.
	if err := m.sweepStale(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("recovering orphaned runs: %w", err)
	}

	m.wg.Add(1)

	go m.janitor()

	m.log.Info("Suite manager started")

	return nil
}

// Stop stops accepting work and waits for run workers to finish their
// current writes. In-flight runs are interrupted; the next startup
// sweep makes them terminal.
func (m *manager) Stop() error {
	if m.cancelBase != nil {
		m.cancelBase()
	}

	m.wg.Wait()

	return nil
}

func (m *manager) StartRun(
	ctx context.Context, ag Agent, selectedIDs []uint, userID uint,
) (*store.SuiteRun, error) {
	allCases, err := m.cases.TestCases(ctx, ag.ID)
	if err != nil {
		return nil, fmt.Errorf("loading test cases: %w", err)
	}

	if len(allCases) == 0 {
		return nil, ErrNoTestCases
	}

	selectedIDs = m.filterSelection(allCases, selectedIDs)
	if len(selectedIDs) == 0 {
		return nil, ErrNoTestCases
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	latest, err := m.store.GetLatestSuiteRun(ctx, ag.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking for live run: %w", err)
	}

	if latest != nil && !latest.Status.Terminal() {
		return nil, ErrRunInProgress
	}

	run := &store.SuiteRun{
		AgentID: ag.ID,
		Status:  store.SuiteRunning,
	}
	if err := m.store.CreateSuiteRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating suite run: %w", err)
	}

	sig := m.registry.Register(run.ID)

	m.wg.Add(1)

	go m.runWorker(run, ag, allCases, selectedIDs, userID, sig)

	m.log.WithFields(logrus.Fields{
		"suite_run_id": run.ID,
		"agent_id":     ag.ID,
		"selected":     len(selectedIDs),
		"total":        len(allCases),
	}).Info("Suite run started")

	return run, nil
}

// runWorker hosts one suite run on the manager's context, alongside its
// cancellation watcher.
func (m *manager) runWorker(
	run *store.SuiteRun,
	ag Agent,
	allCases []TestCase,
	selectedIDs []uint,
	userID uint,
	sig *cancel.Signal,
) {
	defer m.wg.Done()
	defer m.registry.Unregister(run.ID)

	runCtx, cancelRun := context.WithCancel(m.baseCtx)
	defer cancelRun()

	watchDone := make(chan struct{})

	go func() {
		defer close(watchDone)
		m.watcher.Watch(runCtx, run.ID, sig)
	}()

	// Orchestrator.Run only errors on infrastructure faults; it has
	// already swept the run and emitted suite.error by then.
	if err := m.orchestrator.Run(runCtx, sig, run, ag, allCases, selectedIDs, userID); err != nil {
		m.log.WithError(err).WithField("suite_run_id", run.ID).
			Error("Suite run worker failed")
	}

	cancelRun()
	<-watchDone
}

func (m *manager) RequestCancel(ctx context.Context, agentID, suiteRunID uint) error {
	run, err := m.store.GetSuiteRunByAgent(ctx, suiteRunID, agentID)
	if err != nil {
		return err
	}

	if run.Status != store.SuiteRunning {
		return fmt.Errorf("%w: status is %s", ErrNotRunning, run.Status)
	}

	marked, err := m.store.MarkSuiteCancelling(ctx, suiteRunID)
	if err != nil {
		return fmt.Errorf("marking suite run cancelling: %w", err)
	}

	if !marked {
		// Lost the race against finalization.
		return ErrNotRunning
	}

	// Hints accelerate observation; the durable marker alone suffices.
	if err := m.notifier.PublishStatus(ctx, eventlog.StatusChange{
		SuiteRunID: suiteRunID,
		Status:     string(store.SuiteCancelling),
	}); err != nil {
		m.log.WithError(err).WithField("suite_run_id", suiteRunID).
			Warn("Failed to publish cancel status change")
	}

	if sig, ok := m.registry.Get(suiteRunID); ok {
		sig.Set()
	}

	m.log.WithField("suite_run_id", suiteRunID).Info("Suite run cancellation requested")

	return nil
}

// janitor periodically sweeps non-terminal runs that have no live worker
// in this process and have been running longer than the stale threshold.
func (m *manager) janitor() {
	defer m.wg.Done()

	interval := m.cfg.StaleRunThreshold
	if interval <= 0 {
		interval = config.DefaultStaleRunThreshold
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-m.cfg.StaleRunThreshold)
			if err := m.sweepStale(m.baseCtx, cutoff); err != nil {
				m.log.WithError(err).Warn("Janitor sweep failed")
			}
		}
	}
}

// sweepStale sweeps every non-terminal run started before the cutoff
// that has no worker registered in this process.
func (m *manager) sweepStale(ctx context.Context, cutoff time.Time) error {
	stale, err := m.store.ListStaleRunningSuiteRuns(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stale runs: %w", err)
	}

	active := make(map[uint]struct{})
	for _, id := range m.registry.Active() {
		active[id] = struct{}{}
	}

	for _, run := range stale {
		if _, hosted := active[run.ID]; hosted {
			continue
		}

		if err := m.sweeper.Sweep(ctx, run.ID); err != nil {
			m.log.WithError(err).WithField("suite_run_id", run.ID).
				Warn("Failed to sweep stale run")
		}
	}

	return nil
}

// filterSelection keeps only ids that exist among the agent's test
// cases; an empty selection means every case.
func (m *manager) filterSelection(allCases []TestCase, selectedIDs []uint) []uint {
	known := make(map[uint]struct{}, len(allCases))
	for _, tc := range allCases {
		known[tc.ID] = struct{}{}
	}

	if len(selectedIDs) == 0 {
		ids := make([]uint, 0, len(allCases))
		for _, tc := range allCases {
			ids = append(ids, tc.ID)
		}

		return ids
	}

	ids := make([]uint, 0, len(selectedIDs))

	for _, id := range selectedIDs {
		if _, ok := known[id]; ok {
			ids = append(ids, id)
		}
	}

	return ids
}
