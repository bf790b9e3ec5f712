package suite

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/cancel"
	"github.com/teroai/testbench/pkg/eventlog"
	"github.com/teroai/testbench/pkg/events"
	"github.com/teroai/testbench/pkg/store"
)

// Orchestrator drives one suite run end to end. Whatever happens inside,
// the run always ends in a terminal state.
type Orchestrator interface {
	Run(
		ctx context.Context,
		sig *cancel.Signal,
		run *store.SuiteRun,
		ag Agent,
		allCases []TestCase,
		selectedIDs []uint,
		userID uint,
	) error
}

// Compile-time interface check.
var _ Orchestrator = (*orchestrator)(nil)

type orchestrator struct {
	log      logrus.FieldLogger
	store    store.Store
	events   eventlog.Log
	executor Executor
	sweeper  Sweeper
}

// NewOrchestrator creates a suite orchestrator.
func NewOrchestrator(
	log logrus.FieldLogger,
	st store.Store,
	evlog eventlog.Log,
	exec Executor,
	sweeper Sweeper,
) Orchestrator {
	return &orchestrator{
		log:      log.WithField("component", "orchestrator"),
		store:    st,
		events:   evlog,
		executor: exec,
		sweeper:  sweeper,
	}
}

func (o *orchestrator) Run(
	ctx context.Context,
	sig *cancel.Signal,
	run *store.SuiteRun,
	ag Agent,
	allCases []TestCase,
	selectedIDs []uint,
	userID uint,
) (err error) {
	log := o.log.WithFields(logrus.Fields{
		"suite_run_id": run.ID,
		"agent_id":     ag.ID,
	})

	// Retained event rows have served their purpose once the run is over.
	// Cleanup writes use a fresh context so a cancelled caller context
	// cannot leave rows behind.
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)
		if pruneErr := o.events.Prune(cleanupCtx, run.ID); pruneErr != nil {
			log.WithError(pruneErr).Warn("Failed to prune suite run events")
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("suite run panicked: %v", r)
		}

		if err == nil {
			return
		}

		// Fatal fault: force everything terminal and tell observers,
		// but never crash the host process.
		log.WithError(err).Error("Suite run failed")

		cleanupCtx := context.WithoutCancel(ctx)
		if sweepErr := o.sweeper.Sweep(cleanupCtx, run.ID); sweepErr != nil {
			log.WithError(sweepErr).Error("Recovery sweep failed")
		}

		o.emit(cleanupCtx, run.ID, events.SuiteError{})
	}()

	selected := selectedSet(selectedIDs)
	pending := make(map[uint]*store.TestCaseResult, len(selected))

	// Seed one result row per test case up front, so observers can
	// enumerate the full expected result set before execution completes.
	// Names are frozen now; later renames do not touch history.
	for _, tc := range allCases {
		name := tc.Name
		tcID := tc.ID
		result := &store.TestCaseResult{
			SuiteRunID:   run.ID,
			TestCaseID:   &tcID,
			TestCaseName: &name,
			Status:       store.ResultPending,
		}

		if _, ok := selected[tc.ID]; !ok {
			result.Status = store.ResultSkipped
		}

		if err := o.store.CreateResult(ctx, result); err != nil {
			return fmt.Errorf("seeding results: %w", err)
		}

		if _, ok := selected[tc.ID]; ok {
			pending[tc.ID] = result
		}
	}

	o.emit(ctx, run.ID, events.SuiteStart{SuiteRunID: run.ID})

	tallies := store.Tallies{
		Total:   len(allCases),
		Skipped: len(allCases) - len(pending),
	}

	for index, tc := range allCases {
		result, ok := pending[tc.ID]
		if !ok {
			continue
		}

		if sig.IsSet() {
			skipped, skipErr := o.skipRemaining(ctx, allCases[index:], pending)
			if skipErr != nil {
				return skipErr
			}

			tallies.Skipped += skipped

			break
		}

		o.emit(ctx, run.ID, events.SuiteTestStart{
			TestCaseID: tc.ID,
			ResultID:   result.ID,
		})

		o.executor.Run(ctx, sig, ag, tc, userID, result, func(payload events.Payload) {
			o.relay(ctx, run.ID, payload)
		})

		switch result.Status {
		case store.ResultSuccess:
			tallies.Passed++
		case store.ResultFailure:
			tallies.Failed++
		case store.ResultError:
			tallies.Errors++
		case store.ResultSkipped:
			tallies.Skipped++
		default:
			// A result that somehow escaped the executor non-terminal is
			// counted as skipped rather than lost.
			tallies.Skipped++
		}

		o.emit(ctx, run.ID, events.SuiteTestComplete{
			TestCaseID: tc.ID,
			ResultID:   result.ID,
			Status:     string(result.Status),
			Evaluation: &events.Evaluation{Analysis: result.EvaluatorAnalysis},
		})
	}

	status := store.SuiteSuccess
	if tallies.Failed > 0 || tallies.Errors > 0 || sig.IsSet() {
		status = store.SuiteFailure
	}

	completedAt := time.Now().UTC()

	finalized, err := o.store.FinalizeSuiteRun(ctx, run.ID, status, tallies, completedAt)
	if err != nil {
		return fmt.Errorf("finalizing suite run: %w", err)
	}

	if !finalized {
		// The sweeper got there first; its writes win.
		log.Warn("Suite run was already finalized")
	} else {
		run.Status = status
		run.CompletedAt = &completedAt
		run.TotalTests = tallies.Total
		run.PassedTests = tallies.Passed
		run.FailedTests = tallies.Failed
		run.ErrorTests = tallies.Errors
		run.SkippedTests = tallies.Skipped
	}

	o.emit(ctx, run.ID, events.SuiteComplete{
		SuiteRunID: run.ID,
		Status:     string(status),
		TotalTests: tallies.Total,
		Passed:     tallies.Passed,
		Failed:     tallies.Failed,
		Errors:     tallies.Errors,
		Skipped:    tallies.Skipped,
	})

	log.WithFields(logrus.Fields{
		"status":  status,
		"total":   tallies.Total,
		"passed":  tallies.Passed,
		"failed":  tallies.Failed,
		"errors":  tallies.Errors,
		"skipped": tallies.Skipped,
	}).Info("Suite run completed")

	return nil
}

// skipRemaining marks every not-yet-started selected test case SKIPPED
// after a cancellation, emitting one completion event pair per result.
// It returns how many results were skipped.
func (o *orchestrator) skipRemaining(
	ctx context.Context,
	remaining []TestCase,
	pending map[uint]*store.TestCaseResult,
) (int, error) {
	skipped := 0

	for _, tc := range remaining {
		result, ok := pending[tc.ID]
		if !ok {
			continue
		}

		result.Status = store.ResultSkipped
		result.EvaluatorAnalysis = nil

		if err := o.store.SaveResult(ctx, result); err != nil {
			return skipped, fmt.Errorf("skipping remaining tests: %w", err)
		}

		skipped++

		o.relay(ctx, result.SuiteRunID, events.Phase{
			Phase:  "completed",
			Status: string(store.ResultSkipped),
		})
		o.emit(ctx, result.SuiteRunID, events.SuiteTestComplete{
			TestCaseID: tc.ID,
			ResultID:   result.ID,
			Status:     string(store.ResultSkipped),
			Evaluation: &events.Evaluation{},
		})
	}

	return skipped, nil
}

// emit appends a suite-scoped event. Event log writes are a best-effort
// side channel: failures are logged, never escalated.
func (o *orchestrator) emit(ctx context.Context, runID uint, payload events.Payload) {
	if _, err := o.events.Append(ctx, runID, payload.EventType(), payload); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"suite_run_id": runID,
			"event_type":   payload.EventType(),
		}).Warn("Failed to append suite event")
	}
}

// relay appends a test-case-scoped event under its suite-relayed type
// name, e.g. "phase" is stored as "suite.test.phase".
func (o *orchestrator) relay(ctx context.Context, runID uint, payload events.Payload) {
	relayed := events.SuiteTestType(payload.EventType())
	if _, err := o.events.Append(ctx, runID, relayed, payload); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"suite_run_id": runID,
			"event_type":   relayed,
		}).Warn("Failed to relay test case event")
	}
}

func selectedSet(ids []uint) map[uint]struct{} {
	set := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}
