package suite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teroai/testbench/pkg/store"
)

// Sweeper forces an interrupted suite run into a consistent terminal
// state: dangling results become SKIPPED and the run becomes FAILURE
// with tallies recomputed from what actually happened. Sweeping a run
// that is already terminal is a no-op, so it is safe to call from crash
// recovery, the janitor, and the orchestrator's own fault path at once.
type Sweeper interface {
	Sweep(ctx context.Context, suiteRunID uint) error
}

// Compile-time interface check.
var _ Sweeper = (*sweeper)(nil)

type sweeper struct {
	log   logrus.FieldLogger
	store store.Store
}

// NewSweeper creates a run recovery sweeper.
func NewSweeper(log logrus.FieldLogger, st store.Store) Sweeper {
	return &sweeper{
		log:   log.WithField("component", "sweeper"),
		store: st,
	}
}

func (s *sweeper) Sweep(ctx context.Context, suiteRunID uint) error {
	run, err := s.store.GetSuiteRun(ctx, suiteRunID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("loading suite run: %w", err)
	}

	if run.Status.Terminal() {
		return nil
	}

	results, err := s.store.ListResults(ctx, suiteRunID)
	if err != nil {
		return fmt.Errorf("loading results: %w", err)
	}

	var tallies store.Tallies

	for i := range results {
		result := &results[i]

		if !result.Status.Terminal() {
			result.Status = store.ResultSkipped
			result.EvaluatorAnalysis = nil

			if err := s.store.SaveResult(ctx, result); err != nil {
				return fmt.Errorf("skipping dangling result %d: %w", result.ID, err)
			}
		}

		tallies.Total++

		switch result.Status {
		case store.ResultSuccess:
			tallies.Passed++
		case store.ResultFailure:
			tallies.Failed++
		case store.ResultError:
			tallies.Errors++
		default:
			tallies.Skipped++
		}
	}

	finalized, err := s.store.FinalizeSuiteRun(
		ctx, suiteRunID, store.SuiteFailure, tallies, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("finalizing suite run: %w", err)
	}

	if finalized {
		s.log.WithFields(logrus.Fields{
			"suite_run_id": suiteRunID,
			"total":        tallies.Total,
			"skipped":      tallies.Skipped,
		}).Info("Swept interrupted suite run")
	}

	return nil
}
