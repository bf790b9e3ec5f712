package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/teroai/testbench/pkg/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the single source of truth for suite runs, results, the event
// log rows, and the usage ledger.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Suite runs.
	CreateSuiteRun(ctx context.Context, run *SuiteRun) error
	GetSuiteRun(ctx context.Context, id uint) (*SuiteRun, error)
	GetSuiteRunByAgent(ctx context.Context, id, agentID uint) (*SuiteRun, error)
	ListSuiteRuns(ctx context.Context, agentID uint, limit, offset int) ([]SuiteRun, error)
	GetLatestSuiteRun(ctx context.Context, agentID uint) (*SuiteRun, error)
	ListStaleRunningSuiteRuns(ctx context.Context, olderThan time.Time) ([]SuiteRun, error)
	DeleteSuiteRun(ctx context.Context, id uint) error

	// GetSuiteRunStatus reads only the current status so the cancellation
	// watcher can poll without touching writer transactions.
	GetSuiteRunStatus(ctx context.Context, id uint) (SuiteRunStatus, error)

	// MarkSuiteCancelling sets the durable cancel-requested marker. It only
	// succeeds while the run is RUNNING; the returned bool reports whether
	// the marker was written.
	MarkSuiteCancelling(ctx context.Context, id uint) (bool, error)

	// FinalizeSuiteRun moves a run into a terminal state with its counters.
	// It only succeeds from RUNNING or CANCELLING, which makes concurrent
	// finalization (orchestrator vs sweeper) safe.
	FinalizeSuiteRun(ctx context.Context, id uint, status SuiteRunStatus, t Tallies, completedAt time.Time) (bool, error)

	// Test case results.
	CreateResult(ctx context.Context, result *TestCaseResult) error
	SaveResult(ctx context.Context, result *TestCaseResult) error
	ListResults(ctx context.Context, suiteRunID uint) ([]TestCaseResult, error)

	// Event log rows.
	AppendEvent(ctx context.Context, suiteRunID uint, eventType, data string) (uint, error)
	ListEventsAfter(ctx context.Context, suiteRunID, afterID uint) ([]SuiteRunEvent, error)
	PruneEvents(ctx context.Context, suiteRunID uint) error

	// Usage ledger.
	RecordUsage(ctx context.Context, record *UsageRecord) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&SuiteRun{},
		&TestCaseResult{},
		&SuiteRunEvent{},
		&UsageRecord{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Suite runs ---

func (s *store) CreateSuiteRun(ctx context.Context, run *SuiteRun) error {
	if run.ExecutedAt.IsZero() {
		run.ExecutedAt = time.Now().UTC()
	}

	if run.Status == "" {
		run.Status = SuiteRunning
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating suite run: %w", err)
	}

	return nil
}

func (s *store) GetSuiteRun(ctx context.Context, id uint) (*SuiteRun, error) {
	var run SuiteRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting suite run: %w", err)
	}

	return &run, nil
}

func (s *store) GetSuiteRunByAgent(ctx context.Context, id, agentID uint) (*SuiteRun, error) {
	var run SuiteRun
	if err := s.db.WithContext(ctx).
		Where("id = ? AND agent_id = ?", id, agentID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting suite run by agent: %w", err)
	}

	return &run, nil
}

func (s *store) ListSuiteRuns(ctx context.Context, agentID uint, limit, offset int) ([]SuiteRun, error) {
	var runs []SuiteRun
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("executed_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing suite runs: %w", err)
	}

	return runs, nil
}

func (s *store) GetLatestSuiteRun(ctx context.Context, agentID uint) (*SuiteRun, error) {
	var run SuiteRun
	if err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("executed_at DESC").
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting latest suite run: %w", err)
	}

	return &run, nil
}

func (s *store) ListStaleRunningSuiteRuns(ctx context.Context, olderThan time.Time) ([]SuiteRun, error) {
	var runs []SuiteRun
	if err := s.db.WithContext(ctx).
		Where("status IN ? AND executed_at < ?",
			[]SuiteRunStatus{SuiteRunning, SuiteCancelling}, olderThan).
		Order("executed_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing stale suite runs: %w", err)
	}

	return runs, nil
}

// DeleteSuiteRun removes a run with its results and any retained event
// rows in one transaction.
func (s *store) DeleteSuiteRun(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("suite_run_id = ?", id).
			Delete(&SuiteRunEvent{}).Error; err != nil {
			return fmt.Errorf("deleting suite run events: %w", err)
		}

		if err := tx.Where("suite_run_id = ?", id).
			Delete(&TestCaseResult{}).Error; err != nil {
			return fmt.Errorf("deleting suite run results: %w", err)
		}

		if err := tx.Delete(&SuiteRun{}, id).Error; err != nil {
			return fmt.Errorf("deleting suite run: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting suite run %d: %w", id, err)
	}

	return nil
}

func (s *store) GetSuiteRunStatus(ctx context.Context, id uint) (SuiteRunStatus, error) {
	var status SuiteRunStatus
	if err := s.db.WithContext(ctx).
		Model(&SuiteRun{}).
		Select("status").
		Where("id = ?", id).
		Scan(&status).Error; err != nil {
		return "", fmt.Errorf("getting suite run status: %w", err)
	}

	if status == "" {
		return "", ErrNotFound
	}

	return status, nil
}

func (s *store) MarkSuiteCancelling(ctx context.Context, id uint) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&SuiteRun{}).
		Where("id = ? AND status = ?", id, SuiteRunning).
		Update("status", SuiteCancelling)
	if result.Error != nil {
		return false, fmt.Errorf("marking suite run cancelling: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

func (s *store) FinalizeSuiteRun(
	ctx context.Context, id uint, status SuiteRunStatus, t Tallies, completedAt time.Time,
) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finalizing suite run with non-terminal status %s", status)
	}

	result := s.db.WithContext(ctx).
		Model(&SuiteRun{}).
		Where("id = ? AND status IN ?", id,
			[]SuiteRunStatus{SuiteRunning, SuiteCancelling}).
		Updates(map[string]any{
			"status":        status,
			"completed_at":  completedAt,
			"total_tests":   t.Total,
			"passed_tests":  t.Passed,
			"failed_tests":  t.Failed,
			"error_tests":   t.Errors,
			"skipped_tests": t.Skipped,
		})
	if result.Error != nil {
		return false, fmt.Errorf("finalizing suite run: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// --- Test case results ---

func (s *store) CreateResult(ctx context.Context, result *TestCaseResult) error {
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now().UTC()
	}

	if result.Status == "" {
		result.Status = ResultPending
	}

	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("creating test case result: %w", err)
	}

	return nil
}

func (s *store) SaveResult(ctx context.Context, result *TestCaseResult) error {
	if err := s.db.WithContext(ctx).Save(result).Error; err != nil {
		return fmt.Errorf("saving test case result: %w", err)
	}

	return nil
}

func (s *store) ListResults(ctx context.Context, suiteRunID uint) ([]TestCaseResult, error) {
	var results []TestCaseResult
	if err := s.db.WithContext(ctx).
		Where("suite_run_id = ?", suiteRunID).
		Order("executed_at ASC, id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing test case results: %w", err)
	}

	return results, nil
}

// --- Event log rows ---

func (s *store) AppendEvent(ctx context.Context, suiteRunID uint, eventType, data string) (uint, error) {
	row := SuiteRunEvent{
		SuiteRunID: suiteRunID,
		Type:       eventType,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("appending suite run event: %w", err)
	}

	return row.ID, nil
}

func (s *store) ListEventsAfter(ctx context.Context, suiteRunID, afterID uint) ([]SuiteRunEvent, error) {
	var rows []SuiteRunEvent
	if err := s.db.WithContext(ctx).
		Where("suite_run_id = ? AND id > ?", suiteRunID, afterID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing suite run events: %w", err)
	}

	return rows, nil
}

func (s *store) PruneEvents(ctx context.Context, suiteRunID uint) error {
	if err := s.db.WithContext(ctx).
		Where("suite_run_id = ?", suiteRunID).
		Delete(&SuiteRunEvent{}).Error; err != nil {
		return fmt.Errorf("pruning suite run events: %w", err)
	}

	return nil
}

// --- Usage ledger ---

func (s *store) RecordUsage(ctx context.Context, record *UsageRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}

	return nil
}
