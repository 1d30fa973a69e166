// Package store provides the Data Access Layer for the journey engine.
// It handles all direct interactions with PostgreSQL using the pgx driver,
// including the atomic complete-and-cascade transaction.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalpath/journey/internal/journey"
	"github.com/vitalpath/journey/internal/ruleengine"
)

// Compile-time checks that PostgresStore implements every repository.
var (
	_ CatalogRepository     = (*PostgresStore)(nil)
	_ JourneyRepository     = (*PostgresStore)(nil)
	_ ProgressionRepository = (*PostgresStore)(nil)
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write lost a uniqueness race.
	ErrConflict = errors.New("store: conflict")

	// ErrRetriesExhausted is returned when a transaction kept failing with
	// serialization or deadlock errors.
	ErrRetriesExhausted = errors.New("store: transaction retries exhausted")
)

// Postgres error codes inspected by the store.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// DefaultMaxTxRetries is used when NewPostgresStore is given no explicit limit.
const DefaultMaxTxRetries = 3

// CatalogRepository persists immutable content: chapters, stages and tasks.
type CatalogRepository interface {
	// ApplyCatalog upserts chapters and stages (with their tasks) in one transaction.
	ApplyCatalog(ctx context.Context, chapters []journey.Chapter, stages []journey.Stage) error

	// ListChapters returns every chapter ordered by order_index.
	ListChapters(ctx context.Context) ([]journey.Chapter, error)

	// ListStages returns stage templates ordered by order_index. With no codes
	// it returns every stage.
	ListStages(ctx context.Context, codes ...string) ([]journey.Stage, error)
}

// JourneyRepository creates and reads per-user journey instances.
type JourneyRepository interface {
	// InstantiateJourney creates user stage and task instances for the given
	// stage codes. Existing (user, stage) pairs are left untouched.
	InstantiateJourney(ctx context.Context, userID string, source journey.Source, stageCodes []string) (int, error)

	// ListUserStages returns all stage instances of the user, both sources,
	// ordered by source then position.
	ListUserStages(ctx context.Context, userID string) ([]journey.UserStage, error)

	// ListUserTasks returns all task instances of the user.
	ListUserTasks(ctx context.Context, userID string) ([]journey.UserTask, error)

	// SumPoints returns the ledger total for the user.
	SumPoints(ctx context.Context, userID string) (int, error)
}

// ProgressionRepository holds the write primitives of the completion flow.
type ProgressionRepository interface {
	// GetTaskDetail loads a task instance with its owning stage instance and
	// both rule sets. Returns ErrNotFound when the task instance does not exist.
	GetTaskDetail(ctx context.Context, userTaskID string) (*TaskDetail, error)

	// CompleteTask performs the complete-and-cascade transaction.
	CompleteTask(ctx context.Context, params CompletionParams, derive DeriveFunc) (*CompletionOutcome, error)

	// AdvanceStages locks the user's active stage set, asks plan for changes and
	// applies them with forward-only conditional writes.
	AdvanceStages(ctx context.Context, userID string, plan PlanFunc) ([]StageChange, error)
}

// TaskDetail is a task instance joined with everything the completion flow checks.
type TaskDetail struct {
	Task              journey.UserTask
	Stage             journey.UserStage
	Condition         ruleengine.Requirements
	StageRequirements ruleengine.Requirements
}

// PostgresStore implements the repositories on PostgreSQL.
type PostgresStore struct {
	db           *pgxpool.Pool
	maxTxRetries int
}

// Option configures a PostgresStore.
type Option func(*PostgresStore)

// WithMaxTxRetries sets how many times a transaction is retried after a
// serialization failure or deadlock.
func WithMaxTxRetries(n int) Option {
	return func(s *PostgresStore) {
		if n >= 0 {
			s.maxTxRetries = n
		}
	}
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool, opts ...Option) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	s := &PostgresStore{db: db, maxTxRetries: DefaultMaxTxRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// isRetryable reports whether the transaction can be safely re-run.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// notFound maps pgx.ErrNoRows to ErrNotFound and passes other errors through.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
