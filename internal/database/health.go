package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// HealthChecker implements observability.Checker for PostgreSQL.
// Beyond connectivity it verifies the journey schema has been migrated.
type HealthChecker struct {
	pool *pgxpool.Pool
}

// NewHealthChecker creates a health checker for the given pool.
func NewHealthChecker(pool *pgxpool.Pool) *HealthChecker {
	return &HealthChecker{pool: pool}
}

// Name returns the component name.
func (h *HealthChecker) Name() string {
	return "postgres"
}

// Check pings the database and confirms the progression tables exist.
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.pool == nil {
		return errors.New("database pool is nil")
	}
	if err := h.pool.Ping(ctx); err != nil {
		return err
	}

	var migrated bool
	err := h.pool.QueryRow(ctx,
		`SELECT to_regclass('public.user_stages') IS NOT NULL AND to_regclass('public.points_ledger') IS NOT NULL`,
	).Scan(&migrated)
	if err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	if !migrated {
		return errors.New("journey schema not migrated")
	}
	return nil
}
