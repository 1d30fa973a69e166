// Package metrics supplies the per-user metric values that progression rules
// are evaluated against. Values are computed elsewhere; this package only
// reads the latest published value of each metric inside a lookback window.
package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalpath/journey/internal/validation"
)

// Provider returns the user's metric values over the last lookbackDays days.
// A metric without data in the window is absent from the map, never zero.
type Provider interface {
	GetMetrics(ctx context.Context, userID string, lookbackDays int) (map[string]float64, error)
}

// PostgresProvider reads metric_snapshots, taking the most recent value of
// each metric recorded inside the window.
type PostgresProvider struct {
	db *pgxpool.Pool
}

// NewPostgresProvider creates a provider backed by db.
func NewPostgresProvider(db *pgxpool.Pool) *PostgresProvider {
	validation.AssertNotNil(db, "database pool")
	return &PostgresProvider{db: db}
}

// GetMetrics implements Provider.
func (p *PostgresProvider) GetMetrics(ctx context.Context, userID string, lookbackDays int) (map[string]float64, error) {
	if lookbackDays < 1 {
		return nil, fmt.Errorf("lookback days must be positive, got %d", lookbackDays)
	}

	rows, err := p.db.Query(ctx, `
		SELECT DISTINCT ON (metric) metric, value
		FROM metric_snapshots
		WHERE user_id = $1 AND recorded_at >= NOW() - make_interval(days => $2)
		ORDER BY metric, recorded_at DESC
	`, userID, lookbackDays)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}

	out := make(map[string]float64)
	var (
		name  string
		value float64
	)
	_, err = pgx.ForEachRow(rows, []any{&name, &value}, func() error {
		out[name] = value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan metrics: %w", err)
	}
	return out, nil
}

// Record appends a snapshot. The metrics pipeline owns this table in
// production; journeyctl and tests use Record to seed values.
func (p *PostgresProvider) Record(ctx context.Context, userID, metric string, value float64) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO metric_snapshots (user_id, metric, value) VALUES ($1, $2, $3)`,
		userID, metric, value)
	if err != nil {
		return fmt.Errorf("failed to record metric %q: %w", metric, err)
	}
	return nil
}

// StaticProvider serves fixed values regardless of window. It backs local
// development and unit tests.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]map[string]float64
	err    error
}

// NewStaticProvider creates an empty provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{values: make(map[string]map[string]float64)}
}

// Set stores a value for userID.
func (p *StaticProvider) Set(userID, metric string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values[userID] == nil {
		p.values[userID] = make(map[string]float64)
	}
	p.values[userID][metric] = value
}

// FailWith makes every GetMetrics call return err. Passing nil clears it.
func (p *StaticProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// GetMetrics implements Provider. The returned map is a copy.
func (p *StaticProvider) GetMetrics(ctx context.Context, userID string, _ int) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]float64, len(p.values[userID]))
	for k, v := range p.values[userID] {
		out[k] = v
	}
	return out, nil
}
