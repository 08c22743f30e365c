package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the test database and its migrated pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness boots (or reuses, see StartPostgres16) a Postgres 16 database and
// applies the embedded migrations. A reused database gets an isolated schema.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	container, dsn, err := StartPostgres16(ctx, overrideDSN)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, container.Shared())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Harness{
		container: container,
		pool:      pool,
		dsn:       dsn,
		teardown:  teardown,
	}, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	_ = h.container.Terminate(ctx)
}

// Reset truncates mutable tables to provide a clean slate between runs.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"crm_sequence_enrollments",
		"crm_sequence_steps",
		"crm_sequences",
		"crm_lead_scores",
		"crm_lead_scoring_rules",
		"crm_messages",
		"crm_activities",
		"crm_deals",
		"customers",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

// SeedCustomer inserts an active customer and returns its id.
func SeedCustomer(ctx context.Context, pool *pgxpool.Pool, tenantID, name, email, segment string) (string, error) {
	var id string
	err := pool.QueryRow(ctx, `
		INSERT INTO customers (tenant_id, name, email, segment, company_name)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $2)
		RETURNING id::text`, tenantID, name, email, segment).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed customer: %w", err)
	}
	return id, nil
}

// SeedWonDeal inserts a won deal of value for customerID.
func SeedWonDeal(ctx context.Context, pool *pgxpool.Pool, tenantID, customerID string, value float64) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO crm_deals (tenant_id, customer_id, title, value, status)
		VALUES ($1, $2, 'seeded deal', $3, 'won')`, tenantID, customerID, value)
	if err != nil {
		return fmt.Errorf("seed deal: %w", err)
	}
	return nil
}
