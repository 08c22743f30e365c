package customer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldcrm/db"
)

// ErrNotFound signals the requested customer does not exist.
var ErrNotFound = errors.New("customer: not found")

// PGRepository reads customers and their derived metrics from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindAll returns every active customer of the tenant. Rows are fetched as
// jsonb so the full column set lands in Customer.Attributes.
func (r *PGRepository) FindAll(ctx context.Context, tenantID string) ([]Customer, error) {
	const query = `
		SELECT to_jsonb(c)
		FROM customers c
		WHERE c.tenant_id = $1 AND c.is_active
		ORDER BY c.created_at, c.id
	`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("customer: list: %w", err)
	}
	return collectCustomers(rows)
}

// Find fetches one customer by id.
func (r *PGRepository) Find(ctx context.Context, id string) (Customer, error) {
	const query = `SELECT to_jsonb(c) FROM customers c WHERE c.id = $1`

	var attrs map[string]any
	if err := r.pool.QueryRow(ctx, query, id).Scan(&attrs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Customer{}, ErrNotFound
		}
		return Customer{}, fmt.Errorf("customer: find: %w", err)
	}
	return fromAttributes(attrs), nil
}

// FindMany loads the given customers keyed by id. Unknown ids are absent
// from the result rather than an error.
func (r *PGRepository) FindMany(ctx context.Context, ids []string) (map[string]Customer, error) {
	out := make(map[string]Customer, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	const query = `SELECT to_jsonb(c) FROM customers c WHERE c.id = ANY($1::uuid[])`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("customer: find many: %w", err)
	}
	list, err := collectCustomers(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range list {
		out[c.ID] = c
	}
	return out, nil
}

// DealsCount counts every deal attached to the customer.
func (r *PGRepository) DealsCount(ctx context.Context, customerID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM crm_deals WHERE customer_id = $1`, customerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("customer: count deals: %w", err)
	}
	return n, nil
}

// WonRevenue sums the value of the customer's won deals.
func (r *PGRepository) WonRevenue(ctx context.Context, customerID string) (float64, error) {
	var total float64
	const query = `SELECT COALESCE(SUM(value), 0)::float8 FROM crm_deals WHERE customer_id = $1 AND status = 'won'`
	if err := r.pool.QueryRow(ctx, query, customerID).Scan(&total); err != nil {
		return 0, fmt.Errorf("customer: sum won revenue: %w", err)
	}
	return total, nil
}

// LastActivityAt returns the creation time of the newest activity, or nil
// when the customer has never been contacted.
func (r *PGRepository) LastActivityAt(ctx context.Context, customerID string) (*time.Time, error) {
	var ts *time.Time
	if err := r.pool.QueryRow(ctx, `SELECT MAX(created_at) FROM crm_activities WHERE customer_id = $1`, customerID).Scan(&ts); err != nil {
		return nil, fmt.Errorf("customer: last activity: %w", err)
	}
	return ts, nil
}

// UpdateLeadScore mirrors the latest score onto the customer row for list views.
func (r *PGRepository) UpdateLeadScore(ctx context.Context, tenantID, customerID string, points int, grade string) error {
	const query = `
		UPDATE customers
		SET lead_score = $3, lead_grade = $4, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
	`
	if _, err := r.pool.Exec(ctx, query, tenantID, customerID, points, grade); err != nil {
		return fmt.Errorf("customer: update lead score: %w", err)
	}
	return nil
}

func collectCustomers(rows pgx.Rows) ([]Customer, error) {
	defer rows.Close()

	out := make([]Customer, 0, 16)
	for rows.Next() {
		var attrs map[string]any
		if err := rows.Scan(&attrs); err != nil {
			return nil, fmt.Errorf("customer: scan: %w", err)
		}
		out = append(out, fromAttributes(attrs))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("customer: iterate: %w", err)
	}
	return out, nil
}
