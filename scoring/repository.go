package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldcrm/db"
)

var (
	// ErrRuleNotFound is returned when no rule exists for the tenant and id.
	ErrRuleNotFound = errors.New("scoring: rule not found")
	// ErrInvalidRule signals a rule that fails category/operator/points validation.
	ErrInvalidRule = errors.New("scoring: invalid rule")
)

// Repository defines the rule and score persistence used by the engine.
type Repository interface {
	ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]Rule, error)
	GetRule(ctx context.Context, tenantID, id string) (Rule, error)
	CreateRule(ctx context.Context, rule Rule) (Rule, error)
	UpdateRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, tenantID, id string) error
	UpsertScore(ctx context.Context, score LeadScore) error
	Leaderboard(ctx context.Context, tenantID string, limit int) ([]LeaderboardEntry, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const ruleColumns = `id, tenant_id, category, field, operator, value, points, COALESCE(description, ''), is_active, created_at, updated_at`

func (r *PGRepository) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM crm_lead_scoring_rules WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY category, points DESC, id`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("scoring: list rules: %w", err)
	}
	defer rows.Close()

	rules := make([]Rule, 0, 16)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scoring: scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scoring: iterate rules: %w", err)
	}
	return rules, nil
}

func (r *PGRepository) GetRule(ctx context.Context, tenantID, id string) (Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM crm_lead_scoring_rules WHERE tenant_id = $1 AND id = $2`
	rule, err := scanRule(r.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Rule{}, ErrRuleNotFound
		}
		return Rule{}, fmt.Errorf("scoring: get rule: %w", err)
	}
	return rule, nil
}

func (r *PGRepository) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	query := `
		INSERT INTO crm_lead_scoring_rules (tenant_id, category, field, operator, value, points, description, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING ` + ruleColumns

	created, err := scanRule(r.pool.QueryRow(ctx, query,
		rule.TenantID,
		rule.Category,
		rule.Field,
		rule.Operator,
		rule.Value,
		rule.Points,
		rule.Description,
		rule.Active,
	))
	if err != nil {
		return Rule{}, fmt.Errorf("scoring: create rule: %w", err)
	}
	return created, nil
}

func (r *PGRepository) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	query := `
		UPDATE crm_lead_scoring_rules
		SET category = $3, field = $4, operator = $5, value = $6, points = $7,
		    description = NULLIF($8, ''), is_active = $9, updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + ruleColumns

	updated, err := scanRule(r.pool.QueryRow(ctx, query,
		rule.TenantID,
		rule.ID,
		rule.Category,
		rule.Field,
		rule.Operator,
		rule.Value,
		rule.Points,
		rule.Description,
		rule.Active,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Rule{}, ErrRuleNotFound
		}
		return Rule{}, fmt.Errorf("scoring: update rule: %w", err)
	}
	return updated, nil
}

// DeleteRule removes the rule immediately. Existing score snapshots keep the
// points it contributed until the next recompute.
func (r *PGRepository) DeleteRule(ctx context.Context, tenantID, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM crm_lead_scoring_rules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		if db.IsInvalidInput(err) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("scoring: delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// UpsertScore overwrites the (tenant, customer) snapshot in place.
func (r *PGRepository) UpsertScore(ctx context.Context, score LeadScore) error {
	breakdown := score.Breakdown
	if breakdown == nil {
		breakdown = []BreakdownItem{}
	}
	body, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("scoring: marshal breakdown: %w", err)
	}

	const query = `
		INSERT INTO crm_lead_scores (tenant_id, customer_id, total_points, grade, breakdown, calculated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (tenant_id, customer_id) DO UPDATE
		SET total_points = EXCLUDED.total_points,
		    grade = EXCLUDED.grade,
		    breakdown = EXCLUDED.breakdown,
		    calculated_at = EXCLUDED.calculated_at
	`
	if _, err := r.pool.Exec(ctx, query,
		score.TenantID,
		score.CustomerID,
		score.TotalPoints,
		score.Grade,
		string(body),
		score.CalculatedAt,
	); err != nil {
		return fmt.Errorf("scoring: upsert score: %w", err)
	}
	return nil
}

func (r *PGRepository) Leaderboard(ctx context.Context, tenantID string, limit int) ([]LeaderboardEntry, error) {
	const query = `
		SELECT s.customer_id::text, c.name, COALESCE(c.email, ''), s.total_points, s.grade, s.calculated_at
		FROM crm_lead_scores s
		JOIN customers c ON c.id = s.customer_id
		WHERE s.tenant_id = $1
		ORDER BY s.total_points DESC, s.calculated_at DESC, s.customer_id
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("scoring: leaderboard: %w", err)
	}
	defer rows.Close()

	out := make([]LeaderboardEntry, 0, limit)
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.CustomerID, &e.CustomerName, &e.CustomerEmail, &e.TotalPoints, &e.Grade, &e.CalculatedAt); err != nil {
			return nil, fmt.Errorf("scoring: scan leaderboard: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scoring: iterate leaderboard: %w", err)
	}
	return out, nil
}

func scanRule(row pgx.Row) (Rule, error) {
	var rule Rule
	err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.Category,
		&rule.Field,
		&rule.Operator,
		&rule.Value,
		&rule.Points,
		&rule.Description,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}
