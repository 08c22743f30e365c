package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	TypeNote = "note"
	TypeTask = "task"
)

var ErrInvalidActivity = errors.New("activity: invalid activity")

// Activity is a timeline entry on a customer: a note, call, meeting or task.
type Activity struct {
	ID          string
	TenantID    string
	CustomerID  string
	DealID      string
	UserID      string
	Type        string
	Title       string
	Description string
	IsAutomated bool
	DueAt       *time.Time
	Metadata    map[string]any
	CreatedAt   time.Time
}

type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGRepository struct {
	db Querier
}

func NewRepository(db Querier) *PGRepository {
	return &PGRepository{db: db}
}

// Create inserts a and returns it with id and created_at populated.
func (r *PGRepository) Create(ctx context.Context, a Activity) (Activity, error) {
	if strings.TrimSpace(a.TenantID) == "" || a.CustomerID == "" {
		return Activity{}, fmt.Errorf("%w: tenant and customer required", ErrInvalidActivity)
	}
	if strings.TrimSpace(a.Title) == "" {
		return Activity{}, fmt.Errorf("%w: title required", ErrInvalidActivity)
	}
	if a.Type == "" {
		a.Type = TypeNote
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return Activity{}, fmt.Errorf("activity: marshal metadata: %w", err)
	}

	var deal, user any
	if a.DealID != "" {
		deal = a.DealID
	}
	if a.UserID != "" {
		user = a.UserID
	}

	const q = `
INSERT INTO crm_activities (tenant_id, customer_id, deal_id, user_id, type, title, description, is_automated, due_at, metadata)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10::jsonb)
RETURNING id::text, created_at
`
	if err := r.db.QueryRow(ctx, q,
		a.TenantID,
		a.CustomerID,
		deal,
		user,
		a.Type,
		a.Title,
		a.Description,
		a.IsAutomated,
		a.DueAt,
		payload,
	).Scan(&a.ID, &a.CreatedAt); err != nil {
		return Activity{}, fmt.Errorf("activity: create: %w", err)
	}
	return a, nil
}
