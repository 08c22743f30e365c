package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fieldcrm/db"
)

// Repository is the persistence used by the sequence service.
type Repository interface {
	CreateSequence(ctx context.Context, seq Sequence) (Sequence, error)
	GetSequence(ctx context.Context, tenantID, id string) (Sequence, error)
	ListSequences(ctx context.Context, tenantID string) ([]Summary, error)
	ListTriggered(ctx context.Context, tenantID string) ([]Sequence, error)
	UpdateSequenceStatus(ctx context.Context, tenantID, id string, status Status) error
	DeleteSequence(ctx context.Context, tenantID, id string) (int64, error)

	CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
	GetEnrollment(ctx context.Context, tenantID, id string) (Enrollment, error)
	LiveEnrollmentExists(ctx context.Context, sequenceID, customerID string) (bool, error)
	EnrollmentExists(ctx context.Context, sequenceID, customerID string) (bool, error)
	UpdateEnrollmentState(ctx context.Context, e Enrollment, from EnrollmentStatus) (Enrollment, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const sequenceColumns = `s.id::text, s.tenant_id, s.name, COALESCE(s.description, ''), s.trigger_conditions, s.status, COALESCE(s.created_by, ''), s.created_at, s.updated_at`

const stepColumns = `st.id::text, st.sequence_id::text, st.action_type, st.channel, COALESCE(st.subject, ''), COALESCE(st.body, ''), st.config, st.delay_days, st.sort_order`

const enrollmentColumns = `e.id::text, e.tenant_id, COALESCE(e.sequence_id::text, ''), e.customer_id::text, COALESCE(e.deal_id::text, ''),
	COALESCE(e.enrolled_by, ''), e.status, e.current_step, e.next_action_at, e.completed_at, e.paused_at,
	COALESCE(e.pause_reason, ''), COALESCE(e.last_error, ''), COALESCE(e.claim_token::text, ''), e.claimed_at, e.created_at, e.updated_at`

// CreateSequence stores the sequence and its steps in one transaction.
func (r *PGRepository) CreateSequence(ctx context.Context, seq Sequence) (Sequence, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Sequence{}, fmt.Errorf("sequence: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSequence = `
INSERT INTO crm_sequences AS s (tenant_id, name, description, trigger_conditions, status, created_by)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''))
RETURNING ` + sequenceColumns

	created, err := scanSequence(tx.QueryRow(ctx, insertSequence,
		seq.TenantID,
		seq.Name,
		seq.Description,
		seq.TriggerConditions,
		seq.Status,
		seq.CreatedBy,
	))
	if err != nil {
		return Sequence{}, fmt.Errorf("sequence: insert sequence: %w", err)
	}

	const insertStep = `
INSERT INTO crm_sequence_steps AS st (sequence_id, action_type, channel, subject, body, config, delay_days, sort_order)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
RETURNING ` + stepColumns

	created.Steps = make([]Step, 0, len(seq.Steps))
	for _, step := range seq.Steps {
		cfg := step.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		saved, err := scanStep(tx.QueryRow(ctx, insertStep,
			created.ID,
			step.ActionType,
			step.Channel,
			step.Subject,
			step.Body,
			cfg,
			step.DelayDays,
			step.SortOrder,
		))
		if err != nil {
			if db.IsUniqueViolation(err) {
				return Sequence{}, fmt.Errorf("%w: duplicate sort_order %d", ErrInvalidSequence, step.SortOrder)
			}
			return Sequence{}, fmt.Errorf("sequence: insert step: %w", err)
		}
		created.Steps = append(created.Steps, saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return Sequence{}, fmt.Errorf("sequence: commit: %w", err)
	}
	sortSteps(created.Steps)
	return created, nil
}

func (r *PGRepository) GetSequence(ctx context.Context, tenantID, id string) (Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM crm_sequences s WHERE s.tenant_id = $1 AND s.id = $2`
	seq, err := scanSequence(r.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Sequence{}, ErrNotFound
		}
		return Sequence{}, fmt.Errorf("sequence: get: %w", err)
	}
	steps, err := r.loadSteps(ctx, []string{seq.ID})
	if err != nil {
		return Sequence{}, err
	}
	seq.Steps = steps[seq.ID]
	return seq, nil
}

// GetSequences loads sequences with their ordered steps keyed by id.
// Deleted sequences are simply absent.
func (r *PGRepository) GetSequences(ctx context.Context, ids []string) (map[string]Sequence, error) {
	out := make(map[string]Sequence, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT ` + sequenceColumns + ` FROM crm_sequences s WHERE s.id = ANY($1::uuid[])`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("sequence: load sequences: %w", err)
	}
	seqs, err := collectSequences(rows)
	if err != nil {
		return nil, err
	}

	steps, err := r.loadSteps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, s := range seqs {
		s.Steps = steps[s.ID]
		out[s.ID] = s
	}
	return out, nil
}

func (r *PGRepository) ListSequences(ctx context.Context, tenantID string) ([]Summary, error) {
	query := `
SELECT ` + sequenceColumns + `,
	(SELECT COUNT(*) FROM crm_sequence_steps st WHERE st.sequence_id = s.id),
	(SELECT COUNT(*) FROM crm_sequence_enrollments e
	 WHERE e.sequence_id = s.id AND e.status IN ('active', 'paused', 'processing'))
FROM crm_sequences s
WHERE s.tenant_id = $1
ORDER BY s.created_at DESC, s.id`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sequence: list: %w", err)
	}
	defer rows.Close()

	out := make([]Summary, 0, 8)
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(
			&sum.ID, &sum.TenantID, &sum.Name, &sum.Description, &sum.TriggerConditions,
			&sum.Status, &sum.CreatedBy, &sum.CreatedAt, &sum.UpdatedAt,
			&sum.StepCount, &sum.ActiveEnrollments,
		); err != nil {
			return nil, fmt.Errorf("sequence: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequence: iterate summaries: %w", err)
	}
	return out, nil
}

// ListTriggered returns active sequences that carry a trigger expression.
func (r *PGRepository) ListTriggered(ctx context.Context, tenantID string) ([]Sequence, error) {
	query := `SELECT ` + sequenceColumns + `
FROM crm_sequences s
WHERE s.tenant_id = $1 AND s.status = 'active' AND btrim(s.trigger_conditions) <> ''
ORDER BY s.created_at, s.id`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sequence: list triggered: %w", err)
	}
	seqs, err := collectSequences(rows)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return seqs, nil
	}

	ids := make([]string, len(seqs))
	for i, s := range seqs {
		ids[i] = s.ID
	}
	steps, err := r.loadSteps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range seqs {
		seqs[i].Steps = steps[seqs[i].ID]
	}
	return seqs, nil
}

func (r *PGRepository) UpdateSequenceStatus(ctx context.Context, tenantID, id string, status Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE crm_sequences SET status = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, status)
	if err != nil {
		if db.IsInvalidInput(err) {
			return ErrNotFound
		}
		return fmt.Errorf("sequence: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSequence cancels the sequence's live enrollments and removes it in
// one transaction. It returns how many enrollments were cancelled. A row in
// processing is cancelled too, so its claimer's Finish reports ErrClaimLost.
func (r *PGRepository) DeleteSequence(ctx context.Context, tenantID, id string) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("sequence: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const cancel = `
UPDATE crm_sequence_enrollments
SET status = 'cancelled', last_error = 'sequence deleted', updated_at = now()
WHERE sequence_id = $1 AND tenant_id = $2 AND status IN ('active', 'paused', 'processing')`
	cancelled, err := tx.Exec(ctx, cancel, id, tenantID)
	if err != nil {
		if db.IsInvalidInput(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("sequence: cancel enrollments: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM crm_sequences WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return 0, fmt.Errorf("sequence: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("sequence: commit: %w", err)
	}
	return cancelled.RowsAffected(), nil
}

// CreateEnrollment inserts a live enrollment. The partial unique index on
// (sequence_id, customer_id) turns a concurrent duplicate into ErrAlreadyEnrolled.
func (r *PGRepository) CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error) {
	var deal any
	if e.DealID != "" {
		deal = e.DealID
	}
	query := `
INSERT INTO crm_sequence_enrollments AS e (tenant_id, sequence_id, customer_id, deal_id, enrolled_by, status, current_step, next_action_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
RETURNING ` + enrollmentColumns

	created, err := scanEnrollment(r.pool.QueryRow(ctx, query,
		e.TenantID,
		e.SequenceID,
		e.CustomerID,
		deal,
		e.EnrolledBy,
		e.Status,
		e.CurrentStep,
		e.NextActionAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Enrollment{}, ErrAlreadyEnrolled
		}
		if db.IsInvalidInput(err) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("sequence: create enrollment: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetEnrollment(ctx context.Context, tenantID, id string) (Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM crm_sequence_enrollments e WHERE e.tenant_id = $1 AND e.id = $2`
	e, err := scanEnrollment(r.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidInput(err) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("sequence: get enrollment: %w", err)
	}
	return e, nil
}

func (r *PGRepository) LiveEnrollmentExists(ctx context.Context, sequenceID, customerID string) (bool, error) {
	const query = `
SELECT EXISTS (
	SELECT 1 FROM crm_sequence_enrollments
	WHERE sequence_id = $1 AND customer_id = $2 AND status IN ('active', 'paused', 'processing')
)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, sequenceID, customerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("sequence: check enrollment: %w", err)
	}
	return exists, nil
}

// EnrollmentExists reports whether the customer was ever enrolled in the
// sequence, whatever the enrollment's status.
func (r *PGRepository) EnrollmentExists(ctx context.Context, sequenceID, customerID string) (bool, error) {
	const query = `
SELECT EXISTS (
	SELECT 1 FROM crm_sequence_enrollments
	WHERE sequence_id = $1 AND customer_id = $2
)`
	var exists bool
	if err := r.pool.QueryRow(ctx, query, sequenceID, customerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("sequence: check enrollment history: %w", err)
	}
	return exists, nil
}

// UpdateEnrollmentState applies a manual transition, provided the row is
// still in status from. A row that moved on returns ErrInvalidTransition.
func (r *PGRepository) UpdateEnrollmentState(ctx context.Context, e Enrollment, from EnrollmentStatus) (Enrollment, error) {
	query := `
UPDATE crm_sequence_enrollments AS e
SET status = $4, next_action_at = $5, paused_at = $6, pause_reason = NULLIF($7, ''), updated_at = now()
WHERE e.tenant_id = $1 AND e.id = $2 AND e.status = $3
RETURNING ` + enrollmentColumns

	updated, err := scanEnrollment(r.pool.QueryRow(ctx, query,
		e.TenantID,
		e.ID,
		from,
		e.Status,
		e.NextActionAt,
		e.PausedAt,
		e.PauseReason,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Enrollment{}, ErrInvalidTransition
		}
		if db.IsInvalidInput(err) {
			return Enrollment{}, ErrNotFound
		}
		return Enrollment{}, fmt.Errorf("sequence: update enrollment: %w", err)
	}
	return updated, nil
}

// ReclaimStale returns processing rows whose claim is older than cutoff to
// active so a later run can pick them up again.
func (r *PGRepository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
UPDATE crm_sequence_enrollments
SET status = 'active', claim_token = NULL, claimed_at = NULL, updated_at = now()
WHERE status = 'processing' AND claimed_at < $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sequence: reclaim stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDue atomically moves up to limit due enrollments to processing under
// token, oldest next_action_at first. Rows locked by a concurrent claimer
// are skipped. An empty tenantID claims across all tenants.
func (r *PGRepository) ClaimDue(ctx context.Context, now time.Time, limit int, tenantID, token string) ([]Enrollment, error) {
	query := `
WITH due AS (
	SELECT id
	FROM crm_sequence_enrollments
	WHERE status = 'active' AND next_action_at <= $1 AND ($3 = '' OR tenant_id = $3)
	ORDER BY next_action_at ASC, id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE crm_sequence_enrollments AS e
SET status = 'processing', claim_token = $4, claimed_at = $1, updated_at = now()
FROM due
WHERE e.id = due.id
RETURNING ` + enrollmentColumns

	rows, err := r.pool.Query(ctx, query, now, limit, tenantID, token)
	if err != nil {
		return nil, fmt.Errorf("sequence: claim due: %w", err)
	}
	defer rows.Close()

	out := make([]Enrollment, 0, limit)
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("sequence: scan claimed: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequence: iterate claimed: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return timeOrZero(out[i].NextActionAt).Before(timeOrZero(out[j].NextActionAt))
	})
	return out, nil
}

// Finish persists the outcome of a claimed enrollment and releases the
// claim. ErrClaimLost means the row was reclaimed or changed meanwhile.
func (r *PGRepository) Finish(ctx context.Context, e Enrollment, token string) error {
	const query = `
UPDATE crm_sequence_enrollments
SET status = $3, current_step = $4, next_action_at = $5, completed_at = $6,
    last_error = NULLIF($7, ''), claim_token = NULL, claimed_at = NULL, updated_at = now()
WHERE id = $1 AND claim_token = $2 AND status = 'processing'`

	tag, err := r.pool.Exec(ctx, query,
		e.ID,
		token,
		e.Status,
		e.CurrentStep,
		e.NextActionAt,
		e.CompletedAt,
		e.LastError,
	)
	if err != nil {
		return fmt.Errorf("sequence: finish enrollment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *PGRepository) loadSteps(ctx context.Context, sequenceIDs []string) (map[string][]Step, error) {
	query := `SELECT ` + stepColumns + `
FROM crm_sequence_steps st
WHERE st.sequence_id = ANY($1::uuid[])
ORDER BY st.sequence_id, st.sort_order`

	rows, err := r.pool.Query(ctx, query, sequenceIDs)
	if err != nil {
		return nil, fmt.Errorf("sequence: load steps: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Step, len(sequenceIDs))
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("sequence: scan step: %w", err)
		}
		out[step.SequenceID] = append(out[step.SequenceID], step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequence: iterate steps: %w", err)
	}
	return out, nil
}

func collectSequences(rows pgx.Rows) ([]Sequence, error) {
	defer rows.Close()

	out := make([]Sequence, 0, 8)
	for rows.Next() {
		s, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("sequence: scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sequence: iterate: %w", err)
	}
	return out, nil
}

func scanSequence(row pgx.Row) (Sequence, error) {
	var s Sequence
	err := row.Scan(
		&s.ID,
		&s.TenantID,
		&s.Name,
		&s.Description,
		&s.TriggerConditions,
		&s.Status,
		&s.CreatedBy,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

func scanStep(row pgx.Row) (Step, error) {
	var st Step
	err := row.Scan(
		&st.ID,
		&st.SequenceID,
		&st.ActionType,
		&st.Channel,
		&st.Subject,
		&st.Body,
		&st.Config,
		&st.DelayDays,
		&st.SortOrder,
	)
	return st, err
}

func scanEnrollment(row pgx.Row) (Enrollment, error) {
	var e Enrollment
	err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.SequenceID,
		&e.CustomerID,
		&e.DealID,
		&e.EnrolledBy,
		&e.Status,
		&e.CurrentStep,
		&e.NextActionAt,
		&e.CompletedAt,
		&e.PausedAt,
		&e.PauseReason,
		&e.LastError,
		&e.ClaimToken,
		&e.ClaimedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	return e, err
}

func sortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].SortOrder < steps[j].SortOrder })
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
