package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"fieldcrm/customer"
)

// CustomerLookup is the slice of the customer repository the service uses.
type CustomerLookup interface {
	Find(ctx context.Context, id string) (customer.Customer, error)
	FindAll(ctx context.Context, tenantID string) ([]customer.Customer, error)
}

type Service struct {
	repo      Repository
	customers CustomerLookup
	trigger   *Trigger
	logger    *slog.Logger
	now       func() time.Time
}

type EnrollParams struct {
	TenantID   string
	SequenceID string
	CustomerID string
	DealID     string
	EnrolledBy string
}

func NewService(repo Repository, customers CustomerLookup, trigger *Trigger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		customers: customers,
		trigger:   trigger,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateSequence validates the definition and stores it with its steps.
func (s *Service) CreateSequence(ctx context.Context, seq Sequence) (Sequence, error) {
	if strings.TrimSpace(seq.TenantID) == "" {
		return Sequence{}, fmt.Errorf("%w: missing tenant", ErrInvalidSequence)
	}
	if strings.TrimSpace(seq.Name) == "" {
		return Sequence{}, fmt.Errorf("%w: missing name", ErrInvalidSequence)
	}
	if seq.Status == "" {
		seq.Status = StatusDraft
	}
	if !seq.Status.Valid() {
		return Sequence{}, fmt.Errorf("%w: unknown status %q", ErrInvalidSequence, seq.Status)
	}
	seen := make(map[int]struct{}, len(seq.Steps))
	for i, step := range seq.Steps {
		if !step.ActionType.Valid() {
			return Sequence{}, fmt.Errorf("%w: step %d: unknown action type %q", ErrInvalidSequence, i, step.ActionType)
		}
		if step.DelayDays < 0 {
			return Sequence{}, fmt.Errorf("%w: step %d: negative delay", ErrInvalidSequence, i)
		}
		if _, dup := seen[step.SortOrder]; dup {
			return Sequence{}, fmt.Errorf("%w: duplicate sort_order %d", ErrInvalidSequence, step.SortOrder)
		}
		seen[step.SortOrder] = struct{}{}
	}
	if s.trigger != nil {
		if err := s.trigger.Compile(seq.TriggerConditions); err != nil {
			return Sequence{}, err
		}
	}
	return s.repo.CreateSequence(ctx, seq)
}

func (s *Service) GetSequence(ctx context.Context, tenantID, id string) (Sequence, error) {
	return s.repo.GetSequence(ctx, tenantID, id)
}

func (s *Service) ListSequences(ctx context.Context, tenantID string) ([]Summary, error) {
	return s.repo.ListSequences(ctx, tenantID)
}

func (s *Service) UpdateSequenceStatus(ctx context.Context, tenantID, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidSequence, status)
	}
	return s.repo.UpdateSequenceStatus(ctx, tenantID, id, status)
}

// DeleteSequence removes the sequence and cancels its live enrollments.
func (s *Service) DeleteSequence(ctx context.Context, tenantID, id string) error {
	cancelled, err := s.repo.DeleteSequence(ctx, tenantID, id)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "sequence deleted",
		slog.String("tenant_id", tenantID),
		slog.String("sequence_id", id),
		slog.Int64("cancelled_enrollments", cancelled),
	)
	return nil
}

// Enroll starts the customer at step zero. The first action is due after
// the first step's delay.
func (s *Service) Enroll(ctx context.Context, p EnrollParams) (Enrollment, error) {
	if p.TenantID == "" || p.SequenceID == "" || p.CustomerID == "" {
		return Enrollment{}, fmt.Errorf("sequence: tenant, sequence and customer required")
	}

	seq, err := s.repo.GetSequence(ctx, p.TenantID, p.SequenceID)
	if err != nil {
		return Enrollment{}, err
	}
	if seq.Status != StatusActive {
		return Enrollment{}, ErrSequenceInactive
	}

	c, err := s.customers.Find(ctx, p.CustomerID)
	if err != nil {
		return Enrollment{}, err
	}
	if c.TenantID != p.TenantID {
		return Enrollment{}, customer.ErrNotFound
	}

	exists, err := s.repo.LiveEnrollmentExists(ctx, seq.ID, p.CustomerID)
	if err != nil {
		return Enrollment{}, err
	}
	if exists {
		return Enrollment{}, ErrAlreadyEnrolled
	}
	return s.enroll(ctx, seq, p)
}

func (s *Service) enroll(ctx context.Context, seq Sequence, p EnrollParams) (Enrollment, error) {
	due := FirstActionAt(seq, s.now())
	return s.repo.CreateEnrollment(ctx, Enrollment{
		TenantID:     p.TenantID,
		SequenceID:   seq.ID,
		CustomerID:   p.CustomerID,
		DealID:       p.DealID,
		EnrolledBy:   p.EnrolledBy,
		Status:       EnrollmentActive,
		CurrentStep:  0,
		NextActionAt: &due,
	})
}

// Unenroll cancels a live enrollment.
func (s *Service) Unenroll(ctx context.Context, tenantID, enrollmentID string) (Enrollment, error) {
	e, err := s.repo.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status.Terminal() {
		return Enrollment{}, ErrTerminal
	}
	if !CanCancel(e.Status) {
		return Enrollment{}, ErrInvalidTransition
	}
	from := e.Status
	e.Status = EnrollmentCancelled
	return s.repo.UpdateEnrollmentState(ctx, e, from)
}

// Pause stops an active enrollment until Resume is called.
func (s *Service) Pause(ctx context.Context, tenantID, enrollmentID, reason string) (Enrollment, error) {
	e, err := s.repo.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status.Terminal() {
		return Enrollment{}, ErrTerminal
	}
	if !CanPause(e.Status) {
		return Enrollment{}, ErrInvalidTransition
	}
	now := s.now()
	e.Status = EnrollmentPaused
	e.PausedAt = &now
	e.PauseReason = reason
	return s.repo.UpdateEnrollmentState(ctx, e, EnrollmentActive)
}

// Resume reactivates a paused enrollment; its current step is due at once.
func (s *Service) Resume(ctx context.Context, tenantID, enrollmentID string) (Enrollment, error) {
	e, err := s.repo.GetEnrollment(ctx, tenantID, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	if e.Status.Terminal() {
		return Enrollment{}, ErrTerminal
	}
	if !CanResume(e.Status) {
		return Enrollment{}, ErrInvalidTransition
	}
	now := s.now()
	e.Status = EnrollmentActive
	e.NextActionAt = &now
	e.PausedAt = nil
	e.PauseReason = ""
	return s.repo.UpdateEnrollmentState(ctx, e, EnrollmentPaused)
}

// AutoEnrollResult counts what a trigger sweep did.
type AutoEnrollResult struct {
	Sequences int
	Evaluated int
	Enrolled  int
	Errors    int
}

// AutoEnroll enrolls every customer matching the trigger of an active
// sequence. A customer enrolled before, in any status, is never enrolled
// again by a sweep. An evaluation error skips that customer only; an
// expression that does not compile skips the sequence.
func (s *Service) AutoEnroll(ctx context.Context, tenantID string) (AutoEnrollResult, error) {
	var res AutoEnrollResult
	if s.trigger == nil {
		return res, nil
	}

	seqs, err := s.repo.ListTriggered(ctx, tenantID)
	if err != nil {
		return res, err
	}
	if len(seqs) == 0 {
		return res, nil
	}
	customers, err := s.customers.FindAll(ctx, tenantID)
	if err != nil {
		return res, err
	}

	for _, seq := range seqs {
		res.Sequences++
		if err := s.trigger.Compile(seq.TriggerConditions); err != nil {
			res.Errors++
			s.logger.WarnContext(ctx, "sequence trigger does not compile",
				slog.String("tenant_id", tenantID),
				slog.String("sequence_id", seq.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, c := range customers {
			res.Evaluated++
			ok, err := s.trigger.Matches(seq, c, scoreFacts(c))
			if err != nil {
				res.Errors++
				s.logger.WarnContext(ctx, "sequence trigger failed",
					slog.String("tenant_id", tenantID),
					slog.String("sequence_id", seq.ID),
					slog.String("customer_id", c.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
			seen, err := s.repo.EnrollmentExists(ctx, seq.ID, c.ID)
			if err != nil {
				return res, err
			}
			if seen {
				continue
			}
			_, err = s.enroll(ctx, seq, EnrollParams{TenantID: tenantID, CustomerID: c.ID})
			if errors.Is(err, ErrAlreadyEnrolled) {
				continue
			}
			if err != nil {
				return res, err
			}
			res.Enrolled++
		}
	}

	s.logger.InfoContext(ctx, "auto enrollment finished",
		slog.String("tenant_id", tenantID),
		slog.Int("sequences", res.Sequences),
		slog.Int("evaluated", res.Evaluated),
		slog.Int("enrolled", res.Enrolled),
		slog.Int("errors", res.Errors),
	)
	return res, nil
}

// scoreFacts reads the lead score mirrored onto the customer row.
func scoreFacts(c customer.Customer) ScoreFacts {
	facts := ScoreFacts{}
	switch v := c.Attribute("lead_score").(type) {
	case float64:
		facts.TotalPoints = int(v)
	case int:
		facts.TotalPoints = v
	case string:
		facts.TotalPoints, _ = strconv.Atoi(v)
	}
	if g, ok := c.Attribute("lead_grade").(string); ok {
		facts.Grade = g
	}
	return facts
}
