package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"fieldcrm/customer"
	"fieldcrm/scoring"
	"fieldcrm/sequence"
)

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// ProcessorWorker runs processor batches back to back. Several workers share
// the same table, so claims race through SKIP LOCKED. Run errors are expected
// while chaos kills backends and are only counted.
func ProcessorWorker(ctx context.Context, p *sequence.Processor, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = p.Run(ctx)
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Enroller keeps enrolling random customers into the sequence. Duplicates
// must surface as ErrAlreadyEnrolled, never as a second live row.
func Enroller(ctx context.Context, svc *sequence.Service, tenantID, sequenceID string, customerIDs []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := svc.Enroll(ctx, sequence.EnrollParams{
			TenantID:   tenantID,
			SequenceID: sequenceID,
			CustomerID: customerIDs[rand.Intn(len(customerIDs))],
			EnrolledBy: "stress",
		})
		if err != nil && !errors.Is(err, sequence.ErrAlreadyEnrolled) && ctx.Err() == nil && !transient(err) {
			return fmt.Errorf("enroller: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Toggler pauses and resumes enrollments it created itself. Transitions that
// lose to the processor are rejected by the status guard.
func Toggler(ctx context.Context, svc *sequence.Service, tenantID, sequenceID string, customerIDs []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		e, err := svc.Enroll(ctx, sequence.EnrollParams{
			TenantID:   tenantID,
			SequenceID: sequenceID,
			CustomerID: customerIDs[rand.Intn(len(customerIDs))],
			EnrolledBy: "toggler",
		})
		if err == nil {
			if _, err := svc.Pause(ctx, tenantID, e.ID, "stress"); err == nil {
				if rand.Intn(2) == 0 {
					_, _ = svc.Resume(ctx, tenantID, e.ID)
				} else {
					_, _ = svc.Unenroll(ctx, tenantID, e.ID)
				}
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Scorer recalculates the tenant's lead scores in a loop.
func Scorer(ctx context.Context, engine *scoring.Engine, tenantID string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = engine.CalculateScores(ctx, tenantID)
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// transient reports errors caused by terminated backends rather than logic.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "57P01" // admin_shutdown
	}
	return !errors.Is(err, sequence.ErrNotFound) &&
		!errors.Is(err, sequence.ErrSequenceInactive) &&
		!errors.Is(err, customer.ErrNotFound)
}
