package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fieldcrm/customer"
)

// Store is the claim-based persistence the processor runs on.
type Store interface {
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, tenantID, token string) ([]Enrollment, error)
	GetSequences(ctx context.Context, ids []string) (map[string]Sequence, error)
	Finish(ctx context.Context, e Enrollment, token string) error
}

// CustomerBatch loads the customers of a claimed batch in one query.
type CustomerBatch interface {
	FindMany(ctx context.Context, ids []string) (map[string]customer.Customer, error)
}

// RunRecorder receives processor run outcomes. metrics.Collector implements it.
type RunRecorder interface {
	ProcessorRun(res RunResult, duration time.Duration, err error)
}

type ProcessorConfig struct {
	BatchSize   int
	Concurrency int
	ItemTimeout time.Duration
	ClaimLease  time.Duration
	// TenantID restricts claims to one tenant when set.
	TenantID string
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:   100,
		Concurrency: 1,
		ItemTimeout: 30 * time.Second,
		ClaimLease:  15 * time.Minute,
	}
}

// RunResult counts what one processor run did.
type RunResult struct {
	Reclaimed int64
	Claimed   int
	Advanced  int
	Completed int
	Cancelled int
	Failed    int
	// Lost counts outcomes that could not be persisted because the claim
	// was gone or the write failed.
	Lost int
}

type Processor struct {
	store     Store
	customers CustomerBatch
	messages  Messenger
	activity  ActivityWriter
	cfg       ProcessorConfig
	logger    *slog.Logger
	recorder  RunRecorder
	now       func() time.Time
	newToken  func() string
	beforeRun func(ctx context.Context) error
}

func NewProcessor(store Store, customers CustomerBatch, messages Messenger, activities ActivityWriter, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	def := DefaultProcessorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		customers: customers,
		messages:  messages,
		activity:  activities,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

func (p *Processor) WithTokenGenerator(gen func() string) *Processor {
	p.newToken = gen
	return p
}

func (p *Processor) WithRecorder(r RunRecorder) *Processor {
	p.recorder = r
	return p
}

// WithBeforeRun sets a hook Start calls ahead of every batch. A hook error
// is logged and the batch still runs.
func (p *Processor) WithBeforeRun(fn func(ctx context.Context) error) *Processor {
	p.beforeRun = fn
	return p
}

// Run claims one batch of due enrollments and moves each a single step
// forward. Failures of individual enrollments are recorded on the row and
// never abort the batch; only claim and load errors are returned.
func (p *Processor) Run(ctx context.Context) (res RunResult, err error) {
	started := p.now()
	defer func() {
		if p.recorder != nil {
			p.recorder.ProcessorRun(res, p.now().Sub(started), err)
		}
	}()

	res.Reclaimed, err = p.store.ReclaimStale(ctx, started.Add(-p.cfg.ClaimLease))
	if err != nil {
		return res, err
	}
	if res.Reclaimed > 0 {
		p.logger.WarnContext(ctx, "reclaimed stale enrollment claims", slog.Int64("count", res.Reclaimed))
	}

	token := p.newToken()
	claimed, err := p.store.ClaimDue(ctx, started, p.cfg.BatchSize, p.cfg.TenantID, token)
	if err != nil {
		return res, err
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}

	seqs, custs, err := p.load(ctx, claimed)
	if err != nil {
		p.release(ctx, claimed, token)
		return res, err
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for _, e := range claimed {
		g.Go(func() error {
			var seq *Sequence
			if s, ok := seqs[e.SequenceID]; ok {
				seq = &s
			}
			c, found := custs[e.CustomerID]
			outcome, persisted := p.process(ctx, e, seq, c, found, started, token)

			mu.Lock()
			defer mu.Unlock()
			if !persisted {
				res.Lost++
				return nil
			}
			switch outcome {
			case EnrollmentActive:
				res.Advanced++
			case EnrollmentCompleted:
				res.Completed++
			case EnrollmentCancelled:
				res.Cancelled++
			case EnrollmentFailed:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.InfoContext(ctx, "sequence processor run finished",
		slog.String("tenant_id", p.cfg.TenantID),
		slog.Int("claimed", res.Claimed),
		slog.Int("advanced", res.Advanced),
		slog.Int("completed", res.Completed),
		slog.Int("cancelled", res.Cancelled),
		slog.Int("failed", res.Failed),
		slog.Int("lost", res.Lost),
	)
	return res, nil
}

func (p *Processor) load(ctx context.Context, claimed []Enrollment) (map[string]Sequence, map[string]customer.Customer, error) {
	seqIDs := make([]string, 0, len(claimed))
	custIDs := make([]string, 0, len(claimed))
	seenSeq := make(map[string]struct{}, len(claimed))
	seenCust := make(map[string]struct{}, len(claimed))
	for _, e := range claimed {
		if _, ok := seenSeq[e.SequenceID]; !ok && e.SequenceID != "" {
			seenSeq[e.SequenceID] = struct{}{}
			seqIDs = append(seqIDs, e.SequenceID)
		}
		if _, ok := seenCust[e.CustomerID]; !ok {
			seenCust[e.CustomerID] = struct{}{}
			custIDs = append(custIDs, e.CustomerID)
		}
	}

	seqs, err := p.store.GetSequences(ctx, seqIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("sequence: load batch sequences: %w", err)
	}
	custs, err := p.customers.FindMany(ctx, custIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("sequence: load batch customers: %w", err)
	}
	return seqs, custs, nil
}

// process plans, executes and persists one enrollment. It reports the status
// written and whether the write landed.
func (p *Processor) process(ctx context.Context, e Enrollment, seq *Sequence, c customer.Customer, found bool, now time.Time, token string) (EnrollmentStatus, bool) {
	log := p.logger.With(
		slog.String("enrollment_id", e.ID),
		slog.String("tenant_id", e.TenantID),
	)

	next, execErr := p.advance(ctx, e, seq, c, found, now)
	if execErr != nil {
		log.ErrorContext(ctx, "sequence enrollment failed", slog.String("error", execErr.Error()))
		next = e
		next.Status = EnrollmentFailed
		next.LastError = execErr.Error()
	}

	if err := p.store.Finish(ctx, next, token); err != nil {
		if errors.Is(err, ErrClaimLost) {
			log.WarnContext(ctx, "enrollment claim lost before finish")
		} else {
			log.ErrorContext(ctx, "persist enrollment outcome", slog.String("error", err.Error()))
		}
		return next.Status, false
	}
	return next.Status, true
}

func (p *Processor) advance(ctx context.Context, e Enrollment, seq *Sequence, c customer.Customer, found bool, now time.Time) (Enrollment, error) {
	t, err := Plan(e, seq, now)
	if err != nil {
		return Enrollment{}, err
	}

	if t.Execute != nil {
		if !found {
			return Enrollment{}, customer.ErrNotFound
		}
		itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
		err := Execute(itemCtx, Collaborators{
			Messages:   p.messages,
			Activities: p.activity,
			Logger:     p.logger,
			Now:        now,
		}, Target{Enrollment: e, Sequence: *seq, Step: *t.Execute, Customer: c})
		cancel()
		if err != nil {
			return Enrollment{}, fmt.Errorf("step %d (%s): %w", e.CurrentStep, t.Execute.ActionType, err)
		}
	}

	e.Status = t.Status
	e.CurrentStep = t.CurrentStep
	e.NextActionAt = t.NextActionAt
	e.CompletedAt = t.CompletedAt
	e.LastError = t.Reason
	return e, nil
}

// release hands a claimed batch back untouched after a load failure.
func (p *Processor) release(ctx context.Context, claimed []Enrollment, token string) {
	for _, e := range claimed {
		e.Status = EnrollmentActive
		if err := p.store.Finish(ctx, e, token); err != nil {
			p.logger.WarnContext(ctx, "release claimed enrollment",
				slog.String("enrollment_id", e.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Start runs the processor immediately and then on every interval tick until
// ctx is cancelled. Hook and Run errors are logged; the loop keeps going.
func (p *Processor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sequence: processor interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.beforeRun != nil {
			if err := p.beforeRun(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "sequence processor pre-run failed", slog.String("error", err.Error()))
			}
		}
		if _, err := p.Run(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "sequence processor run failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
