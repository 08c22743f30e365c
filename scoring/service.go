package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fieldcrm/customer"
)

const (
	DefaultLeaderboardLimit = 50
	MaxLeaderboardLimit     = 200
)

// CustomerSource is the slice of the customer repository the engine needs.
type CustomerSource interface {
	MetricSource
	FindAll(ctx context.Context, tenantID string) ([]customer.Customer, error)
	UpdateLeadScore(ctx context.Context, tenantID, customerID string, points int, grade string) error
}

// Recorder receives scoring run outcomes. metrics.Collector implements it.
type Recorder interface {
	ScoringRun(tenantID string, scored int, duration time.Duration, err error)
	CustomerGraded(tenantID string, grade string)
}

type Engine struct {
	repo      Repository
	customers CustomerSource
	logger    *slog.Logger
	recorder  Recorder
	now       func() time.Time
}

func NewEngine(repo Repository, customers CustomerSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:      repo,
		customers: customers,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithRecorder(r Recorder) *Engine {
	e.recorder = r
	return e
}

// CalculateScores recomputes the snapshot of every active customer of the
// tenant against its active rules and returns how many were scored. A data
// access failure aborts the run; snapshots written before it are kept.
func (e *Engine) CalculateScores(ctx context.Context, tenantID string) (scored int, err error) {
	started := e.now()
	defer func() {
		if e.recorder != nil {
			e.recorder.ScoringRun(tenantID, scored, e.now().Sub(started), err)
		}
	}()

	if strings.TrimSpace(tenantID) == "" {
		return 0, fmt.Errorf("scoring: tenant id required")
	}

	rules, err := e.repo.ListRules(ctx, tenantID, true)
	if err != nil {
		return 0, err
	}
	customers, err := e.customers.FindAll(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	resolver := NewResolver(e.customers, started)
	for _, c := range customers {
		score, err := e.score(ctx, resolver, rules, c)
		if err != nil {
			return scored, fmt.Errorf("scoring: customer %s: %w", c.ID, err)
		}
		score.TenantID = tenantID
		score.CalculatedAt = started

		if err := e.repo.UpsertScore(ctx, score); err != nil {
			return scored, err
		}
		if err := e.customers.UpdateLeadScore(ctx, tenantID, c.ID, score.TotalPoints, string(score.Grade)); err != nil {
			return scored, err
		}
		if e.recorder != nil {
			e.recorder.CustomerGraded(tenantID, string(score.Grade))
		}
		scored++
	}

	e.logger.InfoContext(ctx, "lead scores calculated",
		slog.String("tenant_id", tenantID),
		slog.Int("rules", len(rules)),
		slog.Int("customers", scored),
	)
	return scored, nil
}

// Score evaluates rules against a single customer without persisting.
func (e *Engine) Score(ctx context.Context, rules []Rule, c customer.Customer) (LeadScore, error) {
	score, err := e.score(ctx, NewResolver(e.customers, e.now()), rules, c)
	if err != nil {
		return LeadScore{}, err
	}
	score.TenantID = c.TenantID
	return score, nil
}

func (e *Engine) score(ctx context.Context, resolver *Resolver, rules []Rule, c customer.Customer) (LeadScore, error) {
	score := LeadScore{CustomerID: c.ID, Breakdown: []BreakdownItem{}}
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		value, err := resolver.Resolve(ctx, c, rule.Category, rule.Field)
		if err != nil {
			return LeadScore{}, err
		}
		if !Evaluate(rule, value) {
			continue
		}
		score.TotalPoints += rule.Points
		score.Breakdown = append(score.Breakdown, BreakdownItem{
			RuleID:   rule.ID,
			Field:    rule.Field,
			Category: rule.Category,
			Points:   rule.Points,
		})
	}
	score.Grade = GradeFor(score.TotalPoints)
	return score, nil
}

// Leaderboard returns the tenant's top scores. A non-positive limit falls
// back to the default; larger requests are capped.
func (e *Engine) Leaderboard(ctx context.Context, tenantID string, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	if limit > MaxLeaderboardLimit {
		limit = MaxLeaderboardLimit
	}
	return e.repo.Leaderboard(ctx, tenantID, limit)
}

func (e *Engine) ListRules(ctx context.Context, tenantID string) ([]Rule, error) {
	return e.repo.ListRules(ctx, tenantID, false)
}

func (e *Engine) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	if err := validateRule(rule); err != nil {
		return Rule{}, err
	}
	return e.repo.CreateRule(ctx, rule)
}

func (e *Engine) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	if rule.ID == "" {
		return Rule{}, fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	if err := validateRule(rule); err != nil {
		return Rule{}, err
	}
	return e.repo.UpdateRule(ctx, rule)
}

func (e *Engine) DeleteRule(ctx context.Context, tenantID, id string) error {
	return e.repo.DeleteRule(ctx, tenantID, id)
}

func validateRule(rule Rule) error {
	switch {
	case strings.TrimSpace(rule.TenantID) == "":
		return fmt.Errorf("%w: missing tenant", ErrInvalidRule)
	case !rule.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRule, rule.Category)
	case strings.TrimSpace(rule.Field) == "":
		return fmt.Errorf("%w: missing field", ErrInvalidRule)
	case !rule.Operator.Valid():
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, rule.Operator)
	case rule.Points < MinPoints || rule.Points > MaxPoints:
		return fmt.Errorf("%w: points %d outside [%d, %d]", ErrInvalidRule, rule.Points, MinPoints, MaxPoints)
	}
	return nil
}
