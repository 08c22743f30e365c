package scoring

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"fieldcrm/customer"
)

var fixedNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func TestCalculateScores_SumsMatchedRules(t *testing.T) {
	repo := &fakeRepo{rules: []Rule{
		{ID: "r1", Category: CategoryDemographic, Field: "segment", Operator: OpEquals, Value: "enterprise", Points: 50, Active: true},
		{ID: "r2", Category: CategoryBehavioral, Field: MetricDealsCount, Operator: OpGreaterThan, Value: "3", Points: 30, Active: true},
		{ID: "r3", Category: CategoryFirmographic, Field: "industry", Operator: OpEquals, Value: "retail", Points: 10, Active: true},
	}}
	customers := &fakeCustomers{
		list: []customer.Customer{
			{ID: "c1", TenantID: "t1", Active: true, Attributes: map[string]any{"segment": "enterprise", "industry": "hvac"}},
		},
		deals: map[string]int{"c1": 4},
	}
	engine := NewEngine(repo, customers, nil).WithClock(func() time.Time { return fixedNow })

	n, err := engine.CalculateScores(context.Background(), "t1")
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 customer scored, got %d", n)
	}

	score := repo.scores["c1"]
	if score.TotalPoints != 80 || score.Grade != GradeA {
		t.Fatalf("expected 80/A, got %d/%s", score.TotalPoints, score.Grade)
	}
	if !score.CalculatedAt.Equal(fixedNow) {
		t.Fatalf("expected calculated_at %s, got %s", fixedNow, score.CalculatedAt)
	}
	if len(score.Breakdown) != 2 || score.Breakdown[0].RuleID != "r1" || score.Breakdown[1].RuleID != "r2" {
		t.Fatalf("unexpected breakdown: %+v", score.Breakdown)
	}
	if got := customers.mirrored["c1"]; got != "80/A" {
		t.Fatalf("expected lead score mirrored onto customer, got %q", got)
	}
}

func TestCalculateScores_NegativeTotalAndNoRules(t *testing.T) {
	repo := &fakeRepo{rules: []Rule{
		{ID: "r1", Category: CategoryDemographic, Field: "email", Operator: OpIsEmpty, Points: -20, Active: true},
	}}
	customers := &fakeCustomers{list: []customer.Customer{
		{ID: "c1", Attributes: map[string]any{"email": nil}},
		{ID: "c2", Attributes: map[string]any{"email": "a@b.c"}},
	}}
	engine := NewEngine(repo, customers, nil).WithClock(func() time.Time { return fixedNow })

	if _, err := engine.CalculateScores(context.Background(), "t1"); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if s := repo.scores["c1"]; s.TotalPoints != -20 || s.Grade != GradeF {
		t.Fatalf("expected -20/F, got %d/%s", s.TotalPoints, s.Grade)
	}
	if s := repo.scores["c2"]; s.TotalPoints != 0 || s.Grade != GradeF || len(s.Breakdown) != 0 {
		t.Fatalf("expected empty 0/F snapshot, got %+v", s)
	}
}

func TestCalculateScores_Idempotent(t *testing.T) {
	repo := &fakeRepo{rules: []Rule{
		{ID: "r1", Category: CategoryBehavioral, Field: MetricTotalRevenue, Operator: OpBetween, Value: "1000,5000", Points: 25, Active: true},
		{ID: "r2", Category: CategoryBehavioral, Field: MetricLastInteractionDays, Operator: OpGreaterThan, Value: "90", Points: -15, Active: true},
	}}
	customers := &fakeCustomers{
		list:    []customer.Customer{{ID: "c1"}, {ID: "c2"}},
		revenue: map[string]float64{"c1": 2500},
	}
	engine := NewEngine(repo, customers, nil).WithClock(func() time.Time { return fixedNow })

	if _, err := engine.CalculateScores(context.Background(), "t1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := cloneScores(repo.scores)
	if _, err := engine.CalculateScores(context.Background(), "t1"); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !reflect.DeepEqual(first, repo.scores) {
		t.Fatalf("expected identical snapshots, got %+v then %+v", first, repo.scores)
	}
	if len(repo.scores) != 2 {
		t.Fatalf("expected one snapshot per customer, got %d", len(repo.scores))
	}
	// c2 never interacted: 999 days > 90.
	if s := repo.scores["c2"]; s.TotalPoints != -15 {
		t.Fatalf("expected -15 for never-contacted customer, got %d", s.TotalPoints)
	}
}

func TestCalculateScores_CachesBehavioralMetrics(t *testing.T) {
	repo := &fakeRepo{rules: []Rule{
		{ID: "r1", Category: CategoryBehavioral, Field: MetricDealsCount, Operator: OpGreaterThan, Value: "1", Points: 10, Active: true},
		{ID: "r2", Category: CategoryBehavioral, Field: MetricDealsCount, Operator: OpGreaterThan, Value: "5", Points: 10, Active: true},
	}}
	customers := &fakeCustomers{list: []customer.Customer{{ID: "c1"}}, deals: map[string]int{"c1": 3}}
	engine := NewEngine(repo, customers, nil).WithClock(func() time.Time { return fixedNow })

	if _, err := engine.CalculateScores(context.Background(), "t1"); err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if customers.dealQueries != 1 {
		t.Fatalf("expected deals_count to be queried once, got %d", customers.dealQueries)
	}
}

func TestCalculateScores_MetricErrorAbortsRun(t *testing.T) {
	boom := errors.New("connection reset")
	repo := &fakeRepo{rules: []Rule{
		{ID: "r1", Category: CategoryBehavioral, Field: MetricDealsCount, Operator: OpGreaterThan, Value: "1", Points: 10, Active: true},
	}}
	customers := &fakeCustomers{list: []customer.Customer{{ID: "c1"}}, metricErr: boom}
	engine := NewEngine(repo, customers, nil)

	if _, err := engine.CalculateScores(context.Background(), "t1"); !errors.Is(err, boom) {
		t.Fatalf("expected metric error, got %v", err)
	}
	if len(repo.scores) != 0 {
		t.Fatalf("expected no snapshot written")
	}
}

func TestLeaderboard_LimitBounds(t *testing.T) {
	repo := &fakeRepo{}
	engine := NewEngine(repo, &fakeCustomers{}, nil)

	for in, want := range map[int]int{0: 50, -1: 50, 10: 10, 500: 200} {
		if _, err := engine.Leaderboard(context.Background(), "t1", in); err != nil {
			t.Fatalf("leaderboard: %v", err)
		}
		if repo.lastLimit != want {
			t.Errorf("limit %d: expected %d, got %d", in, want, repo.lastLimit)
		}
	}
}

func TestCreateRule_Validation(t *testing.T) {
	engine := NewEngine(&fakeRepo{}, &fakeCustomers{}, nil)
	base := Rule{TenantID: "t1", Category: CategoryDemographic, Field: "city", Operator: OpEquals, Value: "Recife", Points: 10}

	if _, err := engine.CreateRule(context.Background(), base); err != nil {
		t.Fatalf("expected valid rule, got %v", err)
	}

	invalid := map[string]func(r *Rule){
		"category": func(r *Rule) { r.Category = "psychographic" },
		"operator": func(r *Rule) { r.Operator = "regex" },
		"points":   func(r *Rule) { r.Points = 101 },
		"field":    func(r *Rule) { r.Field = " " },
	}
	for name, mutate := range invalid {
		rule := base
		mutate(&rule)
		if _, err := engine.CreateRule(context.Background(), rule); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("%s: expected ErrInvalidRule, got %v", name, err)
		}
	}
}

func cloneScores(in map[string]LeadScore) map[string]LeadScore {
	out := make(map[string]LeadScore, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type fakeRepo struct {
	rules     []Rule
	scores    map[string]LeadScore
	lastLimit int
}

func (f *fakeRepo) ListRules(ctx context.Context, tenantID string, activeOnly bool) ([]Rule, error) {
	return f.rules, nil
}

func (f *fakeRepo) GetRule(ctx context.Context, tenantID, id string) (Rule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return Rule{}, ErrRuleNotFound
}

func (f *fakeRepo) CreateRule(ctx context.Context, rule Rule) (Rule, error) {
	f.rules = append(f.rules, rule)
	return rule, nil
}

func (f *fakeRepo) UpdateRule(ctx context.Context, rule Rule) (Rule, error) {
	return rule, nil
}

func (f *fakeRepo) DeleteRule(ctx context.Context, tenantID, id string) error {
	return nil
}

func (f *fakeRepo) UpsertScore(ctx context.Context, score LeadScore) error {
	if f.scores == nil {
		f.scores = make(map[string]LeadScore)
	}
	f.scores[score.CustomerID] = score
	return nil
}

func (f *fakeRepo) Leaderboard(ctx context.Context, tenantID string, limit int) ([]LeaderboardEntry, error) {
	f.lastLimit = limit
	return nil, nil
}

type fakeCustomers struct {
	list        []customer.Customer
	deals       map[string]int
	revenue     map[string]float64
	lastSeen    map[string]time.Time
	metricErr   error
	dealQueries int
	mirrored    map[string]string
}

func (f *fakeCustomers) FindAll(ctx context.Context, tenantID string) ([]customer.Customer, error) {
	return f.list, nil
}

func (f *fakeCustomers) DealsCount(ctx context.Context, customerID string) (int, error) {
	f.dealQueries++
	if f.metricErr != nil {
		return 0, f.metricErr
	}
	return f.deals[customerID], nil
}

func (f *fakeCustomers) WonRevenue(ctx context.Context, customerID string) (float64, error) {
	if f.metricErr != nil {
		return 0, f.metricErr
	}
	return f.revenue[customerID], nil
}

func (f *fakeCustomers) LastActivityAt(ctx context.Context, customerID string) (*time.Time, error) {
	if f.metricErr != nil {
		return nil, f.metricErr
	}
	ts, ok := f.lastSeen[customerID]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (f *fakeCustomers) UpdateLeadScore(ctx context.Context, tenantID, customerID string, points int, grade string) error {
	if f.mirrored == nil {
		f.mirrored = make(map[string]string)
	}
	f.mirrored[customerID] = fmt.Sprintf("%d/%s", points, grade)
	return nil
}
