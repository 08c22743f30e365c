package scoring

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fieldcrm/customer"
	"fieldcrm/db"
)

// TestCalculateScores_Integration runs a scoring pass against a live
// PostgreSQL from DATABASE_URL and checks the snapshot, the customer mirror
// and the leaderboard order.
func TestCalculateScores_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tenant := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `DELETE FROM crm_lead_scoring_rules WHERE tenant_id = $1`, tenant)
		_, _ = pool.Exec(ctx2, `DELETE FROM customers WHERE tenant_id = $1`, tenant)
	})

	var hot, cold string
	if err := pool.QueryRow(ctx, `INSERT INTO customers (tenant_id, name, email, segment) VALUES ($1, 'Hot Lead', 'hot@example.com', 'enterprise') RETURNING id::text`, tenant).Scan(&hot); err != nil {
		t.Fatalf("seed hot customer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO customers (tenant_id, name, segment) VALUES ($1, 'Cold Lead', 'smb') RETURNING id::text`, tenant).Scan(&cold); err != nil {
		t.Fatalf("seed cold customer: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO crm_deals (tenant_id, customer_id, title, value, status) VALUES ($1, $2, 'Boiler', 25000, 'won')`, tenant, hot); err != nil {
		t.Fatalf("seed deal: %v", err)
	}

	repo := NewRepository(pool)
	for _, r := range []Rule{
		{TenantID: tenant, Category: CategoryFirmographic, Field: "segment", Operator: OpEquals, Value: "enterprise", Points: 50, Active: true},
		{TenantID: tenant, Category: CategoryBehavioral, Field: MetricTotalRevenue, Operator: OpGreaterThan, Value: "10000", Points: 40, Active: true},
		{TenantID: tenant, Category: CategoryDemographic, Field: "email", Operator: OpIsEmpty, Points: -10, Active: true},
		{TenantID: tenant, Category: CategoryDemographic, Field: "segment", Operator: OpEquals, Value: "smb", Points: 99, Active: false},
	} {
		if _, err := repo.CreateRule(ctx, r); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}

	customers := customer.NewRepository(pool)
	engine := NewEngine(repo, customers, nil)
	n, err := engine.CalculateScores(ctx, tenant)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 scored customers, got %d", n)
	}

	board, err := engine.Leaderboard(ctx, tenant, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 || board[0].CustomerID != hot || board[0].TotalPoints != 90 || board[0].Grade != GradeA {
		t.Fatalf("unexpected leaderboard head: %+v", board)
	}
	if board[1].TotalPoints != -10 || board[1].Grade != GradeF {
		t.Fatalf("expected inactive rule ignored and negative total kept, got %+v", board[1])
	}

	c, err := customers.Find(ctx, hot)
	if err != nil {
		t.Fatalf("find customer: %v", err)
	}
	if c.Attribute("lead_grade") != "A" {
		t.Fatalf("expected grade mirrored onto customer, got %v", c.Attribute("lead_grade"))
	}

	// A second pass overwrites rather than appends.
	if _, err := engine.CalculateScores(ctx, tenant); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	var rows int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM crm_lead_scores WHERE tenant_id = $1`, tenant).Scan(&rows); err != nil {
		t.Fatalf("count scores: %v", err)
	}
	if rows != 2 {
		t.Fatalf("expected one snapshot per customer, got %d", rows)
	}

	if _, err := repo.GetRule(ctx, tenant, "not-a-uuid"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("get rule with malformed id: expected ErrRuleNotFound, got %v", err)
	}
	if err := repo.DeleteRule(ctx, tenant, "not-a-uuid"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("delete rule with malformed id: expected ErrRuleNotFound, got %v", err)
	}
}
