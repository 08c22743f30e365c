package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_live_enrollment",
			SQL: `SELECT sequence_id, customer_id, COUNT(*) FROM crm_sequence_enrollments
                  WHERE status IN ('active','paused','processing')
                  GROUP BY sequence_id, customer_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_step_sent_once",
			SQL: `SELECT metadata->>'enrollment_id', metadata->>'step_id', COUNT(*) FROM crm_messages
                  WHERE metadata ? 'enrollment_id'
                  GROUP BY 1, 2 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_cursor_in_range",
			SQL: `SELECT e.id, e.current_step FROM crm_sequence_enrollments e
                  WHERE e.current_step < 0
                     OR e.current_step > (SELECT COUNT(*) FROM crm_sequence_steps s WHERE s.sequence_id = e.sequence_id)`,
		},
		{
			Name: "O4_completed_has_timestamp",
			SQL: `SELECT id FROM crm_sequence_enrollments
                  WHERE (status = 'completed') <> (completed_at IS NOT NULL)`,
		},
		{
			Name: "O5_processing_has_claim",
			SQL: `SELECT id FROM crm_sequence_enrollments
                  WHERE status = 'processing' AND (claim_token IS NULL OR claimed_at IS NULL)`,
		},
		{
			Name: "O6_grade_matches_points",
			SQL: `SELECT customer_id, total_points, grade FROM crm_lead_scores
                  WHERE grade <> CASE
                      WHEN total_points >= 80 THEN 'A'
                      WHEN total_points >= 60 THEN 'B'
                      WHEN total_points >= 40 THEN 'C'
                      WHEN total_points >= 20 THEN 'D'
                      ELSE 'F' END`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
