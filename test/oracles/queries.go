package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_release",
			SQL: `SELECT order_id, COUNT(*) FROM order_actions
                  WHERE action_type = 'funds_released'
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_release_refund_exclusive",
			SQL: `SELECT id FROM orders WHERE funds_released_at IS NOT NULL AND refunded_at IS NOT NULL
                  UNION ALL
                  SELECT order_id FROM order_actions
                  WHERE action_type IN ('funds_released', 'refunded')
                  GROUP BY order_id HAVING COUNT(DISTINCT action_type) > 1`,
		},
		{
			Name: "O3_held_iff_pending",
			SQL: `SELECT id, escrow_status, escrow_held_amount FROM orders
                  WHERE (escrow_status = 'pending') <> (escrow_held_amount IS NOT NULL)`,
		},
		{
			Name: "O4_completed_means_released",
			SQL: `SELECT id, escrow_status FROM orders
                  WHERE (status = 'completed') <> (escrow_status = 'released')`,
		},
		{
			Name: "O5_marker_matches_escrow",
			SQL: `SELECT o.id, o.escrow_status, t.kind FROM orders o
                  JOIN ledger_transfers t ON t.order_id = o.id
                  WHERE (t.kind = 'release' AND o.escrow_status <> 'released')
                     OR (t.kind = 'refund' AND o.escrow_status <> 'refunded')
                  UNION ALL
                  SELECT o.id, o.escrow_status, NULL FROM orders o
                  WHERE o.escrow_status = 'released'
                    AND NOT EXISTS (SELECT 1 FROM ledger_transfers t WHERE t.order_id = o.id)`,
		},
		{
			Name: "O6_confirmation_once",
			SQL: `SELECT order_id, action_type, COUNT(*) FROM order_actions
                  WHERE action_type IN ('buyer_confirmed', 'seller_confirmed')
                  GROUP BY order_id, action_type HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_shipment_needs_both_approvals",
			SQL: `SELECT id FROM orders
                  WHERE delivery_option = 'vault' AND tracking_number IS NOT NULL
                    AND NOT (buyer_approved_shipping AND seller_approved_shipping)
                  UNION ALL
                  SELECT a.order_id FROM order_actions a
                  JOIN orders o ON o.id = a.order_id
                  WHERE o.delivery_option = 'vault' AND a.action_type = 'shipped'
                  GROUP BY a.order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_action_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT order_id, seq,
                             LAG(seq) OVER (PARTITION BY order_id ORDER BY created_at, id) AS prev
                      FROM order_actions)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O9_action_log_guard",
			SQL: `SELECT 'missing_immutable_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'order_actions_no_update')`,
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
