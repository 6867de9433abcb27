package actionlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Append inserts one timeline row inside the caller's transaction. The caller
// must already hold the order row lock so seq allocation cannot race.
func Append(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.OrderID == "" {
		return fmt.Errorf("actionlog: missing order id")
	}
	if e.Type == "" {
		return fmt.Errorf("actionlog: missing action type")
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}

	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	body, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("actionlog: marshal details: %w", err)
	}

	var actor any
	if e.ActorID != "" {
		actor = e.ActorID
	}

	const q = `
INSERT INTO order_actions (order_id, seq, action_type, actor_id, actor_type, details)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5::jsonb
FROM order_actions
WHERE order_id = $1
`
	if _, err := tx.Exec(ctx, q, e.OrderID, string(e.Type), actor, string(e.ActorType), body); err != nil {
		return fmt.Errorf("actionlog: insert %s: %w", e.Type, err)
	}
	return nil
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Reader scans an order's timeline.
type Reader struct {
	db Querier
}

func NewReader(db Querier) *Reader {
	return &Reader{db: db}
}

// List returns the order's actions in timeline order.
func (r *Reader) List(ctx context.Context, orderID string) ([]Action, error) {
	const q = `
SELECT id, order_id::text, seq, action_type, actor_id, actor_type, details, created_at
FROM order_actions
WHERE order_id = $1
ORDER BY created_at ASC, seq ASC
`
	rows, err := r.db.Query(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("actionlog: list: %w", err)
	}
	defer rows.Close()

	out := make([]Action, 0, 8)
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Seq, &a.Type, &a.ActorID, &a.ActorType, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("actionlog: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("actionlog: iterate: %w", err)
	}
	return out, nil
}
