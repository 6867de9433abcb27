package settlement

import (
	"context"
	"fmt"
	"time"

	"escrowflow/actionlog"
	"escrowflow/ledger"
	"escrowflow/order"
)

// ConfirmParams records one party's confirmation.
type ConfirmParams struct {
	OrderID   string
	Role      order.Role
	ActorID   string
	ActorType actionlog.ActorType
}

// Repository holds the conditional writes behind the settlement protocol.
type Repository struct {
	db order.DB
}

func NewRepository(db order.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, id string) (order.Order, error) {
	return order.Fetch(ctx, r.db, id)
}

func confirmColumn(role order.Role) (string, actionlog.Type, error) {
	switch role {
	case order.RoleBuyer:
		return "buyer_confirmed_at", actionlog.TypeBuyerConfirmed, nil
	case order.RoleSeller:
		return "seller_confirmed_at", actionlog.TypeSellerConfirmed, nil
	default:
		return "", "", order.ErrUnauthorized
	}
}

// RecordConfirmation stamps the role's confirmation only while it is still
// null. The boolean is false when the write matched no row; the returned
// order is then the current stored state.
func (r *Repository) RecordConfirmation(ctx context.Context, p ConfirmParams) (order.Order, bool, error) {
	col, typ, err := confirmColumn(p.Role)
	if err != nil {
		return order.Order{}, false, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return order.Order{}, false, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q := `
UPDATE orders
SET ` + col + ` = now(), version = version + 1, updated_at = now()
WHERE id = $1
  AND ` + col + ` IS NULL
  AND status IN ('paid', 'shipped', 'delivered', 'disputed')
RETURNING ` + order.Columns

	o, err := order.ScanOrder(tx.QueryRow(ctx, q, p.OrderID))
	if err != nil {
		if mapped := order.NotFoundOr(err, "confirm"); mapped != order.ErrNotFound {
			return order.Order{}, false, mapped
		}
		current, err := order.Fetch(ctx, r.db, p.OrderID)
		return current, false, err
	}

	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      typ,
		ActorID:   p.ActorID,
		ActorType: p.ActorType,
		Details: map[string]any{
			"role":          string(p.Role),
			"escrow_status": string(o.EscrowStatus),
		},
	}); err != nil {
		return order.Order{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, false, fmt.Errorf("settlement: commit confirmation: %w", err)
	}
	return o, true, nil
}

// Release flips escrow pending -> released once both confirmations exist,
// completes the order and writes the release marker, all in one transaction.
// A nil marker means another caller released first or the order was
// disputed in between; the returned order is then the current state.
func (r *Repository) Release(ctx context.Context, orderID, triggeredBy string) (order.Order, *ledger.Transfer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return order.Order{}, nil, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE orders
SET escrow_status = 'released',
    funds_released_at = now(),
    status = 'completed',
    escrow_held_amount = NULL,
    version = version + 1,
    updated_at = now()
WHERE id = $1
  AND escrow_status = 'pending'
  AND buyer_confirmed_at IS NOT NULL
  AND seller_confirmed_at IS NOT NULL
  AND status IN ('paid', 'shipped', 'delivered')
RETURNING ` + order.Columns

	o, err := order.ScanOrder(tx.QueryRow(ctx, q, orderID))
	if err != nil {
		if mapped := order.NotFoundOr(err, "release"); mapped != order.ErrNotFound {
			return order.Order{}, nil, mapped
		}
		current, err := order.Fetch(ctx, r.db, orderID)
		return current, nil, err
	}

	marker, err := ledger.InsertTransfer(ctx, tx, ledger.NewTransfer{
		OrderID:   o.ID,
		Kind:      ledger.KindRelease,
		ToAccount: o.SellerID,
		Amount:    o.SellerPayout(),
	})
	if err != nil {
		return order.Order{}, nil, err
	}

	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      actionlog.TypeFundsReleased,
		ActorType: actionlog.ActorSystem,
		Details: map[string]any{
			"amount":       marker.Amount.StringFixed(2),
			"to_account":   marker.ToAccount,
			"transfer_id":  marker.ID,
			"triggered_by": triggeredBy,
		},
	}); err != nil {
		return order.Order{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, nil, fmt.Errorf("settlement: commit release: %w", err)
	}
	return o, &marker, nil
}

// ListAwaitingCounterparty returns active orders holding exactly one
// confirmation that was stamped at or before cutoff.
func (r *Repository) ListAwaitingCounterparty(ctx context.Context, cutoff time.Time, limit int) ([]order.Order, error) {
	const q = `
SELECT ` + order.Columns + `
FROM orders
WHERE escrow_status = 'pending'
  AND status IN ('paid', 'shipped', 'delivered')
  AND (buyer_confirmed_at IS NULL) <> (seller_confirmed_at IS NULL)
  AND COALESCE(buyer_confirmed_at, seller_confirmed_at) <= $1
ORDER BY COALESCE(buyer_confirmed_at, seller_confirmed_at) ASC
LIMIT $2
`
	return r.list(ctx, q, cutoff, clampLimit(limit))
}

// ListStranded returns orders confirmed by both parties whose release never
// ran, e.g. because the process died between the two transactions.
func (r *Repository) ListStranded(ctx context.Context, limit int) ([]order.Order, error) {
	const q = `
SELECT ` + order.Columns + `
FROM orders
WHERE escrow_status = 'pending'
  AND status IN ('paid', 'shipped', 'delivered')
  AND buyer_confirmed_at IS NOT NULL
  AND seller_confirmed_at IS NOT NULL
ORDER BY updated_at ASC
LIMIT $1
`
	return r.list(ctx, q, clampLimit(limit))
}

func (r *Repository) list(ctx context.Context, q string, args ...any) ([]order.Order, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("settlement: list: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := order.ScanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("settlement: scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
