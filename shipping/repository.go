package shipping

import (
	"context"
	"fmt"
	"time"

	"escrowflow/actionlog"
	"escrowflow/order"
)

// eligible restricts every handshake write to vault orders whose escrow is
// neither disputed nor refunded.
const eligible = `delivery_option = 'vault'
  AND status IN ('paid', 'shipped', 'delivered', 'completed')
  AND escrow_status IN ('pending', 'released')`

type Repository struct {
	db order.DB
}

func NewRepository(db order.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, id string) (order.Order, error) {
	return order.Fetch(ctx, r.db, id)
}

// RecordRequest stamps the shipping request once. The boolean reports
// whether this call wrote it.
func (r *Repository) RecordRequest(ctx context.Context, orderID, actorID string) (order.Order, bool, error) {
	q := `
UPDATE orders
SET shipping_requested_at = now(), shipping_requested_by = $2, version = version + 1, updated_at = now()
WHERE id = $1 AND shipping_requested_at IS NULL AND ` + eligible + `
RETURNING ` + order.Columns
	return r.writeOnce(ctx, orderID, actionlog.Entry{
		Type:      actionlog.TypeShippingRequested,
		ActorID:   actorID,
		ActorType: actionlog.ActorUser,
	}, q, orderID, actorID)
}

// RecordApproval sets role's irrevocable approval flag once, and only after
// a request exists.
func (r *Repository) RecordApproval(ctx context.Context, orderID string, role order.Role, actorID string) (order.Order, bool, error) {
	var flag, stamp string
	switch role {
	case order.RoleBuyer:
		flag, stamp = "buyer_approved_shipping", "buyer_shipping_approved_at"
	case order.RoleSeller:
		flag, stamp = "seller_approved_shipping", "seller_shipping_approved_at"
	default:
		return order.Order{}, false, order.ErrUnauthorized
	}
	q := `
UPDATE orders
SET ` + flag + ` = true, ` + stamp + ` = now(), version = version + 1, updated_at = now()
WHERE id = $1 AND ` + flag + ` = false AND shipping_requested_at IS NOT NULL AND ` + eligible + `
RETURNING ` + order.Columns
	return r.writeOnce(ctx, orderID, actionlog.Entry{
		Type:      actionlog.TypeShippingApproved,
		ActorID:   actorID,
		ActorType: actionlog.ActorUser,
		Details:   map[string]any{"role": string(role)},
	}, q, orderID)
}

func (r *Repository) writeOnce(ctx context.Context, orderID string, entry actionlog.Entry, q string, args ...any) (order.Order, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return order.Order{}, false, fmt.Errorf("shipping: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := order.ScanOrder(tx.QueryRow(ctx, q, args...))
	if err != nil {
		if mapped := order.NotFoundOr(err, "shipping write"); mapped != order.ErrNotFound {
			return order.Order{}, false, mapped
		}
		current, err := order.Fetch(ctx, r.db, orderID)
		return current, false, err
	}

	entry.OrderID = o.ID
	if err := actionlog.Append(ctx, tx, entry); err != nil {
		return order.Order{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, false, fmt.Errorf("shipping: commit %s: %w", entry.Type, err)
	}
	return o, true, nil
}

// Claim takes the single right to call the carrier for an order. It
// succeeds only when both parties approved and no shipment exists yet.
func (r *Repository) Claim(ctx context.Context, orderID string) (order.Order, bool, error) {
	q := `
UPDATE orders
SET shipment_claimed_at = now(), version = version + 1, updated_at = now()
WHERE id = $1
  AND buyer_approved_shipping AND seller_approved_shipping
  AND shipment_claimed_at IS NULL
  AND tracking_number IS NULL
  AND ` + eligible + `
RETURNING ` + order.Columns
	o, err := order.ScanOrder(r.db.QueryRow(ctx, q, orderID))
	if err != nil {
		if mapped := order.NotFoundOr(err, "claim"); mapped != order.ErrNotFound {
			return order.Order{}, false, mapped
		}
		current, err := order.Fetch(ctx, r.db, orderID)
		return current, false, err
	}
	return o, true, nil
}

// ReleaseClaim drops a claim whose carrier call failed or whose order is no
// longer eligible to ship.
func (r *Repository) ReleaseClaim(ctx context.Context, orderID string) error {
	if _, err := r.db.Exec(ctx, `
UPDATE orders SET shipment_claimed_at = NULL, version = version + 1, updated_at = now()
WHERE id = $1 AND shipment_claimed_at IS NOT NULL AND tracking_number IS NULL
`, orderID); err != nil {
		return fmt.Errorf("shipping: release claim: %w", err)
	}
	return nil
}

// Complete stores the tracking number of a claimed shipment, moves a paid
// order to shipped and appends the shipped action.
func (r *Repository) Complete(ctx context.Context, orderID, trackingNumber string) (order.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return order.Order{}, fmt.Errorf("shipping: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	q := `
UPDATE orders
SET tracking_number = $2,
    status = CASE WHEN status = 'paid' THEN 'shipped' ELSE status END,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND shipment_claimed_at IS NOT NULL AND tracking_number IS NULL
  AND ` + eligible + `
RETURNING ` + order.Columns

	o, err := order.ScanOrder(tx.QueryRow(ctx, q, orderID, trackingNumber))
	if err != nil {
		if mapped := order.NotFoundOr(err, "complete shipment"); mapped != order.ErrNotFound {
			return order.Order{}, mapped
		}
		return order.Order{}, order.ErrConcurrentModification
	}

	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      actionlog.TypeShipped,
		ActorType: actionlog.ActorSystem,
		Details:   map[string]any{"tracking_number": trackingNumber, "address": o.ShippingAddress},
	}); err != nil {
		return order.Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, fmt.Errorf("shipping: commit shipment: %w", err)
	}
	return o, nil
}

// ListStaleClaims returns claimed shipments without a tracking number whose
// claim is older than cutoff, left behind by a crashed process. Orders that
// lost eligibility since the claim are included so the caller can release
// them.
func (r *Repository) ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]order.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
SELECT `+order.Columns+`
FROM orders
WHERE shipment_claimed_at IS NOT NULL AND shipment_claimed_at <= $1 AND tracking_number IS NULL
ORDER BY shipment_claimed_at ASC
LIMIT $2
`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("shipping: list stale claims: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := order.ScanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("shipping: scan: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shipping: iterate: %w", err)
	}
	return out, nil
}
