package dispute

import (
	"context"
	"fmt"

	"escrowflow/actionlog"
	"escrowflow/ledger"
	"escrowflow/order"
)

// OpenParams carries a validated dispute request.
type OpenParams struct {
	OrderID string
	ActorID string
	Type    EscalationType
	Reason  string
}

type Repository struct {
	db order.DB
}

func NewRepository(db order.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, id string) (order.Order, error) {
	return order.Fetch(ctx, r.db, id)
}

// Open inserts an escalation and, unless the order is already disputed,
// freezes the escrow. Both happen with the order row locked.
func (r *Repository) Open(ctx context.Context, p OpenParams) (Opened, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Opened{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := order.Lock(ctx, tx, p.OrderID)
	if err != nil {
		return Opened{}, err
	}
	alreadyDisputed := o.EscrowStatus == order.EscrowDisputed
	if !alreadyDisputed && (!o.Status.IsActive() || o.EscrowStatus != order.EscrowPending) {
		return Opened{}, order.ErrInvalidTransition
	}

	var esc Escalation
	err = tx.QueryRow(ctx, `
INSERT INTO escalations (order_id, escalation_type, escalated_by, reason)
VALUES ($1, $2, $3, $4)
RETURNING id::text, order_id::text, escalation_type, escalated_by, reason, created_at
`, p.OrderID, string(p.Type), p.ActorID, p.Reason).
		Scan(&esc.ID, &esc.OrderID, &esc.Type, &esc.EscalatedBy, &esc.Reason, &esc.CreatedAt)
	if err != nil {
		return Opened{}, fmt.Errorf("dispute: insert escalation: %w", err)
	}

	heldBefore := ""
	if o.EscrowHeldAmount != nil {
		heldBefore = o.EscrowHeldAmount.StringFixed(2)
	}
	if !alreadyDisputed {
		const q = `
UPDATE orders
SET status = 'disputed',
    escrow_status = 'disputed',
    escrow_held_amount = NULL,
    admin_escalated_at = now(),
    escalation_reason = $2,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND escrow_status = 'pending'
RETURNING ` + order.Columns
		if o, err = order.ScanOrder(tx.QueryRow(ctx, q, p.OrderID, p.Reason)); err != nil {
			return Opened{}, order.NotFoundOr(err, "dispute flip")
		}
	}

	details := map[string]any{
		"escalation_id":   esc.ID,
		"escalation_type": string(esc.Type),
		"reason":          p.Reason,
		"flipped":         !alreadyDisputed,
	}
	if heldBefore != "" {
		details["held_amount"] = heldBefore
	}
	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      actionlog.TypeDisputed,
		ActorID:   p.ActorID,
		ActorType: actionlog.ActorUser,
		Details:   details,
	}); err != nil {
		return Opened{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Opened{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return Opened{Order: o, Escalation: esc, Flipped: !alreadyDisputed}, nil
}

// ApplyResolution moves a disputed escrow to released or refunded, writes
// the matching ledger marker and appends one admin_action.
func (r *Repository) ApplyResolution(ctx context.Context, res Resolution) (order.Order, ledger.Transfer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return order.Order{}, ledger.Transfer{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var q string
	switch res.Outcome {
	case OutcomeRelease:
		q = `
UPDATE orders
SET status = 'completed',
    escrow_status = 'released',
    funds_released_at = now(),
    admin_escalated_at = NULL,
    escalation_reason = NULL,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND escrow_status = 'disputed'
RETURNING ` + order.Columns
	case OutcomeRefund:
		q = `
UPDATE orders
SET status = 'refunded',
    escrow_status = 'refunded',
    refunded_at = now(),
    admin_escalated_at = NULL,
    escalation_reason = NULL,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND escrow_status = 'disputed'
RETURNING ` + order.Columns
	default:
		return order.Order{}, ledger.Transfer{}, fmt.Errorf("%w: unknown outcome %q", order.ErrInvalidInput, res.Outcome)
	}

	o, err := order.ScanOrder(tx.QueryRow(ctx, q, res.OrderID))
	if err != nil {
		if mapped := order.NotFoundOr(err, "resolve"); mapped != order.ErrNotFound {
			return order.Order{}, ledger.Transfer{}, mapped
		}
		if _, err := order.Fetch(ctx, r.db, res.OrderID); err != nil {
			return order.Order{}, ledger.Transfer{}, err
		}
		return order.Order{}, ledger.Transfer{}, order.ErrInvalidTransition
	}

	nt := ledger.NewTransfer{OrderID: o.ID, Kind: ledger.KindRelease, ToAccount: o.SellerID, Amount: o.SellerPayout()}
	if res.Outcome == OutcomeRefund {
		nt = ledger.NewTransfer{OrderID: o.ID, Kind: ledger.KindRefund, ToAccount: o.BuyerID, Amount: o.BuyerRefund()}
	}
	marker, err := ledger.InsertTransfer(ctx, tx, nt)
	if err != nil {
		return order.Order{}, ledger.Transfer{}, err
	}

	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      actionlog.TypeAdminAction,
		ActorID:   res.AdminID,
		ActorType: actionlog.ActorAdmin,
		Details: map[string]any{
			"outcome":     string(res.Outcome),
			"note":        res.Note,
			"amount":      marker.Amount.StringFixed(2),
			"to_account":  marker.ToAccount,
			"transfer_id": marker.ID,
		},
	}); err != nil {
		return order.Order{}, ledger.Transfer{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, ledger.Transfer{}, fmt.Errorf("dispute: commit resolution: %w", err)
	}
	return o, marker, nil
}

// ListEscalations returns escalations newest first, optionally for one order.
func (r *Repository) ListEscalations(ctx context.Context, orderID string, limit int) ([]Escalation, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
SELECT id::text, order_id::text, escalation_type, escalated_by, reason, created_at
FROM escalations
`
	args := []any{limit}
	if orderID != "" {
		query += "WHERE order_id = $2\n"
		args = append(args, orderID)
	}
	query += "ORDER BY created_at DESC\nLIMIT $1"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, order.NotFoundOr(err, "list escalations")
	}
	defer rows.Close()

	out := make([]Escalation, 0, 8)
	for rows.Next() {
		var e Escalation
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &e.EscalatedBy, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
