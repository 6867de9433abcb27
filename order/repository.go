package order

import (
	"context"
	"fmt"

	"escrowflow/actionlog"
	"escrowflow/ledger"
)

// TransitionParams describes one forward lifecycle step.
type TransitionParams struct {
	OrderID        string
	From           Status
	To             Status
	Action         actionlog.Type
	ActorID        string
	ActorType      actionlog.ActorType
	TrackingNumber *string
	Details        map[string]any
}

// CancelParams refunds an order that never reached settlement.
type CancelParams struct {
	OrderID   string
	From      Status
	ActorID   string
	ActorType actionlog.ActorType
	Reason    string
	// Refund is nil when no payment was captured.
	Refund *ledger.NewTransfer
}

// Repository is the Postgres order store.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, id string) (Order, error) {
	return Fetch(ctx, r.db, id)
}

// Create inserts the order with escrow pending and the price held, and
// appends the created action.
func (r *Repository) Create(ctx context.Context, in NewOrder, snap ListingSnapshot) (Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO orders (
    listing_id, buyer_id, seller_id, price, buyer_fee, seller_fee, escrow_held_amount,
    delivery_option, shipping_address,
    listing_title, listing_condition, listing_grade, listing_image_url
)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $4::numeric, $7, $8, $9, $10, $11, $12)
RETURNING ` + Columns

	o, err := ScanOrder(tx.QueryRow(ctx, q,
		in.ListingID, in.BuyerID, in.SellerID,
		in.Price.StringFixed(2), in.BuyerFee.StringFixed(2), in.SellerFee.StringFixed(2),
		string(in.DeliveryOption), in.ShippingAddress,
		snap.Title, snap.Condition, snap.Grade, snap.ImageURL,
	))
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}

	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      actionlog.TypeCreated,
		ActorType: actionlog.ActorSystem,
		Details: map[string]any{
			"price":           o.Price.StringFixed(2),
			"delivery_option": string(o.DeliveryOption),
			"listing_title":   o.Listing.Title,
		},
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit create: %w", err)
	}
	return o, nil
}

// Transition moves status from p.From to p.To only if the stored status is
// still p.From. A lost race is reported as ErrConcurrentModification.
func (r *Repository) Transition(ctx context.Context, p TransitionParams) (Order, error) {
	if !CanTransition(p.From, p.To) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.From, p.To)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE orders
SET status = $3,
    tracking_number = COALESCE($4, tracking_number),
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND status = $2 AND escrow_status = 'pending'
RETURNING ` + Columns

	o, err := ScanOrder(tx.QueryRow(ctx, q, p.OrderID, string(p.From), string(p.To), p.TrackingNumber))
	if err != nil {
		if mapped := NotFoundOr(err, "transition"); mapped != ErrNotFound {
			return Order{}, mapped
		}
		return Order{}, r.classify(ctx, p.OrderID)
	}

	details := map[string]any{"from": string(p.From), "to": string(p.To)}
	for k, v := range p.Details {
		details[k] = v
	}
	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      p.Action,
		ActorID:   p.ActorID,
		ActorType: p.ActorType,
		Details:   details,
	}); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit transition: %w", err)
	}
	return o, nil
}

// Cancel refunds an order from pending or paid. When a payment was captured
// the refund marker is written in the same transaction.
func (r *Repository) Cancel(ctx context.Context, p CancelParams) (Order, *ledger.Transfer, error) {
	if !CanTransition(p.From, StatusRefunded) {
		return Order{}, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.From, StatusRefunded)
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return Order{}, nil, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
UPDATE orders
SET status = 'refunded',
    escrow_status = 'refunded',
    refunded_at = now(),
    escrow_held_amount = NULL,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND status = $2 AND escrow_status = 'pending'
RETURNING ` + Columns

	o, err := ScanOrder(tx.QueryRow(ctx, q, p.OrderID, string(p.From)))
	if err != nil {
		if mapped := NotFoundOr(err, "cancel"); mapped != ErrNotFound {
			return Order{}, nil, mapped
		}
		return Order{}, nil, r.classify(ctx, p.OrderID)
	}

	details := map[string]any{"from": string(p.From), "reason": p.Reason}
	var marker *ledger.Transfer
	if p.Refund != nil {
		t, err := ledger.InsertTransfer(ctx, tx, *p.Refund)
		if err != nil {
			return Order{}, nil, err
		}
		marker = &t
		details["amount"] = t.Amount.StringFixed(2)
	}

	if err := actionlog.Append(ctx, tx, actionlog.Entry{
		OrderID:   o.ID,
		Type:      actionlog.TypeRefunded,
		ActorID:   p.ActorID,
		ActorType: p.ActorType,
		Details:   details,
	}); err != nil {
		return Order{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, nil, fmt.Errorf("order: commit cancel: %w", err)
	}
	return o, marker, nil
}

// classify explains why a conditional update matched no row.
func (r *Repository) classify(ctx context.Context, id string) error {
	if _, err := Fetch(ctx, r.db, id); err != nil {
		return err
	}
	return ErrConcurrentModification
}
