package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Columns is the select list understood by ScanOrder. Numerics are read as
// text so no precision is lost on the way into decimal.Decimal.
const Columns = `id::text, listing_id::text, buyer_id, seller_id,
	price::text, buyer_fee::text, seller_fee::text, escrow_held_amount::text,
	status, escrow_status,
	buyer_confirmed_at, seller_confirmed_at, funds_released_at, refunded_at,
	admin_escalated_at, escalation_reason, attention_required_at,
	delivery_option, tracking_number, shipping_address,
	shipping_requested_at, shipping_requested_by,
	buyer_approved_shipping, seller_approved_shipping,
	buyer_shipping_approved_at, seller_shipping_approved_at, shipment_claimed_at,
	listing_title, listing_condition, listing_grade, listing_image_url,
	version, created_at, updated_at`

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ScanOrder reads one row selected with Columns.
func ScanOrder(row pgx.Row) (Order, error) {
	var (
		o                          Order
		price, buyerFee, sellerFee string
		held                       *string
	)
	err := row.Scan(
		&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID,
		&price, &buyerFee, &sellerFee, &held,
		&o.Status, &o.EscrowStatus,
		&o.BuyerConfirmedAt, &o.SellerConfirmedAt, &o.FundsReleasedAt, &o.RefundedAt,
		&o.AdminEscalatedAt, &o.EscalationReason, &o.AttentionRequiredAt,
		&o.DeliveryOption, &o.TrackingNumber, &o.ShippingAddress,
		&o.ShippingRequestedAt, &o.ShippingRequestedBy,
		&o.BuyerApprovedShipping, &o.SellerApprovedShipping,
		&o.BuyerShippingApprovedAt, &o.SellerShippingApprovedAt, &o.ShipmentClaimedAt,
		&o.Listing.Title, &o.Listing.Condition, &o.Listing.Grade, &o.Listing.ImageURL,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}

	if o.Price, err = decimal.NewFromString(price); err != nil {
		return Order{}, fmt.Errorf("order: parse price: %w", err)
	}
	if o.BuyerFee, err = decimal.NewFromString(buyerFee); err != nil {
		return Order{}, fmt.Errorf("order: parse buyer fee: %w", err)
	}
	if o.SellerFee, err = decimal.NewFromString(sellerFee); err != nil {
		return Order{}, fmt.Errorf("order: parse seller fee: %w", err)
	}
	if held != nil {
		d, err := decimal.NewFromString(*held)
		if err != nil {
			return Order{}, fmt.Errorf("order: parse held amount: %w", err)
		}
		o.EscrowHeldAmount = &d
	}
	return o, nil
}

// Fetch loads an order through q, which may be a pool or a transaction.
func Fetch(ctx context.Context, q Querier, id string) (Order, error) {
	o, err := ScanOrder(q.QueryRow(ctx, `SELECT `+Columns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return Order{}, NotFoundOr(err, "fetch")
	}
	return o, nil
}

// Lock loads an order and holds its row lock until tx ends.
func Lock(ctx context.Context, tx pgx.Tx, id string) (Order, error) {
	o, err := ScanOrder(tx.QueryRow(ctx, `SELECT `+Columns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Order{}, NotFoundOr(err, "lock")
	}
	return o, nil
}

// NotFoundOr maps a missing row, or an id that is not a uuid, to ErrNotFound
// and wraps anything else.
func NotFoundOr(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrNotFound
	}
	return fmt.Errorf("order: %s: %w", op, err)
}
