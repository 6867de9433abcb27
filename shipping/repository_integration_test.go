package shipping

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/actionlog"
	"escrowflow/order"
)

// TestStaleClaimOnDisputedOrder_Integration crashes a dispatcher after the
// claim, disputes the order and checks the sweep never reaches the carrier.
func TestStaleClaimOnDisputedOrder_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var ready bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('orders') IS NOT NULL AND to_regclass('listings') IS NOT NULL`).Scan(&ready); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !ready {
		t.Skip("database schema missing; run migrations: escrowctl migrate")
	}

	suffix := time.Now().UnixNano()
	seller := fmt.Sprintf("seller-%d", suffix)
	var listingID string
	if err := pool.QueryRow(ctx, `INSERT INTO listings (seller_id, title) VALUES ($1, 'Vault Card') RETURNING id::text`, seller).Scan(&listingID); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	orders := order.NewRepository(pool)
	o, err := orders.Create(ctx, order.NewOrder{
		ListingID:       listingID,
		BuyerID:         fmt.Sprintf("buyer-%d", suffix),
		SellerID:        seller,
		Price:           decimal.RequireFromString("80"),
		SellerFee:       decimal.RequireFromString("8"),
		DeliveryOption:  order.DeliveryVault,
		ShippingAddress: "1 Test St",
	}, order.ListingSnapshot{Title: "Vault Card"})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := orders.Transition(ctx, order.TransitionParams{
		OrderID: o.ID, From: order.StatusPending, To: order.StatusPaid,
		Action: actionlog.TypePaymentCaptured, ActorType: actionlog.ActorSystem,
	}); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	repo := NewRepository(pool)
	if _, err := pool.Exec(ctx, `
UPDATE orders
SET shipping_requested_at = now(), shipping_requested_by = buyer_id,
    buyer_approved_shipping = true, seller_approved_shipping = true
WHERE id = $1`, o.ID); err != nil {
		t.Fatalf("seed approvals: %v", err)
	}
	before, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	claimed, ok, err := repo.Claim(ctx, o.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.Version != before.Version+1 {
		t.Errorf("expected claim to bump version %d -> %d, got %d", before.Version, before.Version+1, claimed.Version)
	}
	if _, err := pool.Exec(ctx, `
UPDATE orders
SET status = 'disputed', escrow_status = 'disputed', escrow_held_amount = NULL,
    shipment_claimed_at = now() - interval '1 hour'
WHERE id = $1`, o.ID); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	if _, err := repo.Complete(ctx, o.ID, "TRK-LATE"); err == nil {
		t.Fatalf("expected completion on disputed order to be refused")
	}

	carrier := &fakeCarrier{}
	n, err := NewService(repo, carrier, nil, nil).ResumeStale(ctx, time.Minute, 500)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if carrier.count() != 0 {
		t.Fatalf("expected carrier untouched, got %d calls (resumed %d)", carrier.count(), n)
	}
	after, err := repo.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.ShipmentClaimedAt != nil || after.TrackingNumber != nil {
		t.Errorf("expected released claim and no tracking, got claim=%v tracking=%v", after.ShipmentClaimedAt, after.TrackingNumber)
	}
	if after.Version != claimed.Version+1 {
		t.Errorf("expected claim release to bump version to %d, got %d", claimed.Version+1, after.Version)
	}
}
