package actionlog_test

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

func TestAppend_RejectsIncompleteEntries(t *testing.T) {
	cases := []struct {
		name  string
		entry actionlog.Entry
	}{
		{"missing order", actionlog.Entry{Type: actionlog.TypeCreated}},
		{"missing type", actionlog.Entry{OrderID: "o-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// validation runs before the tx is touched
			if err := actionlog.Append(context.Background(), nil, tc.entry); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestAppend_Integration(t *testing.T) {
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
	if err := pool.QueryRow(ctx, `SELECT to_regclass('order_actions') IS NOT NULL AND to_regclass('listings') IS NOT NULL`).Scan(&ready); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !ready {
		t.Skip("database schema missing; run migrations: escrowctl migrate")
	}

	suffix := time.Now().UnixNano()
	seller := fmt.Sprintf("seller-%d", suffix)
	var listingID string
	if err := pool.QueryRow(ctx, `INSERT INTO listings (seller_id, title) VALUES ($1, 'Timeline Card') RETURNING id::text`, seller).Scan(&listingID); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	o, err := order.NewRepository(pool).Create(ctx, order.NewOrder{
		ListingID:       listingID,
		BuyerID:         fmt.Sprintf("buyer-%d", suffix),
		SellerID:        seller,
		Price:           decimal.RequireFromString("25"),
		SellerFee:       decimal.RequireFromString("2.50"),
		DeliveryOption:  order.DeliveryShip,
		ShippingAddress: "1 Test St",
	}, order.ListingSnapshot{Title: "Timeline Card"})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, typ := range []actionlog.Type{actionlog.TypeAdminAction, actionlog.TypeShippingRequested} {
		if err := actionlog.Append(ctx, tx, actionlog.Entry{OrderID: o.ID, Type: typ, ActorID: seller, ActorType: actionlog.ActorUser}); err != nil {
			_ = tx.Rollback(ctx)
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	actions, err := actionlog.NewReader(pool).List(ctx, o.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("expected created + 2 appended actions, got %d", len(actions))
	}
	for i, a := range actions {
		if a.Seq != i+1 {
			t.Errorf("action %d: expected seq %d, got %d", i, i+1, a.Seq)
		}
	}
	if actions[1].ActorID == nil || *actions[1].ActorID != seller {
		t.Errorf("expected actor %s on appended action", seller)
	}

	if _, err := pool.Exec(ctx, `DELETE FROM order_actions WHERE order_id = $1`, o.ID); err == nil {
		t.Fatalf("expected delete of timeline rows to be rejected")
	}
}
