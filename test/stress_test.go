package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/actionlog"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/order"
	"escrowflow/settlement"
	"escrowflow/shipping"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/fakes"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flOrders      = flag.Int("orders", 40, "number of seeded orders")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

type services struct {
	orders     *order.Service
	settlement *settlement.Service
	sweeper    *settlement.Sweeper
	disputes   *dispute.Service
	shipping   *shipping.Service
	ledger     *fakes.Ledger
	carrier    *fakes.Carrier
}

func wire(pool *pgxpool.Pool) services {
	gw := fakes.NewLedger(10)
	carrier := fakes.NewCarrier(8)
	transfers := ledger.NewRepository(pool)
	settler := ledger.NewSettler(gw, transfers, "platform-escrow", ledger.Policy{
		MaxAttempts:     3,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}, nil)

	settle := settlement.NewService(settlement.NewRepository(pool), settler, nil, nil)
	return services{
		orders:     order.NewService(order.NewRepository(pool), actionlog.NewReader(pool), listing.NewRepository(pool), settler, nil, nil),
		settlement: settle,
		sweeper:    settlement.NewSweeper(settle, transfers, settlement.SweepConfig{RetryGrace: time.Second, BatchSize: 50}, nil),
		disputes:   dispute.NewService(dispute.NewRepository(pool), settler, nil, nil),
		shipping:   shipping.NewService(shipping.NewRepository(pool), carrier, nil, nil),
		ledger:     gw,
		carrier:    carrier,
	}
}

func TestEscrowConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Skipf("no postgres available: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	svc := wire(pool)
	targets := mustSeed(t, ctx, pool, svc.orders, *flOrders)

	var stats actors.Stats
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// buyers and sellers racing to confirm the same orders
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Confirmer(ctx2, svc.settlement, targets, &stats, stop) })
		g.Go(func() error { return actors.ShippingApprover(ctx2, svc.shipping, targets, &stats, stop) })
	}
	g.Go(func() error { return actors.Disputer(ctx2, svc.disputes, targets, &stats, stop) })
	g.Go(func() error { return actors.Disputer(ctx2, svc.disputes, targets, &stats, stop) })
	g.Go(func() error { return actors.Resolver(ctx2, svc.disputes, "admin-stress", &stats, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, svc.sweeper, &stats, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, infra.AppName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finalCancel()
	if name, row, err := oracles.Run(finalCtx, pool); err != nil || name != "" {
		dumpRecent(t, finalCtx, pool)
		t.Fatalf("final oracle %s failed: %s %v (seed=%d)", name, row, err, seed)
	}
	if conflicts := svc.ledger.Conflicts(); len(conflicts) > 0 {
		t.Fatalf("ledger paid out and refunded the same orders: %v (seed=%d)", conflicts, seed)
	}
	t.Logf("calls=%d unexpected_errors=%d", stats.Calls.Load(), stats.Unexpected.Load())
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// mustSeed creates n paid orders, a third of them vault-held, each with its
// own buyer and seller.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, orders *order.Service, n int) []actors.Target {
	t.Helper()
	targets := make([]actors.Target, 0, n)
	for i := 0; i < n; i++ {
		seller := fmt.Sprintf("seller-%d-%d", i, rand.Int63())
		buyer := fmt.Sprintf("buyer-%d-%d", i, rand.Int63())

		var listingID string
		if err := pool.QueryRow(ctx,
			`INSERT INTO listings (seller_id, title, condition, grade) VALUES ($1, $2, 'near_mint', 'PSA 9') RETURNING id::text`,
			seller, fmt.Sprintf("Stress Card #%d", i),
		).Scan(&listingID); err != nil {
			t.Fatalf("seed listing: %v", err)
		}

		delivery := order.DeliveryShip
		if i%3 == 0 {
			delivery = order.DeliveryVault
		}
		o, err := orders.Create(ctx, order.NewOrder{
			ListingID:       listingID,
			BuyerID:         buyer,
			Price:           decimal.NewFromInt(int64(50 + rand.Intn(450))),
			BuyerFee:        decimal.RequireFromString("4.99"),
			SellerFee:       decimal.RequireFromString("7.50"),
			DeliveryOption:  delivery,
			ShippingAddress: fmt.Sprintf("%d Stress Ave", i),
		})
		if err != nil {
			t.Fatalf("seed order: %v", err)
		}
		if _, err := orders.MarkPaid(ctx, o.ID, fmt.Sprintf("pay_%d", i)); err != nil {
			t.Fatalf("seed payment: %v", err)
		}
		targets = append(targets, actors.Target{
			OrderID:  o.ID,
			BuyerID:  buyer,
			SellerID: seller,
			Vault:    delivery == order.DeliveryVault,
		})
	}
	return targets
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"order_actions", `SELECT order_id, seq, action_type, actor_type, created_at FROM order_actions ORDER BY id DESC LIMIT 50`},
		{"orders", `SELECT id, status, escrow_status, escrow_held_amount::text, buyer_confirmed_at, seller_confirmed_at FROM orders ORDER BY updated_at DESC LIMIT 20`},
		{"ledger_transfers", `SELECT order_id, kind, status, attempts, last_error FROM ledger_transfers ORDER BY updated_at DESC LIMIT 50`},
		{"escalations", `SELECT order_id, escalation_type, escalated_by, created_at FROM escalations ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
