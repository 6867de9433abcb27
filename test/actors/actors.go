package actors

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"escrowflow/dispute"
	"escrowflow/order"
	"escrowflow/settlement"
	"escrowflow/shipping"
)

// Target is one seeded order and its two parties.
type Target struct {
	OrderID  string
	BuyerID  string
	SellerID string
	Vault    bool
}

// Stats counts errors that are not domain outcomes. Under chaos these are
// mostly killed connections; the oracles decide pass or fail.
type Stats struct {
	Calls      atomic.Int64
	Unexpected atomic.Int64
}

func (s *Stats) record(err error) {
	s.Calls.Add(1)
	if err == nil {
		return
	}
	for _, known := range []error{
		order.ErrNotFound,
		order.ErrUnauthorized,
		order.ErrInvalidTransition,
		order.ErrSettlementBlocked,
		order.ErrLedgerFailure,
		order.ErrConcurrentModification,
		order.ErrInvalidInput,
		shipping.ErrCarrier,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return
		}
	}
	s.Unexpected.Add(1)
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func party(t Target) string {
	if rand.Intn(2) == 0 {
		return t.BuyerID
	}
	return t.SellerID
}

func nap(min, jitter int) {
	time.Sleep(time.Duration(min+rand.Intn(jitter)) * time.Millisecond)
}

// Confirmer has random parties confirm random orders, replays included.
func Confirmer(ctx context.Context, svc *settlement.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		t := targets[rand.Intn(len(targets))]
		_, err := svc.Confirm(ctx, t.OrderID, party(t))
		stats.record(err)
		nap(5, 20)
	}
}

// Disputer opens disputes on a small share of orders, racing the confirmers.
func Disputer(ctx context.Context, svc *dispute.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		t := targets[rand.Intn(len(targets))]
		if rand.Intn(4) == 0 {
			_, err := svc.OpenDispute(ctx, t.OrderID, party(t), "stress: item not as described")
			stats.record(err)
		}
		nap(20, 40)
	}
}

// Resolver picks recent escalations and settles them one way or the other.
func Resolver(ctx context.Context, svc *dispute.Service, adminID string, stats *Stats, stop <-chan struct{}) error {
	outcomes := []dispute.Outcome{dispute.OutcomeRelease, dispute.OutcomeRefund}
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		escs, err := svc.ListEscalations(ctx, "", 20)
		stats.record(err)
		for _, e := range escs {
			_, err := svc.ApplyResolution(ctx, dispute.Resolution{
				OrderID: e.OrderID,
				AdminID: adminID,
				Outcome: outcomes[rand.Intn(len(outcomes))],
				Note:    "stress",
			})
			stats.record(err)
		}
		nap(50, 100)
	}
}

// ShippingApprover drives the vault handshake from both sides at once.
func ShippingApprover(ctx context.Context, svc *shipping.Service, targets []Target, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		t := targets[rand.Intn(len(targets))]
		if !t.Vault {
			nap(1, 5)
			continue
		}
		actor := party(t)
		if rand.Intn(3) == 0 {
			_, err := svc.RequestShipping(ctx, t.OrderID, actor)
			stats.record(err)
		} else {
			_, err := svc.ApproveShipping(ctx, t.OrderID, actor)
			stats.record(err)
		}
		nap(5, 25)
	}
}

// Sweeper runs background passes continuously.
func Sweeper(ctx context.Context, sw *settlement.Sweeper, stats *Stats, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := sw.Run(ctx)
		stats.record(err)
		nap(100, 100)
	}
}
