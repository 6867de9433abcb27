package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSettle_RetriesThenSettles(t *testing.T) {
	gw := &fakeGateway{failures: 2}
	store := &fakeStore{}
	s := NewSettler(gw, store, "escrow", fastPolicy(5), nil)

	if err := s.Settle(context.Background(), releaseMarker()); err != nil {
		t.Fatalf("expected settle to succeed, got %v", err)
	}
	if gw.transfers != 3 {
		t.Errorf("expected 3 transfer calls, got %d", gw.transfers)
	}
	if store.settledAttempts != 3 {
		t.Errorf("expected marker settled after 3 attempts, got %d", store.settledAttempts)
	}
	if store.failed {
		t.Errorf("expected marker not to be failed")
	}
	for _, key := range gw.keys {
		if key != "order-1:release" {
			t.Errorf("expected stable idempotency key, got %q", key)
		}
	}
	if gw.from != "escrow" {
		t.Errorf("expected transfer from escrow account, got %q", gw.from)
	}
}

func TestSettle_ExhaustionFlagsOrder(t *testing.T) {
	gw := &fakeGateway{failures: 100}
	store := &fakeStore{}
	s := NewSettler(gw, store, "escrow", fastPolicy(3), nil)

	err := s.Settle(context.Background(), releaseMarker())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if gw.transfers != 3 {
		t.Errorf("expected 3 attempts, got %d", gw.transfers)
	}
	if !store.failed || store.failedAttempts != 3 {
		t.Errorf("expected marker failed after 3 attempts, got failed=%v attempts=%d", store.failed, store.failedAttempts)
	}
}

func TestSettle_CancelledCallerLeavesMarkerPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := &fakeGateway{failures: 100, onCall: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	store := &fakeStore{}
	s := NewSettler(gw, store, "escrow", Policy{MaxAttempts: 10, InitialInterval: 50 * time.Millisecond, MaxInterval: 50 * time.Millisecond}, nil)

	err := s.Settle(ctx, releaseMarker())
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Errorf("expected interruption not to count as exhaustion")
	}
	if store.failed {
		t.Errorf("expected marker left pending, got failed after %d attempts", store.failedAttempts)
	}
	if store.settledAttempts != 0 {
		t.Errorf("expected marker not settled")
	}
	if gw.transfers >= 10 {
		t.Errorf("expected retries cut short, got %d calls", gw.transfers)
	}
}

func TestSettle_RejectionIsNotRetried(t *testing.T) {
	gw := &fakeGateway{err: ErrRejected}
	store := &fakeStore{}
	s := NewSettler(gw, store, "escrow", fastPolicy(5), nil)

	err := s.Settle(context.Background(), releaseMarker())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if gw.transfers != 1 {
		t.Errorf("expected a single attempt, got %d", gw.transfers)
	}
}

func TestSettle_RefundUsesRefundCall(t *testing.T) {
	gw := &fakeGateway{}
	store := &fakeStore{}
	s := NewSettler(gw, store, "escrow", fastPolicy(2), nil)

	m := releaseMarker()
	m.Kind = KindRefund
	m.IdempotencyKey = IdempotencyKey(m.OrderID, KindRefund)
	if err := s.Settle(context.Background(), m); err != nil {
		t.Fatalf("expected refund to settle, got %v", err)
	}
	if gw.refunds != 1 || gw.transfers != 0 {
		t.Errorf("expected one refund and no transfer, got refunds=%d transfers=%d", gw.refunds, gw.transfers)
	}
}

func TestSettle_AlreadySettledIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	s := NewSettler(gw, &fakeStore{}, "escrow", fastPolicy(2), nil)

	m := releaseMarker()
	m.Status = StatusSettled
	if err := s.Settle(context.Background(), m); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if gw.transfers != 0 {
		t.Errorf("expected no ledger call for a settled marker")
	}
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func releaseMarker() Transfer {
	return Transfer{
		ID:             "transfer-1",
		OrderID:        "order-1",
		Kind:           KindRelease,
		IdempotencyKey: IdempotencyKey("order-1", KindRelease),
		ToAccount:      "seller-1",
		Amount:         decimal.RequireFromString("95.00"),
		Status:         StatusPending,
	}
}

type fakeGateway struct {
	mu        sync.Mutex
	failures  int
	err       error
	transfers int
	refunds   int
	keys      []string
	from      string
	onCall    func(n int)
}

func (f *fakeGateway) Transfer(ctx context.Context, req TransferRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers++
	f.keys = append(f.keys, req.IdempotencyKey)
	f.from = req.FromAccount
	if f.onCall != nil {
		f.onCall(f.transfers)
	}
	return f.next()
}

func (f *fakeGateway) Refund(ctx context.Context, req RefundRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	f.keys = append(f.keys, req.IdempotencyKey)
	return f.next()
}

func (f *fakeGateway) next() error {
	if f.err != nil {
		return f.err
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("ledger unavailable")
	}
	return nil
}

type fakeStore struct {
	settledAttempts int
	failedAttempts  int
	failed          bool
}

func (f *fakeStore) MarkSettled(ctx context.Context, t Transfer, attempts int) error {
	f.settledAttempts = attempts
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, t Transfer, attempts int, cause string) error {
	f.failed = true
	f.failedAttempts = attempts
	return nil
}
