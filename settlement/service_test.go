package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/actionlog"
	"escrowflow/ledger"
	"escrowflow/notify"
	"escrowflow/order"
)

func TestConfirm_SequentialRelease(t *testing.T) {
	store := newMemStore()
	settler := &fakeSettler{}
	notes := &fakeNotifier{}
	svc := NewService(store, settler, notes, nil)
	o := store.seed(order.StatusPaid)
	ctx := context.Background()

	res, err := svc.Confirm(ctx, o.ID, o.BuyerID)
	if err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if res.Outcome != OutcomeConfirmed || res.Order.BuyerConfirmedAt == nil {
		t.Fatalf("expected buyer confirmation recorded, got %s", res.Outcome)
	}
	if res.Order.Status != order.StatusPaid {
		t.Errorf("expected status unchanged, got %s", res.Order.Status)
	}
	if !notes.sentTo(o.SellerID, notify.EventConfirmationPending) {
		t.Errorf("expected seller to be told a confirmation is pending")
	}

	res, err = svc.Confirm(ctx, o.ID, o.SellerID)
	if err != nil {
		t.Fatalf("seller confirm: %v", err)
	}
	if res.Outcome != OutcomeReleased {
		t.Fatalf("expected release, got %s", res.Outcome)
	}
	got := res.Order
	if got.Status != order.StatusCompleted || got.EscrowStatus != order.EscrowReleased || got.FundsReleasedAt == nil {
		t.Errorf("expected completed/released, got %s/%s", got.Status, got.EscrowStatus)
	}
	if got.EscrowHeldAmount != nil {
		t.Errorf("expected held amount cleared on release")
	}
	if n := store.count(o.ID, actionlog.TypeFundsReleased); n != 1 {
		t.Errorf("expected one funds_released action, got %d", n)
	}
	if len(settler.calls()) != 1 {
		t.Fatalf("expected one ledger settle, got %d", len(settler.calls()))
	}
	marker := settler.calls()[0]
	if !marker.Amount.Equal(decimal.RequireFromString("90")) || marker.ToAccount != o.SellerID {
		t.Errorf("expected 90.00 to seller, got %s to %s", marker.Amount, marker.ToAccount)
	}
	if !notes.sentTo(o.BuyerID, notify.EventFundsReleased) || !notes.sentTo(o.SellerID, notify.EventFundsReleased) {
		t.Errorf("expected both parties notified of release")
	}
}

func TestConfirm_ConcurrentReleaseHappensOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := newMemStore()
		settler := &fakeSettler{}
		svc := NewService(store, settler, nil, nil)
		o := store.seed(order.StatusShipped)

		g, ctx := errgroup.WithContext(context.Background())
		for j := 0; j < 8; j++ {
			actor := o.BuyerID
			if j%2 == 1 {
				actor = o.SellerID
			}
			g.Go(func() error {
				_, err := svc.Confirm(ctx, o.ID, actor)
				// replays that arrive after the release see a settled order
				if errors.Is(err, order.ErrSettlementBlocked) {
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("round %d: concurrent confirm: %v", i, err)
		}

		if n := store.count(o.ID, actionlog.TypeFundsReleased); n != 1 {
			t.Fatalf("round %d: expected exactly one funds_released, got %d", i, n)
		}
		if n := len(settler.calls()); n != 1 {
			t.Fatalf("round %d: expected ledger invoked once, got %d", i, n)
		}
		if store.count(o.ID, actionlog.TypeBuyerConfirmed) != 1 || store.count(o.ID, actionlog.TypeSellerConfirmed) != 1 {
			t.Fatalf("round %d: expected one confirmation action per party", i)
		}
	}
}

func TestConfirm_Idempotent(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeSettler{}, nil, nil)
	o := store.seed(order.StatusDelivered)
	ctx := context.Background()

	first, err := svc.Confirm(ctx, o.ID, o.BuyerID)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := svc.Confirm(ctx, o.ID, o.BuyerID)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if second.Outcome != OutcomeAlreadyConfirmed {
		t.Errorf("expected replay outcome, got %s", second.Outcome)
	}
	if !first.Order.BuyerConfirmedAt.Equal(*second.Order.BuyerConfirmedAt) {
		t.Errorf("expected confirmation timestamp unchanged")
	}
	if n := store.count(o.ID, actionlog.TypeBuyerConfirmed); n != 1 {
		t.Errorf("expected one buyer_confirmed action, got %d", n)
	}
}

func TestConfirm_ReplayAfterReleaseIsBlocked(t *testing.T) {
	store := newMemStore()
	settler := &fakeSettler{}
	svc := NewService(store, settler, nil, nil)
	o := store.seed(order.StatusPaid)
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, o.ID, o.BuyerID); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	if res, err := svc.Confirm(ctx, o.ID, o.SellerID); err != nil || res.Outcome != OutcomeReleased {
		t.Fatalf("seller confirm: outcome=%s err=%v", res.Outcome, err)
	}

	res, err := svc.Confirm(ctx, o.ID, o.BuyerID)
	if !errors.Is(err, order.ErrSettlementBlocked) {
		t.Fatalf("expected ErrSettlementBlocked on a completed order, got %v", err)
	}
	if res.Outcome != OutcomeBlocked {
		t.Errorf("expected blocked outcome, got %s", res.Outcome)
	}
	if n := store.count(o.ID, actionlog.TypeBuyerConfirmed); n != 1 {
		t.Errorf("expected replay to write nothing, got %d buyer_confirmed actions", n)
	}
	if len(settler.calls()) != 1 {
		t.Errorf("expected ledger invoked once, got %d", len(settler.calls()))
	}
}

func TestConfirm_DisputeBlocksRelease(t *testing.T) {
	store := newMemStore()
	settler := &fakeSettler{}
	svc := NewService(store, settler, nil, nil)
	o := store.seed(order.StatusPaid)
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, o.ID, o.BuyerID); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	store.dispute(o.ID)

	res, err := svc.Confirm(ctx, o.ID, o.SellerID)
	if !errors.Is(err, order.ErrSettlementBlocked) {
		t.Fatalf("expected ErrSettlementBlocked, got %v", err)
	}
	if res.Outcome != OutcomeBlocked {
		t.Errorf("expected blocked outcome, got %s", res.Outcome)
	}
	if res.Order.SellerConfirmedAt == nil {
		t.Errorf("expected seller confirmation to be recorded")
	}
	if res.Order.Status == order.StatusCompleted || res.Order.EscrowStatus != order.EscrowDisputed {
		t.Errorf("expected order to stay disputed, got %s/%s", res.Order.Status, res.Order.EscrowStatus)
	}
	if len(settler.calls()) != 0 {
		t.Errorf("expected no ledger call while disputed")
	}
	if store.count(o.ID, actionlog.TypeFundsReleased) != 0 {
		t.Errorf("expected no release action")
	}
}

func TestConfirm_StrangerIsUnauthorized(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeSettler{}, nil, nil)
	o := store.seed(order.StatusPaid)

	if _, err := svc.Confirm(context.Background(), o.ID, "mallory"); !errors.Is(err, order.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := len(store.actionsFor(o.ID)); n != 0 {
		t.Errorf("expected no log entry, got %d", n)
	}
	after, _ := store.Get(context.Background(), o.ID)
	if after.Version != o.Version {
		t.Errorf("expected no state change")
	}
}

func TestConfirm_RejectsSettledAndUnpaid(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeSettler{}, nil, nil)
	ctx := context.Background()

	refunded := store.seed(order.StatusRefunded)
	if _, err := svc.Confirm(ctx, refunded.ID, refunded.SellerID); !errors.Is(err, order.ErrSettlementBlocked) {
		t.Errorf("expected ErrSettlementBlocked for refunded order, got %v", err)
	}

	pending := store.seed(order.StatusPending)
	if _, err := svc.Confirm(ctx, pending.ID, pending.BuyerID); !errors.Is(err, order.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unpaid order, got %v", err)
	}
	if _, err := svc.Confirm(ctx, "missing", "buyer-1"); !errors.Is(err, order.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirm_LedgerFailureKeepsRelease(t *testing.T) {
	store := newMemStore()
	settler := &fakeSettler{err: ledger.ErrExhausted}
	svc := NewService(store, settler, nil, nil)
	o := store.seed(order.StatusPaid)
	ctx := context.Background()

	if _, err := svc.Confirm(ctx, o.ID, o.BuyerID); err != nil {
		t.Fatalf("buyer confirm: %v", err)
	}
	res, err := svc.Confirm(ctx, o.ID, o.SellerID)
	if !errors.Is(err, order.ErrLedgerFailure) {
		t.Fatalf("expected ErrLedgerFailure, got %v", err)
	}
	if res.Order.EscrowStatus != order.EscrowReleased {
		t.Errorf("expected release marker to stand, got %s", res.Order.EscrowStatus)
	}
}

func TestConfirm_NotificationFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, &fakeSettler{}, &fakeNotifier{err: errors.New("redis down")}, nil)
	o := store.seed(order.StatusPaid)

	if _, err := svc.Confirm(context.Background(), o.ID, o.BuyerID); err != nil {
		t.Fatalf("expected notification failure to be ignored, got %v", err)
	}
}

type fakeSettler struct {
	mu      sync.Mutex
	err     error
	settled []ledger.Transfer
}

func (f *fakeSettler) Settle(ctx context.Context, t ledger.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, t)
	return f.err
}

func (f *fakeSettler) calls() []ledger.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Transfer(nil), f.settled...)
}

type sent struct {
	user  string
	event notify.Event
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []sent
}

func (f *fakeNotifier) Send(ctx context.Context, userID string, event notify.Event, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{userID, event})
	return f.err
}

func (f *fakeNotifier) sentTo(user string, event notify.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sent {
		if s.user == user && s.event == event {
			return true
		}
	}
	return false
}

// memStore applies each conditional write under one mutex, matching the
// single-statement atomicity of the SQL it stands in for.
type memStore struct {
	mu      sync.Mutex
	next    int
	orders  map[string]order.Order
	actions map[string][]actionlog.Type
	markers map[string]ledger.Transfer
}

func newMemStore() *memStore {
	return &memStore{
		orders:  map[string]order.Order{},
		actions: map[string][]actionlog.Type{},
		markers: map[string]ledger.Transfer{},
	}
}

func (m *memStore) seed(status order.Status) order.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	o := order.Order{
		ID:             "order-" + string(rune('a'+m.next)),
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		Price:          decimal.RequireFromString("100"),
		BuyerFee:       decimal.RequireFromString("5"),
		SellerFee:      decimal.RequireFromString("10"),
		Status:         status,
		EscrowStatus:   order.EscrowPending,
		DeliveryOption: order.DeliveryShip,
		Version:        1,
	}
	switch status {
	case order.StatusRefunded:
		now := time.Now()
		o.EscrowStatus = order.EscrowRefunded
		o.RefundedAt = &now
	default:
		held := o.Price
		o.EscrowHeldAmount = &held
	}
	m.orders[o.ID] = o
	return o
}

func (m *memStore) dispute(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.Status = order.StatusDisputed
	o.EscrowStatus = order.EscrowDisputed
	o.EscrowHeldAmount = nil
	o.Version++
	m.orders[id] = o
	m.actions[id] = append(m.actions[id], actionlog.TypeDisputed)
}

func (m *memStore) count(id string, typ actionlog.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions[id] {
		if a == typ {
			n++
		}
	}
	return n
}

func (m *memStore) actionsFor(id string) []actionlog.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]actionlog.Type(nil), m.actions[id]...)
}

func (m *memStore) Get(ctx context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (m *memStore) RecordConfirmation(ctx context.Context, p ConfirmParams) (order.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[p.OrderID]
	if !ok {
		return order.Order{}, false, order.ErrNotFound
	}
	if o.ConfirmedAt(p.Role) != nil || o.Status.IsTerminal() || o.Status == order.StatusPending {
		return o, false, nil
	}
	now := time.Now()
	typ := actionlog.TypeBuyerConfirmed
	if p.Role == order.RoleBuyer {
		o.BuyerConfirmedAt = &now
	} else {
		o.SellerConfirmedAt = &now
		typ = actionlog.TypeSellerConfirmed
	}
	o.Version++
	m.orders[o.ID] = o
	m.actions[o.ID] = append(m.actions[o.ID], typ)
	return o, true, nil
}

func (m *memStore) Release(ctx context.Context, orderID, triggeredBy string) (order.Order, *ledger.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return order.Order{}, nil, order.ErrNotFound
	}
	if o.EscrowStatus != order.EscrowPending || !o.BothConfirmed() || !o.Status.IsActive() {
		return o, nil, nil
	}
	now := time.Now()
	o.EscrowStatus = order.EscrowReleased
	o.Status = order.StatusCompleted
	o.FundsReleasedAt = &now
	o.EscrowHeldAmount = nil
	o.Version++
	m.orders[o.ID] = o
	m.actions[o.ID] = append(m.actions[o.ID], actionlog.TypeFundsReleased)

	marker := ledger.Transfer{
		ID:             "transfer-" + o.ID,
		OrderID:        o.ID,
		Kind:           ledger.KindRelease,
		IdempotencyKey: ledger.IdempotencyKey(o.ID, ledger.KindRelease),
		ToAccount:      o.SellerID,
		Amount:         o.SellerPayout(),
		Status:         ledger.StatusPending,
	}
	m.markers[o.ID] = marker
	return o, &marker, nil
}

func (m *memStore) ListAwaitingCounterparty(ctx context.Context, cutoff time.Time, limit int) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.EscrowStatus != order.EscrowPending || !o.Status.IsActive() {
			continue
		}
		b, s := o.BuyerConfirmedAt, o.SellerConfirmedAt
		switch {
		case b != nil && s == nil && !b.After(cutoff):
			out = append(out, o)
		case s != nil && b == nil && !s.After(cutoff):
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) ListStranded(ctx context.Context, limit int) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if o.EscrowStatus == order.EscrowPending && o.Status.IsActive() && o.BothConfirmed() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) ListUnsettled(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Transfer
	for _, t := range m.markers {
		if t.Status != ledger.StatusSettled {
			out = append(out, t)
		}
	}
	return out, nil
}
