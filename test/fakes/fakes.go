// Package fakes holds in-process ledger and carrier doubles that behave
// like the real services: idempotent on their keys, occasionally failing.
package fakes

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"escrowflow/ledger"
	"escrowflow/shipping"
)

// Ledger accepts each idempotency key once and answers replays as success.
type Ledger struct {
	mu       sync.Mutex
	FailRate int // one in FailRate calls fails; zero never fails
	applied  map[string]ledger.Kind
	byOrder  map[string]map[ledger.Kind]bool
}

func NewLedger(failRate int) *Ledger {
	return &Ledger{FailRate: failRate, applied: map[string]ledger.Kind{}, byOrder: map[string]map[ledger.Kind]bool{}}
}

func (l *Ledger) Transfer(_ context.Context, req ledger.TransferRequest) error {
	return l.apply(req.OrderID, req.IdempotencyKey, ledger.KindRelease)
}

func (l *Ledger) Refund(_ context.Context, req ledger.RefundRequest) error {
	return l.apply(req.OrderID, req.IdempotencyKey, ledger.KindRefund)
}

func (l *Ledger) apply(orderID, key string, kind ledger.Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailRate > 0 && rand.Intn(l.FailRate) == 0 {
		return errors.New("ledger: injected failure")
	}
	if _, ok := l.applied[key]; ok {
		return nil
	}
	l.applied[key] = kind
	if l.byOrder[orderID] == nil {
		l.byOrder[orderID] = map[ledger.Kind]bool{}
	}
	l.byOrder[orderID][kind] = true
	return nil
}

// Conflicts lists orders that received both a payout and a refund.
func (l *Ledger) Conflicts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id, kinds := range l.byOrder {
		if kinds[ledger.KindRelease] && kinds[ledger.KindRefund] {
			out = append(out, id)
		}
	}
	return out
}

// Carrier deduplicates on the shipment reference like the real carrier.
type Carrier struct {
	mu       sync.Mutex
	FailRate int
	issued   map[string]string
	calls    map[string]int
}

func NewCarrier(failRate int) *Carrier {
	return &Carrier{FailRate: failRate, issued: map[string]string{}, calls: map[string]int{}}
}

func (c *Carrier) CreateShipment(_ context.Context, req shipping.ShipmentRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[req.Reference]++
	if c.FailRate > 0 && rand.Intn(c.FailRate) == 0 {
		return "", fmt.Errorf("%w: injected failure", shipping.ErrCarrier)
	}
	if tn, ok := c.issued[req.Reference]; ok {
		return tn, nil
	}
	tn := fmt.Sprintf("TRK-%d", len(c.issued)+1)
	c.issued[req.Reference] = tn
	return tn, nil
}

// Issued returns the tracking number created for reference, if any.
func (c *Carrier) Issued(reference string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tn, ok := c.issued[reference]
	return tn, ok
}
