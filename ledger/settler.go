package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Store records the outcome of a settle attempt.
type Store interface {
	MarkSettled(ctx context.Context, t Transfer, attempts int) error
	MarkFailed(ctx context.Context, t Transfer, attempts int, cause string) error
}

// Policy bounds the retry loop around one ledger call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 200 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Second
	}
	return p
}

// Settler drives a marker to the ledger. The escrow state flip is already
// committed when Settle runs; a failure here never reverses it.
type Settler struct {
	gateway       Gateway
	store         Store
	escrowAccount string
	policy        Policy
	logger        *zap.Logger
}

func NewSettler(gateway Gateway, store Store, escrowAccount string, policy Policy, logger *zap.Logger) *Settler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{
		gateway:       gateway,
		store:         store,
		escrowAccount: escrowAccount,
		policy:        policy.withDefaults(),
		logger:        logger,
	}
}

// Settle calls the ledger with exponential backoff. On exhaustion the marker
// is marked failed, the order is flagged for attention and ErrExhausted is
// returned. If ctx ends first the marker is left pending and ErrInterrupted
// is returned.
func (s *Settler) Settle(ctx context.Context, t Transfer) error {
	if t.Status == StatusSettled {
		return nil
	}
	log := s.logger.With(
		zap.String("order_id", t.OrderID),
		zap.String("kind", string(t.Kind)),
		zap.String("idempotency_key", t.IdempotencyKey),
	)

	attempts := 0
	op := func() error {
		attempts++
		err := s.call(ctx, t)
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.InitialInterval
	b.MaxInterval = s.policy.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.policy.MaxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		log.Warn("ledger call failed, retrying", zap.Int("attempt", attempts), zap.Duration("wait", wait), zap.Error(err))
	})

	// Bookkeeping must land even if the caller's context is gone.
	storeCtx := context.WithoutCancel(ctx)
	if err == nil {
		if markErr := s.store.MarkSettled(storeCtx, t, attempts); markErr != nil {
			log.Error("ledger transfer settled but marker update failed", zap.Error(markErr))
		}
		log.Info("ledger transfer settled", zap.Int("attempts", attempts), zap.String("amount", t.Amount.StringFixed(2)))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrRejected) {
		log.Warn("ledger settle interrupted, marker left pending", zap.Int("attempts", attempts), zap.Error(ctxErr))
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	}

	if markErr := s.store.MarkFailed(storeCtx, t, attempts, err.Error()); markErr != nil {
		log.Error("mark transfer failed", zap.Error(markErr))
	}
	log.Error("ledger transfer exhausted, order flagged for attention", zap.Int("attempts", attempts), zap.Error(err))
	return fmt.Errorf("%w: %v", ErrExhausted, err)
}

func (s *Settler) call(ctx context.Context, t Transfer) error {
	switch t.Kind {
	case KindRelease:
		return s.gateway.Transfer(ctx, TransferRequest{
			OrderID:        t.OrderID,
			IdempotencyKey: t.IdempotencyKey,
			FromAccount:    s.escrowAccount,
			ToAccount:      t.ToAccount,
			Amount:         t.Amount,
		})
	case KindRefund:
		return s.gateway.Refund(ctx, RefundRequest{
			OrderID:        t.OrderID,
			IdempotencyKey: t.IdempotencyKey,
			ToAccount:      t.ToAccount,
			Amount:         t.Amount,
		})
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrRejected, t.Kind)
	}
}
