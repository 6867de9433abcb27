package order

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no order row exists for the identifier.
	ErrNotFound = errors.New("order: not found")
	// ErrUnauthorized means the actor is neither buyer nor seller of the order.
	ErrUnauthorized = errors.New("order: actor is not a party to the order")
	// ErrInvalidTransition means the operation is illegal for the stored state.
	ErrInvalidTransition = errors.New("order: invalid transition")
	// ErrSettlementBlocked is returned when a confirmation arrives for a disputed
	// or already settled order. The confirmation itself may have been recorded.
	ErrSettlementBlocked = errors.New("order: settlement blocked")
	// ErrLedgerFailure means the ledger transfer did not succeed after retries.
	// The release marker stays in place and the order is flagged for attention.
	ErrLedgerFailure = errors.New("order: ledger transfer failed")
	// ErrConcurrentModification means a conditional update lost a race.
	ErrConcurrentModification = errors.New("order: concurrent modification")
	// ErrInvalidInput rejects malformed requests before any state is read.
	ErrInvalidInput = errors.New("order: invalid input")
)

// RetryOnConflict runs fn and, if it lost a conditional-update race, runs it
// exactly once more. fn is expected to re-read the row it mutates.
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if !errors.Is(err, ErrConcurrentModification) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fn(ctx)
}
