package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected is a permanent refusal by the ledger; retrying cannot help.
	ErrRejected = errors.New("ledger: transfer rejected")
	// ErrExhausted is returned once every retry attempt has failed.
	ErrExhausted = errors.New("ledger: transfer retries exhausted")
	// ErrInterrupted means the caller went away before retries ran out. The
	// marker stays pending for the sweeper.
	ErrInterrupted = errors.New("ledger: settle interrupted")
	// ErrDuplicateTransfer means a marker already exists for the order.
	ErrDuplicateTransfer = errors.New("ledger: duplicate transfer")
)

// TransferRequest moves escrowed funds to the seller.
type TransferRequest struct {
	OrderID        string
	IdempotencyKey string
	FromAccount    string
	ToAccount      string
	Amount         decimal.Decimal
}

// RefundRequest returns escrowed funds to the buyer.
type RefundRequest struct {
	OrderID        string
	IdempotencyKey string
	ToAccount      string
	Amount         decimal.Decimal
}

// Gateway is the external ledger. Implementations must deduplicate on
// IdempotencyKey so a replayed call never pays twice.
type Gateway interface {
	Transfer(ctx context.Context, req TransferRequest) error
	Refund(ctx context.Context, req RefundRequest) error
}
