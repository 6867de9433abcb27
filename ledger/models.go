package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the settlement outcome a transfer pays out.
type Kind string

const (
	KindRelease Kind = "release"
	KindRefund  Kind = "refund"
)

// Status tracks delivery of a transfer to the ledger.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
	StatusFailed  Status = "failed"
)

// Transfer mirrors the ledger_transfers table. A row is the release or refund
// marker written in the same transaction that flips the escrow state; the
// ledger call itself happens after commit and may be retried any number of
// times against IdempotencyKey.
type Transfer struct {
	ID             string
	OrderID        string
	Kind           Kind
	IdempotencyKey string
	ToAccount      string
	Amount         decimal.Decimal
	Status         Status
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SettledAt      *time.Time
}

// NewTransfer is the write-side shape of a marker.
type NewTransfer struct {
	OrderID   string
	Kind      Kind
	ToAccount string
	Amount    decimal.Decimal
}

// IdempotencyKey is the release-once token the ledger deduplicates on.
func IdempotencyKey(orderID string, kind Kind) string {
	return orderID + ":" + string(kind)
}
