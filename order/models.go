package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
)

// EscrowStatus tracks the funds held against an order.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowRefunded EscrowStatus = "refunded"
)

// DeliveryOption says whether the card is shipped directly or stays in the vault.
type DeliveryOption string

const (
	DeliveryShip  DeliveryOption = "ship"
	DeliveryVault DeliveryOption = "vault"
)

// ListingSnapshot is the listing metadata captured when the order is created,
// so later edits to the listing never rewrite order history.
type ListingSnapshot struct {
	Title     string
	Condition string
	Grade     string
	ImageURL  string
}

// Order mirrors the orders table.
type Order struct {
	ID        string
	ListingID string
	BuyerID   string
	SellerID  string

	Price            decimal.Decimal
	BuyerFee         decimal.Decimal
	SellerFee        decimal.Decimal
	EscrowHeldAmount *decimal.Decimal

	Status       Status
	EscrowStatus EscrowStatus

	BuyerConfirmedAt  *time.Time
	SellerConfirmedAt *time.Time
	FundsReleasedAt   *time.Time
	RefundedAt        *time.Time

	AdminEscalatedAt    *time.Time
	EscalationReason    *string
	AttentionRequiredAt *time.Time

	DeliveryOption  DeliveryOption
	TrackingNumber  *string
	ShippingAddress string

	ShippingRequestedAt      *time.Time
	ShippingRequestedBy      *string
	BuyerApprovedShipping    bool
	SellerApprovedShipping   bool
	BuyerShippingApprovedAt  *time.Time
	SellerShippingApprovedAt *time.Time
	ShipmentClaimedAt        *time.Time

	Listing ListingSnapshot

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SellerPayout is the amount credited to the seller on release.
func (o Order) SellerPayout() decimal.Decimal {
	return o.Price.Sub(o.SellerFee)
}

// BuyerRefund is the amount returned to the buyer on refund.
func (o Order) BuyerRefund() decimal.Decimal {
	return o.Price.Add(o.BuyerFee)
}

// ConfirmedAt returns the confirmation timestamp belonging to role.
func (o Order) ConfirmedAt(role Role) *time.Time {
	switch role {
	case RoleBuyer:
		return o.BuyerConfirmedAt
	case RoleSeller:
		return o.SellerConfirmedAt
	default:
		return nil
	}
}

// BothConfirmed reports whether buyer and seller have both confirmed.
func (o Order) BothConfirmed() bool {
	return o.BuyerConfirmedAt != nil && o.SellerConfirmedAt != nil
}

// ShippingApproved returns the approval flag belonging to role.
func (o Order) ShippingApproved(role Role) bool {
	switch role {
	case RoleBuyer:
		return o.BuyerApprovedShipping
	case RoleSeller:
		return o.SellerApprovedShipping
	default:
		return false
	}
}

// NewOrder carries the fields required to open an order.
type NewOrder struct {
	ListingID       string
	BuyerID         string
	SellerID        string
	Price           decimal.Decimal
	BuyerFee        decimal.Decimal
	SellerFee       decimal.Decimal
	DeliveryOption  DeliveryOption
	ShippingAddress string
}
