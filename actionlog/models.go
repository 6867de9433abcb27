package actionlog

import "time"

// Type names one kind of order mutation recorded on the timeline.
type Type string

const (
	TypeCreated           Type = "created"
	TypePaymentCaptured   Type = "payment_captured"
	TypeShipped           Type = "shipped"
	TypeDelivered         Type = "delivered"
	TypeBuyerConfirmed    Type = "buyer_confirmed"
	TypeSellerConfirmed   Type = "seller_confirmed"
	TypeDisputed          Type = "disputed"
	TypeFundsReleased     Type = "funds_released"
	TypeRefunded          Type = "refunded"
	TypeAdminAction       Type = "admin_action"
	TypeShippingRequested Type = "shipping_requested"
	TypeShippingApproved  Type = "shipping_approved"
)

// ActorType classifies who caused the action.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
)

// Entry is the write-side shape handed to Append.
type Entry struct {
	OrderID   string
	Type      Type
	ActorID   string
	ActorType ActorType
	Details   map[string]any
}

// Action is one immutable row of an order's timeline.
type Action struct {
	ID        int64
	OrderID   string
	Seq       int
	Type      Type
	ActorID   *string
	ActorType ActorType
	Details   []byte
	CreatedAt time.Time
}
