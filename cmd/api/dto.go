package main

import (
	"encoding/json"
	"time"

	"escrowflow/actionlog"
	"escrowflow/dispute"
	"escrowflow/order"
)

type listingJSON struct {
	Title     string `json:"title"`
	Condition string `json:"condition,omitempty"`
	Grade     string `json:"grade,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

type orderJSON struct {
	ID                  string      `json:"id"`
	ListingID           string      `json:"listing_id"`
	BuyerID             string      `json:"buyer_id"`
	SellerID            string      `json:"seller_id"`
	Price               string      `json:"price"`
	BuyerFee            string      `json:"buyer_fee"`
	SellerFee           string      `json:"seller_fee"`
	EscrowHeldAmount    *string     `json:"escrow_held_amount"`
	Status              string      `json:"status"`
	EscrowStatus        string      `json:"escrow_status"`
	BuyerConfirmedAt    *time.Time  `json:"buyer_confirmed_at"`
	SellerConfirmedAt   *time.Time  `json:"seller_confirmed_at"`
	FundsReleasedAt     *time.Time  `json:"funds_released_at"`
	RefundedAt          *time.Time  `json:"refunded_at"`
	AdminEscalatedAt    *time.Time  `json:"admin_escalated_at"`
	EscalationReason    *string     `json:"escalation_reason"`
	AttentionRequiredAt *time.Time  `json:"attention_required_at,omitempty"`
	DeliveryOption      string      `json:"delivery_option"`
	TrackingNumber      *string     `json:"tracking_number"`
	ShippingAddress     string      `json:"shipping_address"`
	ShippingRequestedAt *time.Time  `json:"shipping_requested_at"`
	BuyerApproved       bool        `json:"buyer_approved_shipping"`
	SellerApproved      bool        `json:"seller_approved_shipping"`
	Listing             listingJSON `json:"listing"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

func toOrderJSON(o order.Order) orderJSON {
	out := orderJSON{
		ID:                  o.ID,
		ListingID:           o.ListingID,
		BuyerID:             o.BuyerID,
		SellerID:            o.SellerID,
		Price:               o.Price.StringFixed(2),
		BuyerFee:            o.BuyerFee.StringFixed(2),
		SellerFee:           o.SellerFee.StringFixed(2),
		Status:              string(o.Status),
		EscrowStatus:        string(o.EscrowStatus),
		BuyerConfirmedAt:    o.BuyerConfirmedAt,
		SellerConfirmedAt:   o.SellerConfirmedAt,
		FundsReleasedAt:     o.FundsReleasedAt,
		RefundedAt:          o.RefundedAt,
		AdminEscalatedAt:    o.AdminEscalatedAt,
		EscalationReason:    o.EscalationReason,
		AttentionRequiredAt: o.AttentionRequiredAt,
		DeliveryOption:      string(o.DeliveryOption),
		TrackingNumber:      o.TrackingNumber,
		ShippingAddress:     o.ShippingAddress,
		ShippingRequestedAt: o.ShippingRequestedAt,
		BuyerApproved:       o.BuyerApprovedShipping,
		SellerApproved:      o.SellerApprovedShipping,
		Listing: listingJSON{
			Title:     o.Listing.Title,
			Condition: o.Listing.Condition,
			Grade:     o.Listing.Grade,
			ImageURL:  o.Listing.ImageURL,
		},
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
	if o.EscrowHeldAmount != nil {
		held := o.EscrowHeldAmount.StringFixed(2)
		out.EscrowHeldAmount = &held
	}
	return out
}

type actionJSON struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"action_type"`
	ActorID   *string         `json:"actor_id"`
	ActorType string          `json:"actor_type"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

func toActionJSON(a actionlog.Action) actionJSON {
	details := json.RawMessage(a.Details)
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	return actionJSON{
		Seq:       a.Seq,
		Type:      string(a.Type),
		ActorID:   a.ActorID,
		ActorType: string(a.ActorType),
		Details:   details,
		CreatedAt: a.CreatedAt,
	}
}

type escalationJSON struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Type        string    `json:"escalation_type"`
	EscalatedBy string    `json:"escalated_by"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

func toEscalationJSON(e dispute.Escalation) escalationJSON {
	return escalationJSON{
		ID:          e.ID,
		OrderID:     e.OrderID,
		Type:        string(e.Type),
		EscalatedBy: e.EscalatedBy,
		Reason:      e.Reason,
		CreatedAt:   e.CreatedAt,
	}
}
