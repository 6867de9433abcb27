package dispute

import (
	"time"

	"escrowflow/order"
)

// EscalationType records which party raised the dispute.
type EscalationType string

const (
	EscalationBuyer  EscalationType = "buyer_dispute"
	EscalationSeller EscalationType = "seller_dispute"
)

// TypeFor maps the acting role onto its escalation type.
func TypeFor(role order.Role) EscalationType {
	if role == order.RoleSeller {
		return EscalationSeller
	}
	return EscalationBuyer
}

// Escalation mirrors the escalations table. Rows are read by the
// administrative workflow and never resolved here.
type Escalation struct {
	ID          string
	OrderID     string
	Type        EscalationType
	EscalatedBy string
	Reason      string
	CreatedAt   time.Time
}

// Outcome is the administrative decision on a disputed order.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Resolution is submitted by the admin collaborator.
type Resolution struct {
	OrderID string
	AdminID string
	Outcome Outcome
	Note    string
}

// Opened is the result of a successful OpenDispute.
type Opened struct {
	Order      order.Order
	Escalation Escalation
	// Flipped is false when the order was already disputed and this call
	// only added an escalation.
	Flipped bool
}
