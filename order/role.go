package order

// Role is the acting party's relation to an order, resolved once per request.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// ResolveRole maps actorID onto the order's buyer or seller.
func ResolveRole(o Order, actorID string) (Role, error) {
	switch {
	case actorID == "":
		return "", ErrUnauthorized
	case actorID == o.BuyerID:
		return RoleBuyer, nil
	case actorID == o.SellerID:
		return RoleSeller, nil
	default:
		return "", ErrUnauthorized
	}
}

// Counterparty returns the user id of the other party.
func (r Role) Counterparty(o Order) string {
	if r == RoleBuyer {
		return o.SellerID
	}
	return o.BuyerID
}
