package order

// transitions is the forward-only lifecycle graph. Settlement may complete an
// order from any active state because vault orders never ship.
var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusRefunded},
	StatusPaid:      {StatusShipped, StatusCompleted, StatusDisputed, StatusRefunded},
	StatusShipped:   {StatusDelivered, StatusCompleted, StatusDisputed},
	StatusDelivered: {StatusCompleted, StatusDisputed},
	StatusDisputed:  {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further lifecycle transition is legal.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// IsActive reports whether funds are captured and the order awaits settlement.
func (s Status) IsActive() bool {
	return s == StatusPaid || s == StatusShipped || s == StatusDelivered
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCompleted, StatusDisputed, StatusRefunded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the escrow has been paid out either way.
func (e EscrowStatus) IsTerminal() bool {
	return e == EscrowReleased || e == EscrowRefunded
}
