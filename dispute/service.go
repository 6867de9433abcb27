package dispute

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"escrowflow/ledger"
	"escrowflow/notify"
	"escrowflow/order"
)

// Store is the persistence the dispute subsystem depends on.
type Store interface {
	Get(ctx context.Context, id string) (order.Order, error)
	Open(ctx context.Context, p OpenParams) (Opened, error)
	ApplyResolution(ctx context.Context, res Resolution) (order.Order, ledger.Transfer, error)
	ListEscalations(ctx context.Context, orderID string, limit int) ([]Escalation, error)
}

// Settler pushes a committed marker to the ledger.
type Settler interface {
	Settle(ctx context.Context, t ledger.Transfer) error
}

type Service struct {
	store    Store
	settler  Settler
	notifier notify.Dispatcher
	logger   *zap.Logger
}

func NewService(store Store, settler Settler, notifier notify.Dispatcher, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, settler: settler, notifier: notifier, logger: logger}
}

// OpenDispute freezes settlement and hands the order to adjudication. A
// dispute on an already disputed order is recorded as another escalation.
func (s *Service) OpenDispute(ctx context.Context, orderID, actorID, reason string) (Opened, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Opened{}, fmt.Errorf("%w: reason is required", order.ErrInvalidInput)
	}

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Opened{}, err
	}
	role, err := order.ResolveRole(o, actorID)
	if err != nil {
		return Opened{}, err
	}
	if o.EscrowStatus != order.EscrowDisputed && !o.Status.IsActive() {
		return Opened{}, order.ErrInvalidTransition
	}

	opened, err := s.store.Open(ctx, OpenParams{
		OrderID: orderID,
		ActorID: actorID,
		Type:    TypeFor(role),
		Reason:  reason,
	})
	if err != nil {
		return Opened{}, err
	}

	s.logger.Info("dispute opened",
		zap.String("order_id", orderID),
		zap.String("actor_id", actorID),
		zap.String("escalation_id", opened.Escalation.ID),
		zap.Bool("flipped", opened.Flipped),
	)
	s.send(ctx, role.Counterparty(opened.Order), notify.EventDisputeOpened, opened.Order)
	return opened, nil
}

// ApplyResolution is the admin collaborator's entry point: it behaves like a
// privileged release or refund of a disputed escrow.
func (s *Service) ApplyResolution(ctx context.Context, res Resolution) (order.Order, error) {
	if res.AdminID == "" {
		return order.Order{}, fmt.Errorf("%w: admin id is required", order.ErrInvalidInput)
	}
	if res.Outcome != OutcomeRelease && res.Outcome != OutcomeRefund {
		return order.Order{}, fmt.Errorf("%w: unknown outcome %q", order.ErrInvalidInput, res.Outcome)
	}

	o, err := s.store.Get(ctx, res.OrderID)
	if err != nil {
		return order.Order{}, err
	}
	if o.EscrowStatus != order.EscrowDisputed {
		return order.Order{}, order.ErrInvalidTransition
	}

	resolved, marker, err := s.store.ApplyResolution(ctx, res)
	if err != nil {
		return order.Order{}, err
	}

	s.logger.Info("dispute resolved",
		zap.String("order_id", resolved.ID),
		zap.String("admin_id", res.AdminID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("amount", marker.Amount.StringFixed(2)),
	)
	s.send(ctx, resolved.BuyerID, notify.EventDisputeResolved, resolved)
	s.send(ctx, resolved.SellerID, notify.EventDisputeResolved, resolved)

	if err := s.settler.Settle(ctx, marker); err != nil {
		return resolved, fmt.Errorf("%w: %v", order.ErrLedgerFailure, err)
	}
	return resolved, nil
}

// ListEscalations returns escalations for orderID, or the most recent ones
// across all orders when orderID is empty.
func (s *Service) ListEscalations(ctx context.Context, orderID string, limit int) ([]Escalation, error) {
	if orderID != "" {
		if _, err := s.store.Get(ctx, orderID); err != nil {
			return nil, err
		}
	}
	return s.store.ListEscalations(ctx, orderID, limit)
}

func (s *Service) send(ctx context.Context, userID string, event notify.Event, o order.Order) {
	payload := map[string]any{"order_id": o.ID, "escrow_status": string(o.EscrowStatus)}
	if err := s.notifier.Send(ctx, userID, event, payload); err != nil {
		s.logger.Warn("notification failed",
			zap.String("order_id", o.ID),
			zap.String("user_id", userID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}
