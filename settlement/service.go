package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"escrowflow/actionlog"
	"escrowflow/ledger"
	"escrowflow/notify"
	"escrowflow/order"
)

// Outcome describes what a confirm call achieved.
type Outcome string

const (
	// OutcomeConfirmed means the confirmation was recorded and the other
	// party has not confirmed yet.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeAlreadyConfirmed is an idempotent replay; nothing changed.
	OutcomeAlreadyConfirmed Outcome = "already_confirmed"
	// OutcomeReleased means the escrow is released, by this call or a
	// concurrent one.
	OutcomeReleased Outcome = "released"
	// OutcomeBlocked means release is frozen by a dispute or the order is
	// already settled.
	OutcomeBlocked Outcome = "blocked"
)

// Result is returned from Confirm alongside any error.
type Result struct {
	Order   order.Order
	Role    order.Role
	Outcome Outcome
}

// Store is the conditional-write surface the protocol depends on.
type Store interface {
	Get(ctx context.Context, id string) (order.Order, error)
	RecordConfirmation(ctx context.Context, p ConfirmParams) (order.Order, bool, error)
	Release(ctx context.Context, orderID, triggeredBy string) (order.Order, *ledger.Transfer, error)
	ListAwaitingCounterparty(ctx context.Context, cutoff time.Time, limit int) ([]order.Order, error)
	ListStranded(ctx context.Context, limit int) ([]order.Order, error)
}

// Settler pushes a committed release marker to the ledger.
type Settler interface {
	Settle(ctx context.Context, t ledger.Transfer) error
}

// Service implements dual confirmation. All coordination between the two
// parties happens in Store's conditional updates; the service holds no
// shared state.
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

// Confirm records actorID's confirmation and releases the escrow when both
// parties have confirmed. It never waits on the other party.
//
// A settled order rejects the call with ErrSettlementBlocked before anything
// is written. A confirmation on a disputed order is recorded but also returns
// ErrSettlementBlocked with OutcomeBlocked. When the ledger transfer fails
// after retries the order stays released and ErrLedgerFailure is returned.
func (s *Service) Confirm(ctx context.Context, orderID, actorID string) (Result, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	role, err := order.ResolveRole(o, actorID)
	if err != nil {
		return Result{}, err
	}
	return s.confirm(ctx, o, role, actorID, actionlog.ActorUser)
}

func (s *Service) confirm(ctx context.Context, o order.Order, role order.Role, actorID string, actorType actionlog.ActorType) (Result, error) {
	log := s.logger.With(
		zap.String("order_id", o.ID),
		zap.String("actor_id", actorID),
		zap.String("role", string(role)),
	)

	if o.Status.IsTerminal() || o.EscrowStatus.IsTerminal() {
		log.Info("confirmation ignored, order already settled", zap.String("status", string(o.Status)))
		return Result{Order: o, Role: role, Outcome: OutcomeBlocked}, order.ErrSettlementBlocked
	}
	if o.ConfirmedAt(role) != nil {
		return Result{Order: o, Role: role, Outcome: OutcomeAlreadyConfirmed}, nil
	}
	if o.Status == order.StatusPending {
		return Result{Order: o, Role: role}, order.ErrInvalidTransition
	}

	updated, recorded, err := s.store.RecordConfirmation(ctx, ConfirmParams{
		OrderID:   o.ID,
		Role:      role,
		ActorID:   actorID,
		ActorType: actorType,
	})
	if err != nil {
		return Result{Order: o, Role: role}, err
	}
	if !recorded {
		if !updated.Status.IsTerminal() && !updated.EscrowStatus.IsTerminal() && updated.ConfirmedAt(role) != nil {
			return Result{Order: updated, Role: role, Outcome: OutcomeAlreadyConfirmed}, nil
		}
		// Settled between our read and the conditional write.
		log.Info("confirmation ignored, order settled concurrently", zap.String("status", string(updated.Status)))
		return Result{Order: updated, Role: role, Outcome: OutcomeBlocked}, order.ErrSettlementBlocked
	}

	if updated.EscrowStatus == order.EscrowDisputed {
		log.Info("confirmation recorded on disputed order, release blocked")
		return Result{Order: updated, Role: role, Outcome: OutcomeBlocked}, order.ErrSettlementBlocked
	}
	if !updated.BothConfirmed() {
		s.send(ctx, role.Counterparty(updated), notify.EventConfirmationPending, updated)
		return Result{Order: updated, Role: role, Outcome: OutcomeConfirmed}, nil
	}
	return s.release(ctx, updated, role, actorID)
}

func (s *Service) release(ctx context.Context, o order.Order, role order.Role, triggeredBy string) (Result, error) {
	log := s.logger.With(zap.String("order_id", o.ID))

	released, marker, err := s.store.Release(ctx, o.ID, triggeredBy)
	if err != nil {
		return Result{Order: o, Role: role, Outcome: OutcomeConfirmed}, err
	}
	if marker == nil {
		switch released.EscrowStatus {
		case order.EscrowReleased:
			return Result{Order: released, Role: role, Outcome: OutcomeReleased}, nil
		case order.EscrowDisputed:
			log.Info("release lost to a dispute")
			return Result{Order: released, Role: role, Outcome: OutcomeBlocked}, order.ErrSettlementBlocked
		default:
			return Result{Order: released, Role: role, Outcome: OutcomeConfirmed}, nil
		}
	}

	log.Info("escrow released",
		zap.String("amount", marker.Amount.StringFixed(2)),
		zap.String("seller_id", released.SellerID),
	)
	s.send(ctx, released.BuyerID, notify.EventFundsReleased, released)
	s.send(ctx, released.SellerID, notify.EventFundsReleased, released)

	res := Result{Order: released, Role: role, Outcome: OutcomeReleased}
	if err := s.settler.Settle(ctx, *marker); err != nil {
		return res, fmt.Errorf("%w: %v", order.ErrLedgerFailure, err)
	}
	return res, nil
}

func (s *Service) send(ctx context.Context, userID string, event notify.Event, o order.Order) {
	payload := map[string]any{"order_id": o.ID, "status": string(o.Status)}
	if err := s.notifier.Send(ctx, userID, event, payload); err != nil {
		s.logger.Warn("notification failed",
			zap.String("order_id", o.ID),
			zap.String("user_id", userID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}
