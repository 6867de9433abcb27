package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"escrowflow/notify"
	"escrowflow/order"
)

// Store is the persistence behind the consent handshake.
type Store interface {
	Get(ctx context.Context, id string) (order.Order, error)
	RecordRequest(ctx context.Context, orderID, actorID string) (order.Order, bool, error)
	RecordApproval(ctx context.Context, orderID string, role order.Role, actorID string) (order.Order, bool, error)
	Claim(ctx context.Context, orderID string) (order.Order, bool, error)
	ReleaseClaim(ctx context.Context, orderID string) error
	Complete(ctx context.Context, orderID, trackingNumber string) (order.Order, error)
	ListStaleClaims(ctx context.Context, cutoff time.Time, limit int) ([]order.Order, error)
}

// Service runs the two-party consent gate in front of the carrier for
// vault-held cards. Approvals are write-once and cannot be revoked.
type Service struct {
	store    Store
	carrier  Carrier
	notifier notify.Dispatcher
	logger   *zap.Logger
}

func NewService(store Store, carrier Carrier, notifier notify.Dispatcher, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, carrier: carrier, notifier: notifier, logger: logger}
}

func checkEligible(o order.Order) error {
	if o.DeliveryOption != order.DeliveryVault {
		return order.ErrInvalidTransition
	}
	switch o.Status {
	case order.StatusPaid, order.StatusShipped, order.StatusDelivered, order.StatusCompleted:
	default:
		return order.ErrInvalidTransition
	}
	if o.EscrowStatus == order.EscrowDisputed || o.EscrowStatus == order.EscrowRefunded {
		return order.ErrInvalidTransition
	}
	return nil
}

func (s *Service) load(ctx context.Context, orderID, actorID string) (order.Order, order.Role, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return order.Order{}, "", err
	}
	role, err := order.ResolveRole(o, actorID)
	if err != nil {
		return order.Order{}, "", err
	}
	if err := checkEligible(o); err != nil {
		return order.Order{}, "", err
	}
	return o, role, nil
}

// RequestShipping records the first request; later calls are no-ops.
func (s *Service) RequestShipping(ctx context.Context, orderID, actorID string) (order.Order, error) {
	o, role, err := s.load(ctx, orderID, actorID)
	if err != nil {
		return order.Order{}, err
	}
	if o.ShippingRequestedAt != nil {
		return o, nil
	}

	updated, recorded, err := s.store.RecordRequest(ctx, orderID, actorID)
	if err != nil {
		return order.Order{}, err
	}
	if !recorded {
		if updated.ShippingRequestedAt != nil {
			return updated, nil
		}
		return order.Order{}, order.ErrInvalidTransition
	}
	s.send(ctx, role.Counterparty(updated), notify.EventShippingRequested, updated)
	return updated, nil
}

// ApproveShipping records actorID's approval. Once both parties approved,
// exactly one caller wins the claim and creates the shipment. A carrier
// failure releases the claim; the next approve call retries.
func (s *Service) ApproveShipping(ctx context.Context, orderID, actorID string) (order.Order, error) {
	o, role, err := s.load(ctx, orderID, actorID)
	if err != nil {
		return order.Order{}, err
	}
	if o.ShippingRequestedAt == nil {
		return order.Order{}, order.ErrInvalidTransition
	}

	if !o.ShippingApproved(role) {
		updated, recorded, err := s.store.RecordApproval(ctx, orderID, role, actorID)
		if err != nil {
			return order.Order{}, err
		}
		if !recorded && !updated.ShippingApproved(role) {
			return order.Order{}, order.ErrInvalidTransition
		}
		o = updated
		if recorded && !o.ShippingApproved(otherRole(role)) {
			s.send(ctx, role.Counterparty(o), notify.EventShippingApproved, o)
		}
	}

	if !o.BuyerApprovedShipping || !o.SellerApprovedShipping || o.TrackingNumber != nil {
		return o, nil
	}
	return s.ship(ctx, o.ID)
}

func (s *Service) ship(ctx context.Context, orderID string) (order.Order, error) {
	claimed, ok, err := s.store.Claim(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if !ok {
		// Another caller holds or already used the claim.
		return claimed, nil
	}
	return s.dispatch(ctx, claimed)
}

func (s *Service) dispatch(ctx context.Context, o order.Order) (order.Order, error) {
	log := s.logger.With(zap.String("order_id", o.ID))

	tracking, err := s.carrier.CreateShipment(ctx, ShipmentRequest{
		Reference: o.ID,
		Address:   o.ShippingAddress,
		Items: []Item{{
			OrderID:   o.ID,
			ListingID: o.ListingID,
			Title:     o.Listing.Title,
			Condition: o.Listing.Condition,
			Grade:     o.Listing.Grade,
		}},
	})
	if err != nil {
		if relErr := s.store.ReleaseClaim(context.WithoutCancel(ctx), o.ID); relErr != nil {
			log.Error("release shipment claim", zap.Error(relErr))
		}
		log.Warn("carrier rejected shipment", zap.Error(err))
		if !errors.Is(err, ErrCarrier) {
			err = fmt.Errorf("%w: %v", ErrCarrier, err)
		}
		return o, err
	}

	shipped, err := s.store.Complete(context.WithoutCancel(ctx), o.ID, tracking)
	if err != nil {
		log.Error("shipment created but not recorded", zap.String("tracking_number", tracking), zap.Error(err))
		return o, err
	}
	log.Info("vault shipment created", zap.String("tracking_number", tracking))
	s.send(ctx, shipped.BuyerID, notify.EventShipped, shipped)
	s.send(ctx, shipped.SellerID, notify.EventShipped, shipped)
	return shipped, nil
}

// ResumeStale re-drives shipments whose claim outlived the process that
// took it. The carrier deduplicates on the order reference. A claim on an
// order that was disputed or refunded meanwhile is released, never shipped.
func (s *Service) ResumeStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.store.ListStaleClaims(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	shipped := 0
	for _, o := range stale {
		if err := checkEligible(o); err != nil {
			s.logger.Info("dropping shipment claim on ineligible order",
				zap.String("order_id", o.ID),
				zap.String("status", string(o.Status)),
				zap.String("escrow_status", string(o.EscrowStatus)),
			)
			if err := s.store.ReleaseClaim(ctx, o.ID); err != nil {
				return shipped, err
			}
			continue
		}
		if _, err := s.dispatch(ctx, o); err != nil {
			continue
		}
		shipped++
	}
	return shipped, nil
}

func otherRole(r order.Role) order.Role {
	if r == order.RoleBuyer {
		return order.RoleSeller
	}
	return order.RoleBuyer
}

func (s *Service) send(ctx context.Context, userID string, event notify.Event, o order.Order) {
	payload := map[string]any{"order_id": o.ID}
	if o.TrackingNumber != nil {
		payload["tracking_number"] = *o.TrackingNumber
	}
	if err := s.notifier.Send(ctx, userID, event, payload); err != nil {
		s.logger.Warn("notification failed",
			zap.String("order_id", o.ID),
			zap.String("user_id", userID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}
