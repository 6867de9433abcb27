package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"escrowflow/actionlog"
	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/notify"
)

// Store is the order persistence used by Service.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	Create(ctx context.Context, in NewOrder, snap ListingSnapshot) (Order, error)
	Transition(ctx context.Context, p TransitionParams) (Order, error)
	Cancel(ctx context.Context, p CancelParams) (Order, *ledger.Transfer, error)
}

// TimelineReader lists an order's actions.
type TimelineReader interface {
	List(ctx context.Context, orderID string) ([]actionlog.Action, error)
}

// Settler pushes a committed marker to the ledger.
type Settler interface {
	Settle(ctx context.Context, t ledger.Transfer) error
}

// Service runs the lifecycle steps that happen outside settlement: creation,
// payment capture, direct shipping, delivery and cancellation.
type Service struct {
	store    Store
	timeline TimelineReader
	listings listing.Reader
	settler  Settler
	notifier notify.Dispatcher
	logger   *zap.Logger
}

func NewService(store Store, timeline TimelineReader, listings listing.Reader, settler Settler, notifier notify.Dispatcher, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		timeline: timeline,
		listings: listings,
		settler:  settler,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.store.Get(ctx, id)
}

// Timeline returns the order's actions in canonical order.
func (s *Service) Timeline(ctx context.Context, id string) ([]actionlog.Action, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.timeline.List(ctx, id)
}

// Create opens an order against a listing and snapshots its display fields.
func (s *Service) Create(ctx context.Context, in NewOrder) (Order, error) {
	if in.DeliveryOption == "" {
		in.DeliveryOption = DeliveryShip
	}
	snap, err := s.listings.Get(ctx, in.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Order{}, fmt.Errorf("%w: unknown listing %s", ErrInvalidInput, in.ListingID)
		}
		return Order{}, fmt.Errorf("order: read listing: %w", err)
	}
	if in.SellerID == "" {
		in.SellerID = snap.SellerID
	}
	if err := validateNewOrder(in, snap); err != nil {
		return Order{}, err
	}

	o, err := s.store.Create(ctx, in, ListingSnapshot{
		Title:     snap.Title,
		Condition: snap.Condition,
		Grade:     snap.Grade,
		ImageURL:  snap.ImageURL,
	})
	if err != nil {
		return Order{}, err
	}
	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("listing_id", o.ListingID),
		zap.String("price", o.Price.StringFixed(2)),
	)
	return o, nil
}

func validateNewOrder(in NewOrder, snap listing.Snapshot) error {
	switch {
	case in.ListingID == "" || in.BuyerID == "" || in.SellerID == "":
		return fmt.Errorf("%w: listing, buyer and seller are required", ErrInvalidInput)
	case in.BuyerID == in.SellerID:
		return fmt.Errorf("%w: buyer and seller must differ", ErrInvalidInput)
	case snap.SellerID != "" && snap.SellerID != in.SellerID:
		return fmt.Errorf("%w: seller does not own listing", ErrInvalidInput)
	case in.Price.IsNegative() || in.BuyerFee.IsNegative() || in.SellerFee.IsNegative():
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidInput)
	case in.SellerFee.GreaterThan(in.Price):
		return fmt.Errorf("%w: seller fee exceeds price", ErrInvalidInput)
	case in.DeliveryOption != DeliveryShip && in.DeliveryOption != DeliveryVault:
		return fmt.Errorf("%w: unknown delivery option %q", ErrInvalidInput, in.DeliveryOption)
	case strings.TrimSpace(in.ShippingAddress) == "":
		return fmt.Errorf("%w: shipping address is required", ErrInvalidInput)
	}
	return nil
}

// MarkPaid records payment capture: pending -> paid.
func (s *Service) MarkPaid(ctx context.Context, id, paymentRef string) (Order, error) {
	var out Order
	err := RetryOnConflict(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, StatusPaid) {
			return ErrInvalidTransition
		}
		out, err = s.store.Transition(ctx, TransitionParams{
			OrderID:   id,
			From:      o.Status,
			To:        StatusPaid,
			Action:    actionlog.TypePaymentCaptured,
			ActorType: actionlog.ActorSystem,
			Details:   map[string]any{"payment_ref": paymentRef, "amount": o.Price.Add(o.BuyerFee).StringFixed(2)},
		})
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.send(ctx, out.SellerID, notify.EventPaymentCaptured, out)
	return out, nil
}

// MarkShipped records the seller's direct shipment: paid -> shipped. Vault
// orders ship through the consent handshake instead.
func (s *Service) MarkShipped(ctx context.Context, id, actorID, trackingNumber string) (Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if trackingNumber == "" {
		return Order{}, fmt.Errorf("%w: tracking number is required", ErrInvalidInput)
	}

	var out Order
	err := RetryOnConflict(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		role, err := ResolveRole(o, actorID)
		if err != nil {
			return err
		}
		if role != RoleSeller {
			return ErrUnauthorized
		}
		if o.DeliveryOption != DeliveryShip || o.Status != StatusPaid || !CanTransition(o.Status, StatusShipped) {
			return ErrInvalidTransition
		}
		out, err = s.store.Transition(ctx, TransitionParams{
			OrderID:        id,
			From:           StatusPaid,
			To:             StatusShipped,
			Action:         actionlog.TypeShipped,
			ActorID:        actorID,
			ActorType:      actionlog.ActorUser,
			TrackingNumber: &trackingNumber,
			Details:        map[string]any{"tracking_number": trackingNumber},
		})
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.send(ctx, out.BuyerID, notify.EventShipped, out)
	return out, nil
}

// MarkDelivered records carrier delivery: shipped -> delivered.
func (s *Service) MarkDelivered(ctx context.Context, id string) (Order, error) {
	var out Order
	err := RetryOnConflict(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, StatusDelivered) {
			return ErrInvalidTransition
		}
		out, err = s.store.Transition(ctx, TransitionParams{
			OrderID:   id,
			From:      StatusShipped,
			To:        StatusDelivered,
			Action:    actionlog.TypeDelivered,
			ActorType: actionlog.ActorSystem,
		})
		return err
	})
	return out, err
}

// Cancel refunds an order that is still pending or paid. A captured payment
// is returned to the buyer through the ledger after commit.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (Order, error) {
	var (
		out    Order
		marker *ledger.Transfer
	)
	err := RetryOnConflict(ctx, func(ctx context.Context) error {
		o, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if o.EscrowStatus != EscrowPending || !CanTransition(o.Status, StatusRefunded) {
			return ErrInvalidTransition
		}
		p := CancelParams{
			OrderID:   id,
			From:      o.Status,
			ActorID:   actorID,
			ActorType: actionlog.ActorAdmin,
			Reason:    reason,
		}
		if actorID == "" {
			p.ActorType = actionlog.ActorSystem
		}
		if o.Status == StatusPaid {
			p.Refund = &ledger.NewTransfer{
				OrderID:   id,
				Kind:      ledger.KindRefund,
				ToAccount: o.BuyerID,
				Amount:    o.BuyerRefund(),
			}
		}
		out, marker, err = s.store.Cancel(ctx, p)
		return err
	})
	if err != nil {
		return Order{}, err
	}

	s.send(ctx, out.BuyerID, notify.EventRefunded, out)
	s.send(ctx, out.SellerID, notify.EventRefunded, out)

	if marker != nil {
		if err := s.settler.Settle(ctx, *marker); err != nil {
			return out, fmt.Errorf("%w: %v", ErrLedgerFailure, err)
		}
	}
	return out, nil
}

func (s *Service) send(ctx context.Context, userID string, event notify.Event, o Order) {
	if err := s.notifier.Send(ctx, userID, event, map[string]any{"order_id": o.ID, "status": string(o.Status)}); err != nil {
		s.logger.Warn("notification failed", zap.String("order_id", o.ID), zap.String("event", string(event)), zap.Error(err))
	}
}
