package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event names a notification a party can receive.
type Event string

const (
	EventConfirmationPending Event = "confirmation_pending"
	EventFundsReleased       Event = "funds_released"
	EventRefunded            Event = "refunded"
	EventDisputeOpened       Event = "dispute_opened"
	EventDisputeResolved     Event = "dispute_resolved"
	EventShippingRequested   Event = "shipping_requested"
	EventShippingApproved    Event = "shipping_approved"
	EventShipped             Event = "shipped"
	EventPaymentCaptured     Event = "payment_captured"
)

// Dispatcher delivers best-effort alerts to a user.
type Dispatcher interface {
	Send(ctx context.Context, userID string, event Event, payload map[string]any) error
}

// Message is the JSON document published for each notification.
type Message struct {
	UserID  string         `json:"user_id"`
	Event   Event          `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// RedisDispatcher publishes notifications on a per-user channel.
type RedisDispatcher struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDispatcher(client redis.UniversalClient, prefix string) *RedisDispatcher {
	if prefix == "" {
		prefix = "escrow:notify"
	}
	return &RedisDispatcher{client: client, prefix: prefix}
}

// Channel is the pub/sub channel carrying userID's notifications.
func (d *RedisDispatcher) Channel(userID string) string {
	return d.prefix + ":" + userID
}

func (d *RedisDispatcher) Send(ctx context.Context, userID string, event Event, payload map[string]any) error {
	if userID == "" {
		return fmt.Errorf("notify: missing user id")
	}
	body, err := json.Marshal(Message{UserID: userID, Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if err := d.client.Publish(ctx, d.Channel(userID), body).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", event, err)
	}
	return nil
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Send(context.Context, string, Event, map[string]any) error { return nil }
