package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrCarrier wraps any failure reported by the carrier.
var ErrCarrier = errors.New("shipping: carrier failure")

// Item is one card leaving the vault.
type Item struct {
	OrderID   string `json:"order_id"`
	ListingID string `json:"listing_id"`
	Title     string `json:"title"`
	Condition string `json:"condition,omitempty"`
	Grade     string `json:"grade,omitempty"`
}

// ShipmentRequest is handed to the carrier once both parties approved.
type ShipmentRequest struct {
	Reference string `json:"reference"`
	Address   string `json:"address"`
	Items     []Item `json:"items"`
}

// Carrier creates physical shipments.
type Carrier interface {
	CreateShipment(ctx context.Context, req ShipmentRequest) (string, error)
}

type CarrierConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPCarrier talks to the carrier's REST API.
type HTTPCarrier struct {
	client *resty.Client
}

func NewHTTPCarrier(cfg CarrierConfig) *HTTPCarrier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(timeout)
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPCarrier{client: client}
}

type shipmentResponse struct {
	TrackingNumber string `json:"tracking_number"`
}

func (c *HTTPCarrier) CreateShipment(ctx context.Context, req ShipmentRequest) (string, error) {
	var out shipmentResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.Reference).
		SetBody(req).
		SetResult(&out).
		Post("/v1/shipments")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCarrier, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: status %d", ErrCarrier, resp.StatusCode())
	}
	if out.TrackingNumber == "" {
		return "", fmt.Errorf("%w: empty tracking number", ErrCarrier)
	}
	return out.TrackingNumber, nil
}
