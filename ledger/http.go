package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPConfig points the gateway at the ledger service.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPGateway calls the ledger's REST API. Every request carries the
// transfer's idempotency key so the ledger can answer replays with 409.
type HTTPGateway struct {
	client *resty.Client
}

func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &HTTPGateway{client: client}
}

type transferBody struct {
	OrderID     string `json:"order_id"`
	FromAccount string `json:"from_account,omitempty"`
	ToAccount   string `json:"to_account"`
	Amount      string `json:"amount"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *HTTPGateway) Transfer(ctx context.Context, req TransferRequest) error {
	return g.post(ctx, "/v1/transfers", req.IdempotencyKey, transferBody{
		OrderID:     req.OrderID,
		FromAccount: req.FromAccount,
		ToAccount:   req.ToAccount,
		Amount:      req.Amount.StringFixed(2),
	})
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) error {
	return g.post(ctx, "/v1/refunds", req.IdempotencyKey, transferBody{
		OrderID:   req.OrderID,
		ToAccount: req.ToAccount,
		Amount:    req.Amount.StringFixed(2),
	})
}

func (g *HTTPGateway) post(ctx context.Context, path, key string, body transferBody) error {
	if key == "" {
		return fmt.Errorf("ledger: missing idempotency key")
	}

	var apiErr errorBody
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", key).
		SetBody(body).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return fmt.Errorf("ledger: post %s: %w", path, err)
	}

	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict:
		// Replay of an already applied key.
		return nil
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrRejected, apiErr.Code, apiErr.Message)
	default:
		return fmt.Errorf("ledger: post %s: status %d", path, code)
	}
}
