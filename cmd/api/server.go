package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/actionlog"
	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/httpx"
	"escrowflow/order"
	"escrowflow/settlement"
	"escrowflow/shipping"
)

type orderAPI interface {
	Get(ctx context.Context, id string) (order.Order, error)
	Timeline(ctx context.Context, id string) ([]actionlog.Action, error)
	Create(ctx context.Context, in order.NewOrder) (order.Order, error)
	MarkPaid(ctx context.Context, id, paymentRef string) (order.Order, error)
	MarkShipped(ctx context.Context, id, actorID, trackingNumber string) (order.Order, error)
	MarkDelivered(ctx context.Context, id string) (order.Order, error)
	Cancel(ctx context.Context, id, actorID, reason string) (order.Order, error)
}

type settlementAPI interface {
	Confirm(ctx context.Context, orderID, actorID string) (settlement.Result, error)
}

type disputeAPI interface {
	OpenDispute(ctx context.Context, orderID, actorID, reason string) (dispute.Opened, error)
	ApplyResolution(ctx context.Context, res dispute.Resolution) (order.Order, error)
	ListEscalations(ctx context.Context, orderID string, limit int) ([]dispute.Escalation, error)
}

type shippingAPI interface {
	RequestShipping(ctx context.Context, orderID, actorID string) (order.Order, error)
	ApproveShipping(ctx context.Context, orderID, actorID string) (order.Order, error)
}

type server struct {
	orders     orderAPI
	settlement settlementAPI
	disputes   disputeAPI
	shipping   shippingAPI
	verifier   auth.Verifier
	logger     *zap.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.Middleware(s.verifier))

		api.Route("/orders/{id}", func(o chi.Router) {
			o.Get("/", s.getOrder)
			o.Get("/actions", s.listActions)
			o.Post("/confirm", s.confirm)
			o.Post("/disputes", s.openDispute)
			o.Post("/ship", s.markShipped)
			o.Post("/shipping/request", s.requestShipping)
			o.Post("/shipping/approve", s.approveShipping)
		})

		api.Group(func(admin chi.Router) {
			admin.Use(auth.RequireAdmin)
			admin.Post("/admin/orders/{id}/resolution", s.resolve)
			admin.Get("/admin/escalations", s.listEscalations)

			admin.Post("/system/orders", s.createOrder)
			admin.Post("/system/orders/{id}/paid", s.markPaid)
			admin.Post("/system/orders/{id}/delivered", s.markDelivered)
			admin.Post("/system/orders/{id}/cancel", s.cancel)
		})
	})
	return r
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func actor(r *http.Request) string {
	id, _ := auth.IdentityFromContext(r.Context())
	return id.UserID
}

func (s *server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !canView(r, o) {
		s.writeErr(w, r, order.ErrUnauthorized)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "order": toOrderJSON(o)})
}

func (s *server) listActions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !canView(r, o) {
		s.writeErr(w, r, order.ErrUnauthorized)
		return
	}
	actions, err := s.orders.Timeline(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]actionJSON, 0, len(actions))
	for _, a := range actions {
		out = append(out, toActionJSON(a))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "actions": out})
}

func canView(r *http.Request, o order.Order) bool {
	id, _ := auth.IdentityFromContext(r.Context())
	if id.IsAdmin() {
		return true
	}
	_, err := order.ResolveRole(o, id.UserID)
	return err == nil
}

func (s *server) confirm(w http.ResponseWriter, r *http.Request) {
	res, err := s.settlement.Confirm(r.Context(), chi.URLParam(r, "id"), actor(r))
	if errors.Is(err, order.ErrSettlementBlocked) {
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
			"request_id": httpx.RequestID(r),
			"order":      toOrderJSON(res.Order),
			"outcome":    res.Outcome,
			"blocked":    true,
		})
		return
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.RequestID(r),
		"order":      toOrderJSON(res.Order),
		"role":       res.Role,
		"outcome":    res.Outcome,
	})
}

func (s *server) openDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req, 0); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	opened, err := s.disputes.OpenDispute(r.Context(), chi.URLParam(r, "id"), actor(r), req.Reason)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"request_id": httpx.RequestID(r),
		"order":      toOrderJSON(opened.Order),
		"escalation": toEscalationJSON(opened.Escalation),
	})
}

func (s *server) markShipped(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackingNumber string `json:"tracking_number"`
	}
	if err := httpx.ReadJSON(r, &req, 0); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	o, err := s.orders.MarkShipped(r.Context(), chi.URLParam(r, "id"), actor(r), req.TrackingNumber)
	s.writeOrder(w, r, o, err)
}

func (s *server) requestShipping(w http.ResponseWriter, r *http.Request) {
	o, err := s.shipping.RequestShipping(r.Context(), chi.URLParam(r, "id"), actor(r))
	s.writeOrder(w, r, o, err)
}

func (s *server) approveShipping(w http.ResponseWriter, r *http.Request) {
	o, err := s.shipping.ApproveShipping(r.Context(), chi.URLParam(r, "id"), actor(r))
	s.writeOrder(w, r, o, err)
}

func (s *server) resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome dispute.Outcome `json:"outcome"`
		Note    string          `json:"note"`
	}
	if err := httpx.ReadJSON(r, &req, 0); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	o, err := s.disputes.ApplyResolution(r.Context(), dispute.Resolution{
		OrderID: chi.URLParam(r, "id"),
		AdminID: actor(r),
		Outcome: req.Outcome,
		Note:    req.Note,
	})
	s.writeOrder(w, r, o, err)
}

func (s *server) listEscalations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	escs, err := s.disputes.ListEscalations(r.Context(), r.URL.Query().Get("orderId"), limit)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	out := make([]escalationJSON, 0, len(escs))
	for _, e := range escs {
		out = append(out, toEscalationJSON(e))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "escalations": out})
}

func (s *server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingID       string               `json:"listing_id"`
		BuyerID         string               `json:"buyer_id"`
		SellerID        string               `json:"seller_id"`
		Price           decimal.Decimal      `json:"price"`
		BuyerFee        decimal.Decimal      `json:"buyer_fee"`
		SellerFee       decimal.Decimal      `json:"seller_fee"`
		DeliveryOption  order.DeliveryOption `json:"delivery_option"`
		ShippingAddress string               `json:"shipping_address"`
	}
	if err := httpx.ReadJSON(r, &req, 0); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	o, err := s.orders.Create(r.Context(), order.NewOrder{
		ListingID:       req.ListingID,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		Price:           req.Price,
		BuyerFee:        req.BuyerFee,
		SellerFee:       req.SellerFee,
		DeliveryOption:  req.DeliveryOption,
		ShippingAddress: req.ShippingAddress,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"request_id": httpx.RequestID(r), "order": toOrderJSON(o)})
}

func (s *server) markPaid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentRef string `json:"payment_ref"`
	}
	if err := httpx.ReadJSON(r, &req, 0); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	o, err := s.orders.MarkPaid(r.Context(), chi.URLParam(r, "id"), req.PaymentRef)
	s.writeOrder(w, r, o, err)
}

func (s *server) markDelivered(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	s.writeOrder(w, r, o, err)
}

func (s *server) cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req, 0); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	o, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "id"), actor(r), req.Reason)
	s.writeOrder(w, r, o, err)
}

func (s *server) writeOrder(w http.ResponseWriter, r *http.Request, o order.Order, err error) {
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"request_id": httpx.RequestID(r), "order": toOrderJSON(o)})
}

func (s *server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	httpx.WriteError(w, r, status, code, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, order.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, order.ErrUnauthorized):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, order.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, order.ErrConcurrentModification):
		return http.StatusConflict, "conflict"
	case errors.Is(err, order.ErrSettlementBlocked):
		return http.StatusConflict, "settlement_blocked"
	case errors.Is(err, order.ErrLedgerFailure):
		return http.StatusBadGateway, "ledger_failure"
	case errors.Is(err, shipping.ErrCarrier):
		return http.StatusBadGateway, "carrier_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
