// Package handler serves the operations HTTP surface: health probes and the
// reconciliation endpoints used by operators and schedulers.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/api"
	"github.com/xenking/kart-orders/internal/domain/auth"
	"github.com/xenking/kart-orders/internal/domain/order"
)

// Orders is the subset of api.Orders used by the ops endpoints.
type Orders interface {
	GetOrder(ctx context.Context, orderID string, actor order.Actor) api.Result[*order.Order]
	CountOrders(ctx context.Context, f order.Filter) api.Result[int]
	ExpireUnpaidOrder(ctx context.Context, orderID string) api.Result[bool]
	RestockOrderItems(ctx context.Context, orderID string) api.Result[bool]
}

// Sweeper runs every registered sweep once and reports how many tasks each
// enqueued.
type Sweeper interface {
	RunOnceNow(ctx context.Context) map[string]int
}

// Authenticator resolves an API key.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

// Probes serves liveness and readiness.
type Probes interface {
	LiveEndpoint(w http.ResponseWriter, r *http.Request)
	ReadyEndpoint(w http.ResponseWriter, r *http.Request)
}

// Handler holds the ops endpoint dependencies.
type Handler struct {
	orders  Orders
	sweeper Sweeper
	authn   Authenticator
	probes  Probes
}

// New creates a Handler.
func New(orders Orders, sweeper Sweeper, authn Authenticator, probes Probes) *Handler {
	return &Handler{
		orders:  orders,
		sweeper: sweeper,
		authn:   authn,
		probes:  probes,
	}
}

// Router builds the chi router with probes at the root and the API-key
// protected endpoints under /ops.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/livez", h.probes.LiveEndpoint)
	r.Get("/readyz", h.probes.ReadyEndpoint)
	r.Route("/ops", h.Routes)
	return r
}

// Routes wires the /ops endpoints onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.requireScope(auth.ScopeOrdersRead))
		r.Get("/orders/count", h.countOrders)
		r.Get("/orders/{id}", h.getOrder)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.requireScope(auth.ScopeOrdersAdmin))
		r.Post("/orders/{id}/expire", h.expireOrder)
		r.Post("/orders/{id}/restock", h.restockOrder)
		r.Post("/sweep", h.sweep)
	})
}

func writeResult[T any](ctx context.Context, w http.ResponseWriter, res api.Result[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		zctx.From(ctx).Warn("Write response", zap.Error(err))
	}
}

func failed[T any](status int, message string) api.Result[T] {
	return api.Result[T]{Message: message, StatusCode: status}
}

func okResult[T any](v T) api.Result[T] {
	return api.Result[T]{Success: true, Message: "ok", StatusCode: http.StatusOK, Value: v}
}
