package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-orders/internal/domain/order"
)

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := order.SystemActor
	if info, ok := KeyFromContext(ctx); ok {
		actor = order.Admin(info.ID)
	}
	writeResult(ctx, w, h.orders.GetOrder(ctx, chi.URLParam(r, "id"), actor))
}

func (h *Handler) countOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeResult(ctx, w, failed[int](http.StatusBadRequest, err.Error()))
		return
	}
	writeResult(ctx, w, h.orders.CountOrders(ctx, f))
}

func (h *Handler) expireOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeResult(ctx, w, h.orders.ExpireUnpaidOrder(ctx, chi.URLParam(r, "id")))
}

func (h *Handler) restockOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeResult(ctx, w, h.orders.RestockOrderItems(ctx, chi.URLParam(r, "id")))
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enqueued := h.sweeper.RunOnceNow(ctx)
	writeResult(ctx, w, okResult(enqueued))
}

// parseFilter reads customer_id, status (repeatable or comma separated),
// created_from, created_to (RFC 3339) and include_deleted.
func parseFilter(q url.Values) (order.Filter, error) {
	f := order.Filter{CustomerID: q.Get("customer_id")}

	for _, v := range q["status"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			st, err := order.ParseStatus(s)
			if err != nil {
				return order.Filter{}, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	var err error
	if f.CreatedFrom, err = parseTime(q, "created_from"); err != nil {
		return order.Filter{}, err
	}
	if f.CreatedTo, err = parseTime(q, "created_to"); err != nil {
		return order.Filter{}, err
	}

	if v := q.Get("include_deleted"); v != "" {
		if f.IncludeDeleted, err = strconv.ParseBool(v); err != nil {
			return order.Filter{}, errors.Errorf("invalid include_deleted %q", v)
		}
	}
	return f, nil
}

func parseTime(q url.Values, name string) (time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Errorf("invalid %s %q: want RFC 3339", name, v)
	}
	return t, nil
}
