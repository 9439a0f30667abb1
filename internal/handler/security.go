package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/api"
	"github.com/xenking/kart-orders/internal/domain/auth"
)

// HeaderAPIKey carries the ops API key.
const HeaderAPIKey = "api_key"

type keyInfoKey struct{}

// KeyFromContext returns the authenticated key, if any.
func KeyFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(keyInfoKey{}).(*auth.APIKeyInfo)
	return info, ok
}

func (h *Handler) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, err := h.authn.Authenticate(ctx, r.Header.Get(HeaderAPIKey))
			if err == nil && !info.HasScope(scope) {
				err = auth.ErrScope
			}
			if err != nil {
				writeResult(ctx, w, failed[any](api.StatusCode(err), err.Error()))
				return
			}

			ctx = zctx.With(context.WithValue(ctx, keyInfoKey{}, info), zap.String("api_key_id", info.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
