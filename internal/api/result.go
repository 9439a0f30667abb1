// Package api exposes the order workflows to transports as calls that never
// fail: every outcome, including panics, is folded into a Result carrying an
// HTTP-style status code.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/failure"
	"github.com/xenking/kart-orders/internal/domain/order"
)

// Result is the outcome of an exposed operation.
type Result[T any] struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	StatusCode int      `json:"status_code"`
	Warnings   []string `json:"warnings,omitempty"`
	Value      T        `json:"value"`
}

const internalMessage = "internal error"

// StatusCode maps err onto an HTTP status code.
func StatusCode(err error) int {
	var qtyErr *order.InvalidQuantityError
	if errors.As(err, &qtyErr) {
		return http.StatusUnprocessableEntity
	}

	switch failure.KindOf(err) {
	case failure.KindNone:
		return http.StatusOK
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindUnauthorized:
		return http.StatusUnauthorized
	case failure.KindForbidden:
		return http.StatusForbidden
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindConflict, failure.KindInvalidTransition, failure.KindInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// call runs fn and converts its outcome. Infrastructure failures are
// reported to the notifier and hidden behind a generic message.
func call[T any](ctx context.Context, o *Orders, op string, fn func() (Result[T], error)) (res Result[T]) {
	defer func() {
		if r := recover(); r != nil {
			zctx.From(ctx).Error("Panic in order operation",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			o.notifier.Notify(ctx, op+" panicked", fmt.Sprint(r))
			res = Result[T]{Message: internalMessage, StatusCode: http.StatusInternalServerError}
		}
	}()

	res, err := fn()
	if err == nil {
		return res
	}

	code := StatusCode(err)
	if code < http.StatusInternalServerError {
		return Result[T]{Message: err.Error(), StatusCode: code}
	}

	zctx.From(ctx).Error("Order operation failed", zap.String("op", op), zap.Error(err))
	o.notifier.Notify(ctx, op+" failed", err.Error())
	return Result[T]{Message: internalMessage, StatusCode: code}
}
