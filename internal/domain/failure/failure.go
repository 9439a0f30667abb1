// Package failure defines the error taxonomy shared by the order and
// inventory domains. Domain packages declare their own sentinels and typed
// errors that match one of the kinds below via errors.Is.
package failure

import (
	"github.com/go-faster/errors"
)

// Taxonomy sentinels.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPersistence       = errors.New("persistence failure")
	ErrAuditLog          = errors.New("audit log failure")
)

// Kind classifies an error into the taxonomy.
type Kind string

const (
	KindNone              Kind = ""
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
	KindInsufficientStock Kind = "insufficient_stock"
	KindInvalidTransition Kind = "invalid_transition"
	KindPersistence       Kind = "persistence"
	KindAuditLog          Kind = "audit_log"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrUnauthorized, KindUnauthorized},
	{ErrForbidden, KindForbidden},
	{ErrConflict, KindConflict},
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrInvalidTransition, KindInvalidTransition},
	{ErrAuditLog, KindAuditLog},
	{ErrPersistence, KindPersistence},
}

// KindOf returns the taxonomy kind of err. Errors that match no sentinel are
// unexpected and classify as KindPersistence; nil classifies as KindNone.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindPersistence
}

// IsBusiness reports whether err is an expected business outcome rather
// than an infrastructure fault.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindNone, KindPersistence, KindAuditLog:
		return false
	default:
		return true
	}
}

// Persistence wraps an unexpected error so it matches ErrPersistence while
// keeping the original cause in the chain.
func Persistence(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistence) {
		return errors.Wrap(err, msg)
	}
	return &wrapped{kind: ErrPersistence, msg: msg, cause: err}
}

// Conflict wraps err so it matches ErrConflict.
func Conflict(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: ErrConflict, msg: msg, cause: err}
}

// AuditLog wraps err so it matches ErrAuditLog.
func AuditLog(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuditLog) {
		return errors.Wrap(err, msg)
	}
	return &wrapped{kind: ErrAuditLog, msg: msg, cause: err}
}

type wrapped struct {
	kind  error
	msg   string
	cause error
}

func (w *wrapped) Error() string {
	return w.msg + ": " + w.cause.Error()
}

func (w *wrapped) Is(target error) bool {
	return target == w.kind
}

func (w *wrapped) Unwrap() error {
	return w.cause
}
