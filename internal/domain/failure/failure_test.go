package failure

import (
	"fmt"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"validation", fmt.Errorf("cart: %w", ErrValidation), KindValidation},
		{"not found", errors.Wrap(ErrNotFound, "load order"), KindNotFound},
		{"unauthorized", ErrUnauthorized, KindUnauthorized},
		{"forbidden", ErrForbidden, KindForbidden},
		{"conflict", ErrConflict, KindConflict},
		{"stock", ErrInsufficientStock, KindInsufficientStock},
		{"transition", ErrInvalidTransition, KindInvalidTransition},
		{"audit", ErrAuditLog, KindAuditLog},
		{"unexpected", errors.New("connection reset"), KindPersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsBusiness(t *testing.T) {
	assert.True(t, IsBusiness(ErrInsufficientStock))
	assert.True(t, IsBusiness(ErrInvalidTransition))
	assert.False(t, IsBusiness(nil))
	assert.False(t, IsBusiness(ErrAuditLog))
	assert.False(t, IsBusiness(errors.New("boom")))
}

func TestPersistence_KeepsCause(t *testing.T) {
	cause := errors.New("broken pipe")
	err := Persistence(cause, "commit")

	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, "commit: broken pipe", err.Error())
	assert.Nil(t, Persistence(nil, "noop"))
}

func TestConflict_KeepsCause(t *testing.T) {
	cause := errors.New("could not serialize access")
	err := Conflict(cause, "commit")

	require.ErrorIs(t, err, ErrConflict)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestAuditLog_KeepsCause(t *testing.T) {
	cause := errors.New("audit table locked")
	err := AuditLog(cause, "record")

	require.ErrorIs(t, err, ErrAuditLog)
	require.ErrorIs(t, err, cause)
	assert.Equal(t, KindAuditLog, KindOf(err))
	assert.False(t, IsBusiness(err))
}
