// Package audit records who changed what. Entries are written inside the
// transaction of the change they describe.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xenking/kart-orders/internal/domain/failure"
)

// Kind attributes an entry to the kind of actor that caused it.
type Kind string

const (
	KindAdmin    Kind = "admin"
	KindCustomer Kind = "customer"
)

// Entry is one record of the operation log.
type Entry struct {
	ID          int64
	Description string
	Kind        Kind
	ActorID     string
	SubjectID   string
	CreatedAt   time.Time
}

// Repository persists entries. Insert must join the transaction carried by
// ctx.
type Repository interface {
	Insert(ctx context.Context, e Entry) error
	ListBySubject(ctx context.Context, subjectID string) ([]Entry, error)
}

// Recorder validates and stores audit entries.
type Recorder struct {
	repo Repository
	now  func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo, now: time.Now}
}

// Record stores an entry. Every failure matches failure.ErrAuditLog.
func (r *Recorder) Record(ctx context.Context, description string, kind Kind, actorID, subjectID string) error {
	if strings.TrimSpace(description) == "" || actorID == "" || subjectID == "" {
		return fmt.Errorf("incomplete audit entry: %w", failure.ErrAuditLog)
	}
	err := r.repo.Insert(ctx, Entry{
		Description: description,
		Kind:        kind,
		ActorID:     actorID,
		SubjectID:   subjectID,
		CreatedAt:   r.now().UTC(),
	})
	if err != nil {
		return failure.AuditLog(err, "insert audit entry")
	}
	return nil
}
