// Package events carries order mutation events from the transactional
// outbox to their consumers.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Event kinds.
const (
	KindOrderCreated       = "order.created"
	KindOrderStatusChanged = "order.status_changed"
	KindOrderRestocked     = "order.restocked"
	KindOrderDeleted       = "order.deleted"
	KindOrderRestored      = "order.restored"
)

// Event records that an order changed.
type Event struct {
	ID         int64
	Kind       string
	OrderID    string
	CustomerID string
	Status     string
	OccurredAt time.Time
}

// Encode writes the event as a JSON object.
func (e Event) Encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("id")
	enc.Int64(e.ID)
	enc.FieldStart("kind")
	enc.Str(e.Kind)
	enc.FieldStart("order_id")
	enc.Str(e.OrderID)
	if e.CustomerID != "" {
		enc.FieldStart("customer_id")
		enc.Str(e.CustomerID)
	}
	if e.Status != "" {
		enc.FieldStart("status")
		enc.Str(e.Status)
	}
	enc.FieldStart("occurred_at")
	enc.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	enc.ObjEnd()
}

// Decode reads an event written by Encode. Unknown fields are skipped.
func (e *Event) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			e.ID, err = d.Int64()
		case "kind":
			e.Kind, err = d.Str()
		case "order_id":
			e.OrderID, err = d.Str()
		case "customer_id":
			e.CustomerID, err = d.Str()
		case "status":
			e.Status, err = d.Str()
		case "occurred_at":
			var s string
			if s, err = d.Str(); err == nil {
				e.OccurredAt, err = time.Parse(time.RFC3339Nano, s)
			}
		default:
			err = d.Skip()
		}
		return errors.Wrapf(err, "decode %q", key)
	})
}

// Marshal encodes the event to JSON bytes.
func Marshal(e Event) []byte {
	var enc jx.Encoder
	e.Encode(&enc)
	return enc.Bytes()
}

// Unmarshal decodes JSON bytes into an event.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := e.Decode(jx.DecodeBytes(data)); err != nil {
		return Event{}, err
	}
	if e.Kind == "" || e.OrderID == "" {
		return Event{}, errors.New("event kind and order id are required")
	}
	return e, nil
}

// Handler consumes events.
type Handler func(ctx context.Context, e Event) error

// Publisher delivers events to consumers.
type Publisher interface {
	Publish(ctx context.Context, batch []Event) error
}

// Outbox stores events written inside order transactions until they are
// published.
type Outbox interface {
	// Append must join the transaction carried by ctx.
	Append(ctx context.Context, e Event) error
	// Pending returns up to limit unpublished events in id order, locking them
	// against concurrent relays for the current transaction.
	Pending(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []int64) error
}
