package events

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher writes events to a Kafka topic keyed by order id, so all
// events of one order land on the same partition in outbox order.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher creates a publisher for topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// Publish writes the batch synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, batch []Event) error {
	msgs := make([]kafka.Message, len(batch))
	for i, e := range batch {
		msgs[i] = kafka.Message{
			Key:   []byte(e.OrderID),
			Value: Marshal(e),
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "kind", Value: []byte(e.Kind)},
			},
		}
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrap(err, "write messages")
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// KafkaConsumer reads events from a topic with a consumer group and hands
// them to a Handler on a pool of workers. Offsets are committed only after
// the handler succeeds.
type KafkaConsumer struct {
	r       *kafka.Reader
	workers int
	lg      *zap.Logger
}

// NewKafkaConsumer creates a consumer.
func NewKafkaConsumer(brokers []string, groupID, topic string, workers int, lg *zap.Logger) *KafkaConsumer {
	if workers <= 0 {
		workers = 1
	}
	return &KafkaConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0,
		}),
		workers: workers,
		lg:      lg,
	}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context, h Handler) error {
	defer func() {
		if err := c.r.Close(); err != nil {
			c.lg.Warn("Close kafka reader", zap.Error(err))
		}
	}()

	jobs := make(chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for range c.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, h, m)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch message")
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	lg := c.lg.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	e, err := Unmarshal(m.Value)
	if err != nil {
		// Undecodable messages are skipped; retrying cannot fix them.
		lg.Error("Drop malformed event", zap.Error(err))
	} else if err := h(ctx, e); err != nil {
		lg.Error("Handle event failed", zap.String("kind", e.Kind), zap.String("order_id", e.OrderID), zap.Error(err))
		return
	}

	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		lg.Warn("Commit offset failed", zap.Error(err))
	}
}

// LocalPublisher delivers events to an in-process handler. It is used when
// no broker is configured.
type LocalPublisher struct {
	h Handler
}

// NewLocalPublisher creates a LocalPublisher.
func NewLocalPublisher(h Handler) *LocalPublisher {
	return &LocalPublisher{h: h}
}

// Publish calls the handler for every event in order and stops at the first
// failure.
func (p *LocalPublisher) Publish(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		if err := p.h(ctx, e); err != nil {
			return errors.Wrapf(err, "handle event %d", e.ID)
		}
	}
	return nil
}
