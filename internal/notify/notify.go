// Package notify is the error-notification channel. Notifications are fire
// and forget: senders never see delivery failures.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notifier reports operational problems to operators.
type Notifier interface {
	Notify(ctx context.Context, message, detail string)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) {}

// Log writes notifications to a zap logger.
type Log struct {
	lg *zap.Logger
}

// NewLog creates a logging Notifier.
func NewLog(lg *zap.Logger) *Log {
	return &Log{lg: lg}
}

func (l *Log) Notify(_ context.Context, message, detail string) {
	l.lg.Error(message, zap.String("detail", detail))
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message, detail string) {
	for _, n := range m {
		n.Notify(ctx, message, detail)
	}
}

// Alert is the payload published to the alerts topic.
type Alert struct {
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Kafka publishes notifications to a Kafka topic for an external alerting
// consumer.
type Kafka struct {
	writer  *kafka.Writer
	source  string
	timeout time.Duration
	lg      *zap.Logger
}

// NewKafka creates a Kafka notifier writing to topic.
func NewKafka(brokers []string, topic, source string, lg *zap.Logger) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		source:  source,
		timeout: 5 * time.Second,
		lg:      lg,
	}
}

func (k *Kafka) Notify(ctx context.Context, message, detail string) {
	value, err := json.Marshal(Alert{
		Message:    message,
		Detail:     detail,
		Source:     k.source,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		k.lg.Warn("Marshal alert failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.timeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(k.source), Value: value}); err != nil {
		k.lg.Warn("Publish alert failed", zap.String("message", message), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}
