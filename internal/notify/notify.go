// Package notify публикует события для внешнего почтового обработчика.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/smmpanel/internal/model"
)

// Notifier отправляет уведомление без ожидания доставки.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Nop ничего не отправляет. Используется, когда брокер не настроен.
type Nop struct{}

// Notify реализует Notifier.
func (Nop) Notify(context.Context, model.Notification) error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier пишет уведомления в топик Kafka в формате JSON.
// Ключ сообщения равен идентификатору пользователя, поэтому события одного пользователя попадают в одну партицию.
type KafkaNotifier struct {
	w      messageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafkaNotifier создаёт асинхронного продюсера. Ошибки доставки только логируются.
func NewKafkaNotifier(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  5,
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  5 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("notification delivery failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return newKafkaNotifier(w, logger)
}

func newKafkaNotifier(w messageWriter, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{w: w, logger: logger, now: time.Now}
}

type message struct {
	Type      model.NotificationType `json:"type"`
	UserID    string                 `json:"user_id"`
	OrderID   string                 `json:"order_id,omitempty"`
	PaymentID string                 `json:"payment_id,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Amount    string                 `json:"amount,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Notify сериализует уведомление и ставит его в очередь продюсера.
func (k *KafkaNotifier) Notify(ctx context.Context, n model.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = k.now().UTC()
	}

	m := message{
		Type:      n.Type,
		UserID:    n.UserID,
		Status:    n.Status,
		CreatedAt: n.CreatedAt,
	}
	if n.OrderID != nil {
		m.OrderID = n.OrderID.String()
	}
	if n.PaymentID != nil {
		m.PaymentID = n.PaymentID.String()
	}
	if !n.Amount.IsZero() {
		m.Amount = n.Amount.StringFixed(2)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.UserID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Close сбрасывает буфер продюсера.
func (k *KafkaNotifier) Close() error {
	return k.w.Close()
}
