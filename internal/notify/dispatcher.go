// Package notify доставляет уже сохранённые уведомления подключённым клиентам и внешним системам.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/referral-network/internal/metrics"
	"github.com/mmeshcher/referral-network/internal/model"
)

const deliveryTimeout = 5 * time.Second

// Sink доставляет уведомление вне процесса.
type Sink interface {
	Deliver(ctx context.Context, n model.Notification) error
}

// Sinks рассылает уведомление во все приёмники и объединяет ошибки.
type Sinks []Sink

// Deliver доставляет уведомление в каждый приёмник, даже если предыдущий вернул ошибку.
func (s Sinks) Deliver(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event описывает кадр, который получают клиенты и внешние системы.
type Event struct {
	Type string             `json:"type"`
	Data model.Notification `json:"data"`
}

// Encode сериализует уведомление в кадр Event.
func Encode(n model.Notification) ([]byte, error) {
	return json.Marshal(Event{Type: string(n.Kind), Data: n})
}

// Dispatcher реализует исходящую очередь уведомлений. Publish никогда не блокирует вызывающего.
type Dispatcher struct {
	queue   chan model.Notification
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher создаёт очередь указанного размера поверх приёмника.
func NewDispatcher(sink Sink, size int, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		queue:   make(chan model.Notification, size),
		sink:    sink,
		logger:  logger,
		metrics: m,
	}
}

// Publish ставит уведомление в очередь. При переполнении уведомление отбрасывается:
// оно уже сохранено в журнале пользователя.
func (d *Dispatcher) Publish(n model.Notification) {
	select {
	case d.queue <- n:
	default:
		d.metrics.Notification("dropped")
		d.logger.Warn("notification queue full, live delivery skipped",
			zap.String("userID", n.UserID),
			zap.String("kind", string(n.Kind)),
		)
	}
}

// Run доставляет уведомления из очереди до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n model.Notification) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	if err := d.sink.Deliver(ctx, n); err != nil {
		d.metrics.Notification("failed")
		d.logger.Warn("notification delivery failed",
			zap.Error(err),
			zap.String("userID", n.UserID),
			zap.String("notificationID", n.ID),
		)
		return
	}
	d.metrics.Notification("delivered")
}
