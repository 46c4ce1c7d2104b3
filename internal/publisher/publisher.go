// Пакет publisher: публикация событий о завершении обработки запросов.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pm_events_published_total",
		Help: "Опубликованные события о завершении по результату (ok, error).",
	},
	[]string{"result"},
)

// Publisher отправляет JSON-представление payload в очередь topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// LogPublisher пишет события в лог. Используется без брокера.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher создаёт LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(slog.String("component", "log_publisher"))}
}

// Publish сериализует payload и пишет его в лог.
func (p *LogPublisher) Publish(_ context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		eventsPublishedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	eventsPublishedTotal.WithLabelValues("ok").Inc()
	p.logger.Info("Событие о завершении",
		slog.String("topic", topic),
		slog.String("payload", string(body)),
	)
	return nil
}

// Close ничего не делает.
func (p *LogPublisher) Close() error { return nil }
