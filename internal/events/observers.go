// Package events contains scheduler observers: passive consumers of
// progress and lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/scriptfactory/script-factory-be/internal/domain"
	"github.com/scriptfactory/script-factory-be/shared/rabbitmq"
)

// LogObserver writes scheduler notifications to the structured log.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver creates a log-backed observer.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) OnProgress(ev domain.ProgressEvent) {
	o.logger.Info("Progress",
		slog.String("job_id", ev.JobID),
		slog.Int("current", ev.CurrentIndex),
		slog.Int("total", ev.TotalCount),
		slog.String("message", ev.Message),
	)
}

func (o *LogObserver) OnStatusChange(ch domain.StatusChange) {
	o.logger.Info("Job status changed",
		slog.String("job_id", ch.JobID),
		slog.String("old_status", ch.OldStatus),
		slog.String("new_status", ch.NewStatus),
	)
}

// eventPublisher is the broker surface the observer needs.
type eventPublisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte) error
}

// eventBufferSize bounds the publish backlog. Events past the bound are
// dropped; the broker stream is best-effort telemetry, not a ledger.
const eventBufferSize = 64

type queuedEvent struct {
	kind string
	body []byte
}

// AMQPObserver publishes scheduler notifications to the events exchange
// so external consumers can follow a run without polling the API. The
// scheduler's calls only enqueue onto a buffered channel; a dedicated
// goroutine does the publishing, so a slow or dead broker never stalls
// the drain. Overflow drops the event with a warning.
type AMQPObserver struct {
	publisher      eventPublisher
	logger         *slog.Logger
	publishTimeout time.Duration
	events         chan queuedEvent
}

// NewAMQPObserver creates a broker-backed observer and starts its
// publisher goroutine. Call Close to stop it.
func NewAMQPObserver(client *rabbitmq.Client, logger *slog.Logger) *AMQPObserver {
	return newAMQPObserver(client, logger)
}

func newAMQPObserver(publisher eventPublisher, logger *slog.Logger) *AMQPObserver {
	o := &AMQPObserver{
		publisher:      publisher,
		logger:         logger,
		publishTimeout: 5 * time.Second,
		events:         make(chan queuedEvent, eventBufferSize),
	}
	go o.publishLoop()
	return o
}

type envelope struct {
	Kind    string `json:"kind"`
	Emitted string `json:"emitted_at"`
	Payload any    `json:"payload"`
}

func (o *AMQPObserver) OnProgress(ev domain.ProgressEvent) {
	o.enqueue("progress", ev)
}

func (o *AMQPObserver) OnStatusChange(ch domain.StatusChange) {
	o.enqueue("status", ch)
}

// Close stops the publisher goroutine once the buffered events are
// flushed. The observer must not be used afterwards.
func (o *AMQPObserver) Close() {
	close(o.events)
}

// enqueue hands the event to the publisher goroutine without ever
// blocking the caller.
func (o *AMQPObserver) enqueue(kind string, payload any) {
	body, err := json.Marshal(envelope{
		Kind:    kind,
		Emitted: time.Now().UTC().Format(time.RFC3339),
		Payload: payload,
	})
	if err != nil {
		o.logger.Error("Failed to encode scheduler event",
			slog.String("kind", kind),
			slog.Any("error", err),
		)
		return
	}

	select {
	case o.events <- queuedEvent{kind: kind, body: body}:
	default:
		o.logger.Warn("Event buffer full, dropping scheduler event",
			slog.String("kind", kind),
		)
	}
}

func (o *AMQPObserver) publishLoop() {
	for ev := range o.events {
		ctx, cancel := context.WithTimeout(context.Background(), o.publishTimeout)
		err := o.publisher.PublishWithRetry(ctx, "scheduler."+ev.kind, ev.body)
		cancel()

		if err != nil {
			o.logger.Error("Failed to publish scheduler event",
				slog.String("kind", ev.kind),
				slog.Any("error", err),
			)
		}
	}
}
