package events

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskstream/project/internal/contracts"
	"github.com/taskstream/project/internal/messaging"
	"github.com/taskstream/project/internal/platform/metrics"
)

// Handler processes one decoded domain event. Handlers run under
// at-least-once delivery and must tolerate duplicates.
type Handler func(ctx context.Context, event contracts.DomainEvent) error

var consumedTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "events_consumed_total",
	Help: "Domain events consumed by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(consumedTotal)
}

// Dispatcher routes consumed events to handlers by kind with explicit
// acknowledgment discipline: unknown kinds are acknowledged and
// skipped, malformed payloads and handler failures are redelivered.
type Dispatcher struct {
	HandleTimeout time.Duration

	// MaxDeliver bounds redelivery of a message that keeps failing so a
	// permanently malformed payload cannot loop forever.
	MaxDeliver int

	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		HandleTimeout: 5 * time.Second,
		MaxDeliver:    5,
		handlers:      map[string]Handler{},
	}
}

func (d *Dispatcher) Handle(kind string, fn Handler) {
	d.handlers[kind] = fn
}

// Dispatch decodes and routes one message body. A nil return means the
// message is done and may be acknowledged; an error means it should be
// redelivered.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) error {
	event, err := contracts.DecodeEvent(data)
	if err != nil {
		if errors.Is(err, contracts.ErrUnknownEventKind) {
			// Forward compatible: a newer producer is running.
			log.Printf("events: skipping event: %v", err)
			consumedTotal.WithLabelValues("skipped_unknown").Inc()
			return nil
		}
		consumedTotal.WithLabelValues("malformed").Inc()
		return err
	}

	fn, ok := d.handlers[event.Kind()]
	if !ok {
		log.Printf("events: no handler for %s, acknowledging", event.Kind())
		consumedTotal.WithLabelValues("skipped_unhandled").Inc()
		return nil
	}

	if err := fn(ctx, event); err != nil {
		consumedTotal.WithLabelValues("handler_error").Inc()
		return err
	}
	consumedTotal.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe binds the dispatcher to the durable event queue with
// explicit acks. durable doubles as the queue group so multiple
// instances of a service share one cursor.
func (d *Dispatcher) Subscribe(ctx context.Context, js nats.JetStreamContext, durable string) (*nats.Subscription, error) {
	return js.QueueSubscribe(messaging.EventSubjectAll, durable, func(msg *nats.Msg) {
		dispatchCtx, cancel := context.WithTimeout(ctx, d.HandleTimeout)
		defer cancel()

		if err := d.Dispatch(dispatchCtx, msg.Data); err != nil {
			log.Printf("events: processing failed, requeueing: %v", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(d.MaxDeliver),
	)
}
