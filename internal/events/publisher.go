package events

import (
	"encoding/json"
	"fmt"

	"github.com/taskstream/project/internal/contracts"
	"github.com/taskstream/project/internal/messaging"
	"github.com/taskstream/project/internal/platform/metrics"
)

// PublishFunc is the underlying broker publish.
type PublishFunc func(subject string, data []byte) error

var publishedTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "events_published_total",
	Help: "Domain events published by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	metrics.Default.MustRegister(publishedTotal)
}

// Publisher announces domain events on the topic stream, keyed by the
// event kind. It returns the publish error so the mutating call site
// can log it and move on; a missed notification is an acceptable
// degradation and must never fail the mutation that caused it.
type Publisher struct {
	Publish PublishFunc
}

func NewPublisher(publish PublishFunc) *Publisher {
	return &Publisher{Publish: publish}
}

func (p *Publisher) PublishEvent(event contracts.DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		publishedTotal.WithLabelValues(event.Kind(), "encode_error").Inc()
		return fmt.Errorf("encode %s event: %w", event.Kind(), err)
	}
	if err := p.Publish(messaging.EventSubject(event.Kind()), data); err != nil {
		publishedTotal.WithLabelValues(event.Kind(), "publish_error").Inc()
		return fmt.Errorf("publish %s event: %w", event.Kind(), err)
	}
	publishedTotal.WithLabelValues(event.Kind(), "ok").Inc()
	return nil
}
