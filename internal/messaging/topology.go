package messaging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	// EventStream holds every published domain event.
	EventStream = "TASK_EVENTS"

	// CommandSubject is the tasks-service command queue. It is plain
	// core NATS on purpose: when the service is down there is no
	// responder and callers fail fast instead of queueing commands.
	CommandSubject = "tasks.cmd"

	// CommandQueueGroup load-balances command handling across
	// tasks-service instances.
	CommandQueueGroup = "tasks-service"

	// EventSubjectAll matches every event subject; consumers bind their
	// durable queues to it and filter by kind at dispatch time.
	EventSubjectAll = "tasks.event.>"

	eventSubjectPrefix = "tasks.event."
)

// ErrBrokerUnavailable means the broker could not be reached; callers
// must not proceed assuming topology exists.
var ErrBrokerUnavailable = errors.New("broker unavailable")

// ErrTopologyMismatch means the stream already exists with a different
// configuration. That is a deployment bug, not something to paper over.
var ErrTopologyMismatch = errors.New("event stream exists with mismatched configuration")

// EventSubject maps an event kind to its routing subject,
// e.g. task.created -> tasks.event.task.created.
func EventSubject(kind string) string {
	return eventSubjectPrefix + kind
}

// EventKindFromSubject is the inverse of EventSubject; subjects outside
// the event namespace yield "".
func EventKindFromSubject(subject string) string {
	if !strings.HasPrefix(subject, eventSubjectPrefix) {
		return ""
	}
	return subject[len(eventSubjectPrefix):]
}

func eventStreamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      EventStream,
		Subjects:  []string{EventSubjectAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}
}

// EnsureTopology declares the durable event stream. Safe to call on
// every (re)connect; the declaration is identical each time and an
// existing stream with different settings surfaces as
// ErrTopologyMismatch.
func EnsureTopology(js nats.JetStreamContext) error {
	want := eventStreamConfig()

	info, err := js.StreamInfo(EventStream)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(want); addErr != nil {
				return fmt.Errorf("%w: declare stream %s: %v", ErrBrokerUnavailable, EventStream, addErr)
			}
			return nil
		}
		return fmt.Errorf("%w: inspect stream %s: %v", ErrBrokerUnavailable, EventStream, err)
	}

	if !sameStreamConfig(info.Config, *want) {
		return fmt.Errorf("%w: stream %s", ErrTopologyMismatch, EventStream)
	}
	return nil
}

func sameStreamConfig(got, want nats.StreamConfig) bool {
	if got.Retention != want.Retention || got.Storage != want.Storage {
		return false
	}
	if len(got.Subjects) != len(want.Subjects) {
		return false
	}
	for i := range got.Subjects {
		if got.Subjects[i] != want.Subjects[i] {
			return false
		}
	}
	return true
}
