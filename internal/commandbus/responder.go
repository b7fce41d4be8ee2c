package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskstream/project/internal/contracts"
	"github.com/taskstream/project/internal/messaging"
	"golang.org/x/sync/semaphore"
)

// HandlerFunc executes one named command and returns its result, or an
// error to be propagated to the caller with its kind intact.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// PublishFunc sends a serialized reply to the caller's reply subject.
type PublishFunc func(subject string, data []byte) error

// defaultMaxInFlight caps the commands served concurrently. Past the
// cap, intake blocks on the subscription so a burst or a slow store
// exerts backpressure on the queue instead of piling up goroutines.
const defaultMaxInFlight = 64

// Responder serves the command queue: decode envelope, dispatch to the
// handler registered for the command name, publish exactly one reply.
type Responder struct {
	Publish       PublishFunc
	HandleTimeout time.Duration
	MaxInFlight   int64

	semOnce sync.Once
	sem     *semaphore.Weighted

	handlers map[string]HandlerFunc
}

func NewResponder(publish PublishFunc) *Responder {
	return &Responder{
		Publish:       publish,
		HandleTimeout: 10 * time.Second,
		MaxInFlight:   defaultMaxInFlight,
		handlers:      map[string]HandlerFunc{},
	}
}

func (r *Responder) Handle(cmd string, fn HandlerFunc) {
	r.handlers[cmd] = fn
}

// Subscribe joins the command queue group. Each message is served on
// its own goroutine so a slow store call does not stall the queue, up
// to MaxInFlight at a time.
func (r *Responder) Subscribe(conn *nats.Conn) (*nats.Subscription, error) {
	return conn.QueueSubscribe(messaging.CommandSubject, messaging.CommandQueueGroup, r.dispatch)
}

func (r *Responder) dispatch(msg *nats.Msg) {
	sem := r.semaphore()
	if err := sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	go func() {
		defer sem.Release(1)
		r.serve(msg)
	}()
}

func (r *Responder) semaphore() *semaphore.Weighted {
	r.semOnce.Do(func() {
		limit := r.MaxInFlight
		if limit <= 0 {
			limit = defaultMaxInFlight
		}
		r.sem = semaphore.NewWeighted(limit)
	})
	return r.sem
}

func (r *Responder) serve(msg *nats.Msg) {
	if msg.Reply == "" {
		log.Printf("commandbus: command without reply subject, dropping")
		return
	}

	var envelope contracts.CommandEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		// An unparseable request cannot succeed on redelivery; answer
		// the waiting caller instead of requeueing.
		r.reply(msg.Reply, contracts.Reply{Error: &contracts.RemoteError{
			Kind:    contracts.ErrKindValidation,
			Message: "malformed command envelope",
		}})
		return
	}

	fn, ok := r.handlers[envelope.Pattern.Cmd]
	if !ok {
		r.reply(msg.Reply, contracts.Reply{Error: &contracts.RemoteError{
			Kind:    contracts.ErrKindValidation,
			Message: "unsupported command: " + envelope.Pattern.Cmd,
		}})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.HandleTimeout)
	defer cancel()

	result, err := fn(ctx, envelope.Payload)
	if err != nil {
		r.reply(msg.Reply, contracts.Reply{Error: remoteFromError(err)})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("commandbus: marshal result for %s: %v", envelope.Pattern.Cmd, err)
		r.reply(msg.Reply, contracts.Reply{Error: &contracts.RemoteError{
			Kind:    contracts.ErrKindInternal,
			Message: "result serialization failed",
		}})
		return
	}
	r.reply(msg.Reply, contracts.Reply{Data: data})
}

func (r *Responder) reply(subject string, reply contracts.Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("commandbus: marshal reply: %v", err)
		return
	}
	if err := r.Publish(subject, data); err != nil {
		log.Printf("commandbus: publish reply to %s: %v", subject, err)
	}
}

// remoteFromError keeps explicit RemoteError kinds; everything else is
// reported as internal without leaking its text past the log line.
func remoteFromError(err error) *contracts.RemoteError {
	var remote *contracts.RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	log.Printf("commandbus: handler failed: %v", err)
	return &contracts.RemoteError{Kind: contracts.ErrKindInternal, Message: "command failed"}
}
