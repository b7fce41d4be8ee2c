package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/taskstream/project/internal/contracts"
	"github.com/taskstream/project/internal/messaging"
	"github.com/taskstream/project/internal/platform/metrics"
)

// ErrTimeout means no reply arrived within the call window. Whether a
// retry is safe depends on the idempotence of the command; the remote
// side may have executed it anyway.
var ErrTimeout = errors.New("command call timed out")

const correlationHeader = "Correlation-Id"

// noResponders is the NATS status code returned on the reply subject
// when nothing is subscribed to the command queue.
const noRespondersStatus = "503"

var callsInFlight = metrics.NewGauge(metrics.Opts{
	Name: "commandbus_calls_in_flight",
	Help: "Command calls currently awaiting a reply.",
})

var callResults = metrics.NewCounterVec(metrics.Opts{
	Name: "commandbus_calls_total",
	Help: "Completed command calls by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(callsInFlight, callResults)
}

type callResult struct {
	reply contracts.Reply
	err   error
}

// Publisher is the slice of *nats.Conn the caller publishes through.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Caller invokes named operations on a remote service and delivers
// exactly one reply (or ErrTimeout) per call. Replies for every
// in-flight call arrive on one shared wildcard subscription and are
// matched to waiters by correlation id; the correlation id is also the
// final token of the reply subject, so broker-generated no-responder
// statuses route to the right waiter too.
type Caller struct {
	Publish Publisher
	Subject string
	NewID   func() string

	replyPrefix string

	mu      sync.Mutex
	waiters map[string]chan callResult
}

func NewCaller(publish Publisher, subject string) *Caller {
	return &Caller{
		Publish:     publish,
		Subject:     subject,
		NewID:       nuid.Next,
		replyPrefix: "tasks.reply." + nuid.Next(),
		waiters:     map[string]chan callResult{},
	}
}

// Bind subscribes the shared reply channel. Call once after connecting
// and again after the supervisor re-establishes the connection.
func (c *Caller) Bind(conn *nats.Conn) (*nats.Subscription, error) {
	return conn.Subscribe(c.replyPrefix+".>", c.handleReply)
}

// Call publishes cmd to the remote command queue and blocks until its
// reply arrives or timeout elapses. The waiter entry is released on
// every exit path so correlation ids never leak.
func (c *Caller) Call(ctx context.Context, cmd string, payload any, timeout time.Duration) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	envelope, err := json.Marshal(contracts.CommandEnvelope{
		Pattern: contracts.Pattern{Cmd: cmd},
		Payload: body,
	})
	if err != nil {
		return nil, err
	}

	correlationID := c.NewID()
	ch := make(chan callResult, 1)
	c.mu.Lock()
	c.waiters[correlationID] = ch
	c.mu.Unlock()
	callsInFlight.Inc()
	defer callsInFlight.Dec()

	msg := &nats.Msg{
		Subject: c.Subject,
		Reply:   c.replyPrefix + "." + correlationID,
		Header:  nats.Header{correlationHeader: []string{correlationID}},
		Data:    envelope,
	}
	if err := c.Publish.PublishMsg(msg); err != nil {
		c.release(correlationID)
		callResults.WithLabelValues("broker_unavailable").Inc()
		return nil, fmt.Errorf("%w: publish command %s: %v", messaging.ErrBrokerUnavailable, cmd, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result.err != nil {
			callResults.WithLabelValues("error").Inc()
			return nil, result.err
		}
		if result.reply.Error != nil {
			callResults.WithLabelValues("remote_error").Inc()
			return nil, result.reply.Error
		}
		callResults.WithLabelValues("ok").Inc()
		return result.reply.Data, nil
	case <-timer.C:
		c.release(correlationID)
		callResults.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd, timeout)
	case <-ctx.Done():
		c.release(correlationID)
		callResults.WithLabelValues("canceled").Inc()
		return nil, ctx.Err()
	}
}

// handleReply matches an incoming reply to its waiter. A waiter is
// taken out of the table before delivery, so a late duplicate or an
// already-timed-out call finds nothing and the reply is dropped.
func (c *Caller) handleReply(msg *nats.Msg) {
	correlationID := correlationFromSubject(msg.Subject)

	c.mu.Lock()
	ch, ok := c.waiters[correlationID]
	if ok {
		delete(c.waiters, correlationID)
	}
	c.mu.Unlock()
	if !ok {
		log.Printf("commandbus: dropping unmatched reply (correlation %q)", correlationID)
		return
	}

	if msg.Header.Get("Status") == noRespondersStatus {
		ch <- callResult{err: fmt.Errorf("%w: no responders on %s", messaging.ErrBrokerUnavailable, c.Subject)}
		return
	}

	var reply contracts.Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		ch <- callResult{err: fmt.Errorf("undecodable reply (correlation %q): %w", correlationID, err)}
		return
	}
	ch <- callResult{reply: reply}
}

func (c *Caller) release(correlationID string) {
	c.mu.Lock()
	delete(c.waiters, correlationID)
	c.mu.Unlock()
}

func (c *Caller) pendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func correlationFromSubject(subject string) string {
	idx := strings.LastIndexByte(subject, '.')
	if idx < 0 || idx == len(subject)-1 {
		return ""
	}
	return subject[idx+1:]
}
