package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/taskstream/project/internal/contracts"
	"github.com/taskstream/project/internal/messaging"
)

// fakePublisher hands every published command to a responder function,
// which may deliver a reply by calling the caller back directly.
type fakePublisher struct {
	mu        sync.Mutex
	published []*nats.Msg
	respond   func(msg *nats.Msg)
	err       error
}

func (p *fakePublisher) PublishMsg(msg *nats.Msg) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.published = append(p.published, msg)
	p.mu.Unlock()
	if p.respond != nil {
		go p.respond(msg)
	}
	return nil
}

func replyMsg(subject string, reply contracts.Reply) *nats.Msg {
	data, _ := json.Marshal(reply)
	return &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
}

func TestCall_DeliversReply(t *testing.T) {
	pub := &fakePublisher{}
	caller := NewCaller(pub, messaging.CommandSubject)
	pub.respond = func(msg *nats.Msg) {
		caller.handleReply(replyMsg(msg.Reply, contracts.Reply{Data: json.RawMessage(`{"id":"task-1"}`)}))
	}

	data, err := caller.Call(context.Background(), contracts.CmdGetTask, contracts.GetTaskPayload{ID: "task-1"}, time.Second)
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if string(data) != `{"id":"task-1"}` {
		t.Fatalf("unexpected reply data: %s", data)
	}
	if caller.pendingCalls() != 0 {
		t.Fatalf("waiter leaked: %d pending", caller.pendingCalls())
	}
}

func TestCall_EnvelopeWireFormat(t *testing.T) {
	pub := &fakePublisher{}
	caller := NewCaller(pub, messaging.CommandSubject)
	caller.NewID = func() string { return "corr-1" }
	pub.respond = func(msg *nats.Msg) {
		caller.handleReply(replyMsg(msg.Reply, contracts.Reply{Data: json.RawMessage(`{}`)}))
	}

	if _, err := caller.Call(context.Background(), contracts.CmdDeleteTask, contracts.DeleteTaskPayload{ID: "task-1", UserID: "u1"}, time.Second); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}

	pub.mu.Lock()
	msg := pub.published[0]
	pub.mu.Unlock()
	if msg.Subject != messaging.CommandSubject {
		t.Fatalf("unexpected command subject: %q", msg.Subject)
	}
	if got := correlationFromSubject(msg.Reply); got != "corr-1" {
		t.Fatalf("reply subject %q does not end in correlation id", msg.Reply)
	}
	if msg.Header.Get(correlationHeader) != "corr-1" {
		t.Fatalf("missing correlation header: %v", msg.Header)
	}

	var envelope contracts.CommandEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		t.Fatalf("envelope is invalid JSON: %v", err)
	}
	if envelope.Pattern.Cmd != contracts.CmdDeleteTask {
		t.Fatalf("unexpected pattern: %+v", envelope.Pattern)
	}
	var payload contracts.DeleteTaskPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.ID != "task-1" {
		t.Fatalf("unexpected payload: %s (%v)", envelope.Payload, err)
	}
}

func TestCall_RemoteErrorPreserved(t *testing.T) {
	pub := &fakePublisher{}
	caller := NewCaller(pub, messaging.CommandSubject)
	pub.respond = func(msg *nats.Msg) {
		caller.handleReply(replyMsg(msg.Reply, contracts.Reply{
			Error: &contracts.RemoteError{Kind: contracts.ErrKindNotFound, Message: "task not found"},
		}))
	}

	_, err := caller.Call(context.Background(), contracts.CmdGetTask, contracts.GetTaskPayload{ID: "missing"}, time.Second)
	var remote *contracts.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Kind != contracts.ErrKindNotFound {
		t.Fatalf("unexpected kind: %q", remote.Kind)
	}
}

func TestCall_TimeoutReleasesWaiter(t *testing.T) {
	caller := NewCaller(&fakePublisher{}, messaging.CommandSubject)

	_, err := caller.Call(context.Background(), contracts.CmdGetTasks, struct{}{}, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if caller.pendingCalls() != 0 {
		t.Fatalf("waiter leaked after timeout: %d pending", caller.pendingCalls())
	}
}

func TestCall_NoResponders(t *testing.T) {
	pub := &fakePublisher{}
	caller := NewCaller(pub, messaging.CommandSubject)
	pub.respond = func(msg *nats.Msg) {
		caller.handleReply(&nats.Msg{
			Subject: msg.Reply,
			Header:  nats.Header{"Status": []string{"503"}},
		})
	}

	_, err := caller.Call(context.Background(), contracts.CmdGetTasks, struct{}{}, time.Second)
	if !errors.Is(err, messaging.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
}

func TestCall_PublishFailure(t *testing.T) {
	caller := NewCaller(&fakePublisher{err: errors.New("connection closed")}, messaging.CommandSubject)

	_, err := caller.Call(context.Background(), contracts.CmdGetTasks, struct{}{}, time.Second)
	if !errors.Is(err, messaging.ErrBrokerUnavailable) {
		t.Fatalf("expected ErrBrokerUnavailable, got %v", err)
	}
	if caller.pendingCalls() != 0 {
		t.Fatalf("waiter leaked after publish failure: %d pending", caller.pendingCalls())
	}
}

func TestCall_ContextCanceled(t *testing.T) {
	caller := NewCaller(&fakePublisher{}, messaging.CommandSubject)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := caller.Call(ctx, contracts.CmdGetTasks, struct{}{}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if caller.pendingCalls() != 0 {
		t.Fatalf("waiter leaked after cancellation: %d pending", caller.pendingCalls())
	}
}

func TestHandleReply_UnmatchedDropped(t *testing.T) {
	caller := NewCaller(&fakePublisher{}, messaging.CommandSubject)
	caller.handleReply(replyMsg("tasks.reply.x.never-issued", contracts.Reply{Data: json.RawMessage(`{}`)}))
	if caller.pendingCalls() != 0 {
		t.Fatalf("unexpected pending waiters: %d", caller.pendingCalls())
	}
}

func TestCall_ConcurrentCallsMatchByCorrelation(t *testing.T) {
	pub := &fakePublisher{}
	caller := NewCaller(pub, messaging.CommandSubject)
	pub.respond = func(msg *nats.Msg) {
		// Echo the correlation id back as the result so each caller can
		// verify it received its own reply.
		id := correlationFromSubject(msg.Reply)
		data, _ := json.Marshal(map[string]string{"id": id})
		caller.handleReply(replyMsg(msg.Reply, contracts.Reply{Data: data}))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := caller.Call(context.Background(), contracts.CmdGetTasks, struct{}{}, time.Second)
			if err != nil {
				errs <- err
				return
			}
			var result struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(data, &result); err != nil || result.ID == "" {
				errs <- errors.New("reply did not carry a correlation id")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
	if caller.pendingCalls() != 0 {
		t.Fatalf("waiters leaked: %d pending", caller.pendingCalls())
	}
}

func TestCorrelationFromSubject(t *testing.T) {
	if got := correlationFromSubject("tasks.reply.abc.corr-9"); got != "corr-9" {
		t.Fatalf("unexpected correlation id: %q", got)
	}
	if got := correlationFromSubject("noseparator"); got != "" {
		t.Fatalf("expected empty correlation id, got %q", got)
	}
}
