package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/taskstream/project/internal/contracts"
)

func TestDispatch_RoutesByKind(t *testing.T) {
	var got contracts.DomainEvent
	d := NewDispatcher()
	d.Handle(contracts.EventTaskCreated, func(_ context.Context, event contracts.DomainEvent) error {
		got = event
		return nil
	})

	payload, _ := json.Marshal(contracts.NewTaskCreated("task-1", "Ship it", nil, "u1", time.Now().UTC()))
	if err := d.Dispatch(context.Background(), payload); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	created, ok := got.(contracts.TaskCreated)
	if !ok {
		t.Fatalf("handler received %T", got)
	}
	if created.TaskID != "task-1" {
		t.Fatalf("unexpected event: %+v", created)
	}
}

func TestDispatch_UnknownKindAcked(t *testing.T) {
	d := NewDispatcher()
	d.Handle(contracts.EventTaskCreated, func(context.Context, contracts.DomainEvent) error {
		t.Fatal("handler must not run for an unknown kind")
		return nil
	})

	if err := d.Dispatch(context.Background(), []byte(`{"event":"task.archived"}`)); err != nil {
		t.Fatalf("unknown kind must be acknowledged, got %v", err)
	}
}

func TestDispatch_UnhandledKindAcked(t *testing.T) {
	d := NewDispatcher()

	payload, _ := json.Marshal(contracts.NewTaskDeleted("task-1", "u1", time.Now().UTC()))
	if err := d.Dispatch(context.Background(), payload); err != nil {
		t.Fatalf("unhandled kind must be acknowledged, got %v", err)
	}
}

func TestDispatch_MalformedRedelivered(t *testing.T) {
	d := NewDispatcher()

	err := d.Dispatch(context.Background(), []byte("{not json"))
	if !errors.Is(err, contracts.ErrMalformedEvent) {
		t.Fatalf("expected ErrMalformedEvent, got %v", err)
	}
}

func TestDispatch_HandlerErrorRedelivered(t *testing.T) {
	handlerErr := errors.New("gateway push failed")
	d := NewDispatcher()
	d.Handle(contracts.EventCommentNew, func(context.Context, contracts.DomainEvent) error {
		return handlerErr
	})

	payload, _ := json.Marshal(contracts.NewCommentNew("c1", "task-1", "u1", "hi", nil, time.Now().UTC()))
	if err := d.Dispatch(context.Background(), payload); !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
}
