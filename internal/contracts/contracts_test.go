package contracts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeEvent_TaskCreated(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	payload, _ := json.Marshal(NewTaskCreated("task-1", "Ship it", []string{"u1", "u2"}, "u3", ts))

	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent returned error: %v", err)
	}
	created, ok := event.(TaskCreated)
	if !ok {
		t.Fatalf("expected TaskCreated, got %T", event)
	}
	if created.TaskID != "task-1" || created.Title != "Ship it" || created.CreatedBy != "u3" || !created.Timestamp.Equal(ts) {
		t.Fatalf("unexpected event: %+v", created)
	}
	if len(created.Assignees) != 2 || created.Assignees[0] != "u1" {
		t.Fatalf("unexpected assignees: %v", created.Assignees)
	}
	if created.Kind() != EventTaskCreated {
		t.Fatalf("unexpected kind: %q", created.Kind())
	}
}

func TestDecodeEvent_TaskUpdatedCarriesChanges(t *testing.T) {
	changes := map[string]FieldChange{"status": {Old: "pending", New: "done"}}
	payload, _ := json.Marshal(NewTaskUpdated("task-1", changes, []string{"u1"}, "u2", time.Now().UTC()))

	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent returned error: %v", err)
	}
	updated, ok := event.(TaskUpdated)
	if !ok {
		t.Fatalf("expected TaskUpdated, got %T", event)
	}
	if got := updated.Changes["status"]; got.Old != "pending" || got.New != "done" {
		t.Fatalf("unexpected change set: %+v", updated.Changes)
	}
}

func TestDecodeEvent_CommentNew(t *testing.T) {
	payload, _ := json.Marshal(NewCommentNew("c1", "task-1", "u1", "looks good", []string{"u1", "u2"}, time.Now().UTC()))

	event, err := DecodeEvent(payload)
	if err != nil {
		t.Fatalf("DecodeEvent returned error: %v", err)
	}
	comment, ok := event.(CommentNew)
	if !ok {
		t.Fatalf("expected CommentNew, got %T", event)
	}
	if comment.AuthorID != "u1" || comment.Body != "looks good" {
		t.Fatalf("unexpected comment event: %+v", comment)
	}
}

func TestDecodeEvent_UnknownKind(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"event":"task.archived","taskId":"task-1"}`))
	if !errors.Is(err, ErrUnknownEventKind) {
		t.Fatalf("expected ErrUnknownEventKind, got %v", err)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	for _, payload := range []string{`{broken`, `{"taskId":"task-1"}`, `{"event":""}`} {
		if _, err := DecodeEvent([]byte(payload)); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("payload %q: expected ErrMalformedEvent, got %v", payload, err)
		}
	}
}

func TestRemoteError_Message(t *testing.T) {
	err := &RemoteError{Kind: ErrKindNotFound, Message: "task not found"}
	if err.Error() != "remote error (not_found): task not found" {
		t.Fatalf("unexpected error text: %q", err.Error())
	}
}
