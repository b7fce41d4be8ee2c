package notifications

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/taskstream/project/internal/contracts"
)

type fakeGateway struct {
	targeted   map[string][][]byte
	broadcasts [][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{targeted: map[string][][]byte{}}
}

func (g *fakeGateway) SendToUsers(userIDs []string, frame []byte) {
	for _, id := range userIDs {
		g.targeted[id] = append(g.targeted[id], frame)
	}
}

func (g *fakeGateway) Broadcast(frame []byte) {
	g.broadcasts = append(g.broadcasts, frame)
}

var eventTime = time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

func TestHandleEvent_CreatedTargetsAssignees(t *testing.T) {
	gw := newFakeGateway()
	svc := NewService(gw)

	event := contracts.NewTaskCreated("task-1", "Ship it", []string{"u1", "u2"}, "u3", eventTime)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	if len(gw.broadcasts) != 0 {
		t.Fatal("targeted event must not be broadcast")
	}
	if len(gw.targeted["u1"]) != 1 || len(gw.targeted["u2"]) != 1 {
		t.Fatalf("assignees missed the event: %+v", gw.targeted)
	}

	var decoded contracts.TaskCreated
	if err := json.Unmarshal(gw.targeted["u1"][0], &decoded); err != nil {
		t.Fatalf("frame is not the event JSON: %v", err)
	}
	if decoded.TaskID != "task-1" || decoded.Event != contracts.EventTaskCreated {
		t.Fatalf("unexpected frame: %+v", decoded)
	}
}

func TestHandleEvent_CreatedWithoutAssigneesBroadcasts(t *testing.T) {
	gw := newFakeGateway()
	svc := NewService(gw)

	event := contracts.NewTaskCreated("task-1", "Unassigned", nil, "u3", eventTime)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	if len(gw.broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(gw.broadcasts))
	}
	if len(gw.targeted) != 0 {
		t.Fatalf("unexpected targeted deliveries: %+v", gw.targeted)
	}
}

func TestHandleEvent_UpdatedAlwaysBroadcasts(t *testing.T) {
	gw := newFakeGateway()
	svc := NewService(gw)

	event := contracts.NewTaskUpdated("task-1",
		map[string]contracts.FieldChange{"status": {Old: "pending", New: "done"}},
		[]string{"u1"}, "u2", eventTime)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	if len(gw.broadcasts) != 1 || len(gw.targeted) != 0 {
		t.Fatalf("update must broadcast even with assignees set: broadcasts=%d targeted=%+v", len(gw.broadcasts), gw.targeted)
	}
}

func TestHandleEvent_DeletedBroadcasts(t *testing.T) {
	gw := newFakeGateway()
	svc := NewService(gw)

	if err := svc.HandleEvent(context.Background(), contracts.NewTaskDeleted("task-1", "u1", eventTime)); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}
	if len(gw.broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(gw.broadcasts))
	}
}

func TestHandleEvent_CommentExcludesAuthor(t *testing.T) {
	gw := newFakeGateway()
	svc := NewService(gw)

	event := contracts.NewCommentNew("c1", "task-1", "u1", "on it", []string{"u1", "u2"}, eventTime)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}

	if len(gw.targeted["u1"]) != 0 {
		t.Fatal("comment author must not be notified of their own comment")
	}
	if len(gw.targeted["u2"]) != 1 {
		t.Fatalf("other assignees missed the comment: %+v", gw.targeted)
	}
	if len(gw.broadcasts) != 0 {
		t.Fatal("comments are never broadcast")
	}
}

func TestHandleEvent_CommentByOnlyAssigneeIsSilent(t *testing.T) {
	gw := newFakeGateway()
	svc := NewService(gw)

	event := contracts.NewCommentNew("c1", "task-1", "u1", "note to self", []string{"u1"}, eventTime)
	if err := svc.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent returned error: %v", err)
	}
	if len(gw.targeted) != 0 || len(gw.broadcasts) != 0 {
		t.Fatalf("expected no delivery at all: targeted=%+v broadcasts=%d", gw.targeted, len(gw.broadcasts))
	}
}
