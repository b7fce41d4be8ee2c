package notifications

import (
	"context"
	"encoding/json"

	"github.com/taskstream/project/internal/contracts"
	"github.com/taskstream/project/internal/events"
)

// Gateway is the fan-out surface this service pushes through.
type Gateway interface {
	SendToUsers(userIDs []string, frame []byte)
	Broadcast(frame []byte)
}

// Service decides who hears about each event:
//   - task.created: targeted to assignees when any were set, otherwise
//     broadcast so somebody picks it up;
//   - task.updated and task.deleted: always broadcast, since the
//     assignee set itself may have changed and any connected client
//     may hold stale state it needs to re-validate;
//   - comment.new: targeted to current assignees minus the author.
type Service struct {
	Gateway Gateway
}

func NewService(gateway Gateway) *Service {
	return &Service{Gateway: gateway}
}

// Register binds the routing policy to the event dispatcher.
func (s *Service) Register(d *events.Dispatcher) {
	d.Handle(contracts.EventTaskCreated, s.HandleEvent)
	d.Handle(contracts.EventTaskUpdated, s.HandleEvent)
	d.Handle(contracts.EventTaskDeleted, s.HandleEvent)
	d.Handle(contracts.EventCommentNew, s.HandleEvent)
}

// HandleEvent forwards the event payload as-is; the frame the browser
// receives is the same JSON body that traveled the topic stream.
func (s *Service) HandleEvent(_ context.Context, event contracts.DomainEvent) error {
	frame, err := json.Marshal(event)
	if err != nil {
		return err
	}

	switch e := event.(type) {
	case contracts.TaskCreated:
		if len(e.Assignees) > 0 {
			s.Gateway.SendToUsers(e.Assignees, frame)
		} else {
			s.Gateway.Broadcast(frame)
		}
	case contracts.TaskUpdated:
		s.Gateway.Broadcast(frame)
	case contracts.TaskDeleted:
		s.Gateway.Broadcast(frame)
	case contracts.CommentNew:
		targets := excluding(e.Assignees, e.AuthorID)
		if len(targets) > 0 {
			s.Gateway.SendToUsers(targets, frame)
		}
	}
	return nil
}

func excluding(userIDs []string, skip string) []string {
	result := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id != skip {
			result = append(result, id)
		}
	}
	return result
}
