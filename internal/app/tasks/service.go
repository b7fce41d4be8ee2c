package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskstream/project/internal/commandbus"
	"github.com/taskstream/project/internal/contracts"
)

// Store is what the executor needs from persistence.
type Store interface {
	InsertTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context) ([]Task, error)
	UpdateTask(ctx context.Context, task Task) error
	DeleteTask(ctx context.Context, taskID string) error
	InsertComment(ctx context.Context, comment Comment) error
	ListComments(ctx context.Context, taskID string) ([]Comment, error)
	InsertHistory(ctx context.Context, entries []HistoryEntry) error
	ListHistory(ctx context.Context, taskID string) ([]HistoryEntry, error)
}

// UserDirectory enriches user IDs with display data, best effort.
type UserDirectory interface {
	UsersByIDs(ctx context.Context, userIDs []string) map[string]UserData
}

// Service executes the commands the gateway sends and announces every
// committed mutation as a domain event. Publication is the last step of
// each mutating operation and its failure is logged, never propagated:
// the store remains the source of truth and a missed notification is an
// acceptable degradation.
type Service struct {
	Store        Store
	PublishEvent func(event contracts.DomainEvent) error
	Users        UserDirectory
	Now          func() time.Time
	NewID        func() string
}

func NewService(store Store, publishEvent func(contracts.DomainEvent) error) *Service {
	return &Service{
		Store:        store,
		PublishEvent: publishEvent,
		Now:          func() time.Time { return time.Now().UTC() },
		NewID:        nuid.Next,
	}
}

// Register binds every command the tasks service answers.
func (s *Service) Register(r *commandbus.Responder) {
	r.Handle(contracts.CmdCreateTask, s.CreateTask)
	r.Handle(contracts.CmdUpdateTask, s.UpdateTask)
	r.Handle(contracts.CmdDeleteTask, s.DeleteTask)
	r.Handle(contracts.CmdGetTask, s.GetTask)
	r.Handle(contracts.CmdGetTasks, s.GetTasks)
	r.Handle(contracts.CmdCreateComment, s.CreateComment)
	r.Handle(contracts.CmdGetComments, s.GetComments)
	r.Handle(contracts.CmdGetTaskHistory, s.GetTaskHistory)
}

// TaskView is a task plus whatever display data the user directory
// could resolve for its assignees.
type TaskView struct {
	Task
	AssigneeUsers []UserData `json:"assigneeUsers,omitempty"`
}

func notFoundErr(msg string) *contracts.RemoteError {
	return &contracts.RemoteError{Kind: contracts.ErrKindNotFound, Message: msg}
}

func validationErr(msg string) *contracts.RemoteError {
	return &contracts.RemoteError{Kind: contracts.ErrKindValidation, Message: msg}
}

func (s *Service) publish(event contracts.DomainEvent) {
	if err := s.PublishEvent(event); err != nil {
		log.Printf("tasks: event publish failed: %v", err)
	}
}

func (s *Service) CreateTask(ctx context.Context, payload json.RawMessage) (any, error) {
	var req contracts.CreateTaskPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, validationErr("invalid create_task payload")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, validationErr("title is required")
	}

	now := s.Now()
	task := Task{
		ID:          s.NewID(),
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
		Assignees:   req.Assignees,
		CreatedBy:   req.CreatorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Status == "" {
		task.Status = "pending"
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	if task.Assignees == nil {
		task.Assignees = []string{}
	}

	if err := s.Store.InsertTask(ctx, task); err != nil {
		return nil, err
	}

	s.publish(contracts.NewTaskCreated(task.ID, task.Title, task.Assignees, task.CreatedBy, now))
	return task, nil
}

func (s *Service) UpdateTask(ctx context.Context, payload json.RawMessage) (any, error) {
	var req contracts.UpdateTaskPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, validationErr("invalid update_task payload")
	}
	if req.ID == "" {
		return nil, validationErr("id is required")
	}

	task, err := s.Store.GetTask(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}

	changes := applyFields(&task, req.Fields)
	if title, ok := changes["title"]; ok && strings.TrimSpace(title.New) == "" {
		return nil, validationErr("title must not be empty")
	}
	if len(changes) == 0 {
		return task, nil
	}

	now := s.Now()
	task.UpdatedAt = now
	if err := s.Store.UpdateTask(ctx, task); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(changes))
	for field, change := range changes {
		entries = append(entries, HistoryEntry{
			ID:        s.NewID(),
			TaskID:    task.ID,
			ChangedBy: req.UserID,
			Field:     field,
			OldValue:  change.Old,
			NewValue:  change.New,
			ChangedAt: now,
		})
	}
	if err := s.Store.InsertHistory(ctx, entries); err != nil {
		log.Printf("tasks: recording history for %s failed: %v", task.ID, err)
	}

	s.publish(contracts.NewTaskUpdated(task.ID, changes, task.Assignees, req.UserID, now))
	return task, nil
}

func (s *Service) DeleteTask(ctx context.Context, payload json.RawMessage) (any, error) {
	var req contracts.DeleteTaskPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, validationErr("invalid delete_task payload")
	}
	if req.ID == "" {
		return nil, validationErr("id is required")
	}

	if _, err := s.Store.GetTask(ctx, req.ID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}
	if err := s.Store.DeleteTask(ctx, req.ID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}

	s.publish(contracts.NewTaskDeleted(req.ID, req.UserID, s.Now()))
	return map[string]string{"message": "Task deleted successfully"}, nil
}

func (s *Service) GetTask(ctx context.Context, payload json.RawMessage) (any, error) {
	var req contracts.GetTaskPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, validationErr("invalid get_task payload")
	}
	task, err := s.Store.GetTask(ctx, req.ID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}
	return s.enrich(ctx, task), nil
}

func (s *Service) GetTasks(ctx context.Context, _ json.RawMessage) (any, error) {
	list, err := s.Store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]TaskView, 0, len(list))
	for _, task := range list {
		views = append(views, s.enrich(ctx, task))
	}
	return views, nil
}

func (s *Service) CreateComment(ctx context.Context, payload json.RawMessage) (any, error) {
	var req contracts.CreateCommentPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, validationErr("invalid create_comment payload")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, validationErr("body is required")
	}

	task, err := s.Store.GetTask(ctx, req.TaskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}

	now := s.Now()
	comment := Comment{
		ID:        s.NewID(),
		TaskID:    task.ID,
		AuthorID:  req.AuthorID,
		Body:      req.Body,
		CreatedAt: now,
	}
	if err := s.Store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}

	s.publish(contracts.NewCommentNew(comment.ID, task.ID, comment.AuthorID, comment.Body, task.Assignees, now))
	return comment, nil
}

func (s *Service) GetComments(ctx context.Context, payload json.RawMessage) (any, error) {
	var req contracts.GetCommentsPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, validationErr("invalid get_comments payload")
	}
	if _, err := s.Store.GetTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}
	return s.Store.ListComments(ctx, req.TaskID)
}

func (s *Service) GetTaskHistory(ctx context.Context, payload json.RawMessage) (any, error) {
	var req contracts.GetTaskHistoryPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, validationErr("invalid get_task_history payload")
	}
	if _, err := s.Store.GetTask(ctx, req.TaskID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, notFoundErr("task not found")
		}
		return nil, err
	}
	return s.Store.ListHistory(ctx, req.TaskID)
}

func (s *Service) enrich(ctx context.Context, task Task) TaskView {
	view := TaskView{Task: task}
	if s.Users == nil || len(task.Assignees) == 0 {
		return view
	}
	users := s.Users.UsersByIDs(ctx, task.Assignees)
	for _, id := range task.Assignees {
		if user, ok := users[id]; ok {
			view.AssigneeUsers = append(view.AssigneeUsers, user)
		}
	}
	return view
}

// applyFields copies the provided fields onto the task, returning the
// old/new pair for every field whose value actually changed.
func applyFields(task *Task, fields contracts.TaskFields) map[string]contracts.FieldChange {
	changes := map[string]contracts.FieldChange{}

	set := func(field string, current *string, next *string) {
		if next == nil || *next == *current {
			return
		}
		changes[field] = contracts.FieldChange{Old: *current, New: *next}
		*current = *next
	}

	set("title", &task.Title, fields.Title)
	set("description", &task.Description, fields.Description)
	set("dueDate", &task.DueDate, fields.DueDate)
	set("priority", &task.Priority, fields.Priority)
	set("status", &task.Status, fields.Status)

	if fields.Assignees != nil {
		old := strings.Join(task.Assignees, ",")
		next := strings.Join(*fields.Assignees, ",")
		if old != next {
			changes["assignees"] = contracts.FieldChange{Old: old, New: next}
			task.Assignees = *fields.Assignees
		}
	}
	return changes
}
