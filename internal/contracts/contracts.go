package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command names understood by the tasks service.
const (
	CmdCreateTask     = "create_task"
	CmdUpdateTask     = "update_task"
	CmdDeleteTask     = "delete_task"
	CmdGetTask        = "get_task"
	CmdGetTasks       = "get_tasks"
	CmdCreateComment  = "create_comment"
	CmdGetComments    = "get_comments"
	CmdGetTaskHistory = "get_task_history"
)

// Pattern identifies the operation a command envelope requests.
type Pattern struct {
	Cmd string `json:"cmd"`
}

// CommandEnvelope is the command-queue wire format:
// {"pattern":{"cmd":...},"payload":...}.
type CommandEnvelope struct {
	Pattern Pattern         `json:"pattern"`
	Payload json.RawMessage `json:"payload"`
}

// RemoteError kinds, preserved end to end so the gateway can map them
// back to user-visible statuses.
const (
	ErrKindNotFound   = "not_found"
	ErrKindForbidden  = "forbidden"
	ErrKindValidation = "validation"
	ErrKindInternal   = "internal"
)

// RemoteError is an error the callee explicitly signaled.
type RemoteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Kind, e.Message)
}

// Reply is the single response to a command. Error nil means success.
type Reply struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *RemoteError    `json:"error,omitempty"`
}

type CreateTaskPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Status      string   `json:"status,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	CreatorID   string   `json:"creatorId"`
}

// TaskFields carries the optional fields of an update; nil pointers are
// left untouched by the store.
type TaskFields struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	DueDate     *string   `json:"dueDate,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	Status      *string   `json:"status,omitempty"`
	Assignees   *[]string `json:"assignees,omitempty"`
}

type UpdateTaskPayload struct {
	ID     string     `json:"id"`
	Fields TaskFields `json:"dto"`
	UserID string     `json:"userId"`
}

type DeleteTaskPayload struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

type GetTaskPayload struct {
	ID string `json:"id"`
}

type CreateCommentPayload struct {
	TaskID   string `json:"taskId"`
	Body     string `json:"body"`
	AuthorID string `json:"authorId"`
}

type GetCommentsPayload struct {
	TaskID string `json:"taskId"`
}

type GetTaskHistoryPayload struct {
	TaskID string `json:"taskId"`
}

// Event kinds double as topic routing keys.
const (
	EventTaskCreated = "task.created"
	EventTaskUpdated = "task.updated"
	EventTaskDeleted = "task.deleted"
	EventCommentNew  = "comment.new"
)

var ErrMalformedEvent = errors.New("malformed event payload")
var ErrUnknownEventKind = errors.New("unknown event kind")

// DomainEvent is the tagged union of everything the tasks service
// announces after a committed mutation.
type DomainEvent interface {
	Kind() string
}

// FieldChange records one field transition on an updated task.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type TaskCreated struct {
	Event     string    `json:"event"`
	TaskID    string    `json:"taskId"`
	Title     string    `json:"title"`
	Assignees []string  `json:"assignees"`
	CreatedBy string    `json:"createdBy"`
	Timestamp time.Time `json:"timestamp"`
}

func (TaskCreated) Kind() string { return EventTaskCreated }

type TaskUpdated struct {
	Event     string                 `json:"event"`
	TaskID    string                 `json:"taskId"`
	Changes   map[string]FieldChange `json:"changes"`
	Assignees []string               `json:"assignees"`
	UpdatedBy string                 `json:"updatedBy"`
	Timestamp time.Time              `json:"timestamp"`
}

func (TaskUpdated) Kind() string { return EventTaskUpdated }

type TaskDeleted struct {
	Event     string    `json:"event"`
	TaskID    string    `json:"taskId"`
	DeletedBy string    `json:"deletedBy"`
	Timestamp time.Time `json:"timestamp"`
}

func (TaskDeleted) Kind() string { return EventTaskDeleted }

type CommentNew struct {
	Event     string    `json:"event"`
	CommentID string    `json:"commentId"`
	TaskID    string    `json:"taskId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	Assignees []string  `json:"assignees"`
	Timestamp time.Time `json:"timestamp"`
}

func (CommentNew) Kind() string { return EventCommentNew }

func NewTaskCreated(taskID, title string, assignees []string, createdBy string, ts time.Time) TaskCreated {
	return TaskCreated{Event: EventTaskCreated, TaskID: taskID, Title: title, Assignees: assignees, CreatedBy: createdBy, Timestamp: ts}
}

func NewTaskUpdated(taskID string, changes map[string]FieldChange, assignees []string, updatedBy string, ts time.Time) TaskUpdated {
	return TaskUpdated{Event: EventTaskUpdated, TaskID: taskID, Changes: changes, Assignees: assignees, UpdatedBy: updatedBy, Timestamp: ts}
}

func NewTaskDeleted(taskID, deletedBy string, ts time.Time) TaskDeleted {
	return TaskDeleted{Event: EventTaskDeleted, TaskID: taskID, DeletedBy: deletedBy, Timestamp: ts}
}

func NewCommentNew(commentID, taskID, authorID, body string, assignees []string, ts time.Time) CommentNew {
	return CommentNew{Event: EventCommentNew, CommentID: commentID, TaskID: taskID, AuthorID: authorID, Body: body, Assignees: assignees, Timestamp: ts}
}

// DecodeEvent picks the concrete event type by its "event" discriminator.
// Unknown but well-formed kinds return ErrUnknownEventKind so consumers
// can acknowledge and skip them.
func DecodeEvent(data []byte) (DomainEvent, error) {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ErrMalformedEvent
	}

	switch probe.Event {
	case EventTaskCreated:
		var e TaskCreated
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, ErrMalformedEvent
		}
		return e, nil
	case EventTaskUpdated:
		var e TaskUpdated
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, ErrMalformedEvent
		}
		return e, nil
	case EventTaskDeleted:
		var e TaskDeleted
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, ErrMalformedEvent
		}
		return e, nil
	case EventCommentNew:
		var e CommentNew
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, ErrMalformedEvent
		}
		return e, nil
	case "":
		return nil, ErrMalformedEvent
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventKind, probe.Event)
	}
}
