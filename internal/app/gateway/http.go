package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/taskstream/project/internal/commandbus"
	"github.com/taskstream/project/internal/contracts"
	"github.com/taskstream/project/internal/messaging"
	platformauth "github.com/taskstream/project/internal/platform/auth"
)

// Caller invokes a remote command and returns its raw reply data.
type Caller interface {
	Call(ctx context.Context, cmd string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Handler translates the REST surface into commands on the tasks
// service and maps command-level failures back onto HTTP statuses.
type Handler struct {
	Caller        Caller
	Auth          platformauth.Manager
	CallTimeout   time.Duration
	AllowedOrigin string
}

func NewHandler(caller Caller, tokenManager platformauth.Manager, allowedOrigin string) *Handler {
	return &Handler{
		Caller:        caller,
		Auth:          tokenManager,
		CallTimeout:   5 * time.Second,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/tasks", h.handleGetTasks)
		authR.Post("/tasks", h.handleCreateTask)
		authR.Get("/tasks/{taskID}", h.handleGetTask)
		authR.Patch("/tasks/{taskID}", h.handleUpdateTask)
		authR.Delete("/tasks/{taskID}", h.handleDeleteTask)
		authR.Get("/tasks/{taskID}/history", h.handleGetTaskHistory)
		authR.Post("/tasks/{taskID}/comments", h.handleCreateComment)
		authR.Get("/tasks/{taskID}/comments", h.handleGetComments)
	})

	return r
}

func (h *Handler) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, contracts.CmdGetTasks, struct{}{})
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateTaskPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req.CreatorID = claimsFromContext(r.Context()).Subject
	h.callStatus(w, r, contracts.CmdCreateTask, req, http.StatusCreated)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, contracts.CmdGetTask, contracts.GetTaskPayload{ID: chi.URLParam(r, "taskID")})
}

func (h *Handler) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var fields contracts.TaskFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	h.call(w, r, contracts.CmdUpdateTask, contracts.UpdateTaskPayload{
		ID:     chi.URLParam(r, "taskID"),
		Fields: fields,
		UserID: claimsFromContext(r.Context()).Subject,
	})
}

func (h *Handler) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, contracts.CmdDeleteTask, contracts.DeleteTaskPayload{
		ID:     chi.URLParam(r, "taskID"),
		UserID: claimsFromContext(r.Context()).Subject,
	})
}

func (h *Handler) handleGetTaskHistory(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, contracts.CmdGetTaskHistory, contracts.GetTaskHistoryPayload{TaskID: chi.URLParam(r, "taskID")})
}

func (h *Handler) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	var req contracts.CreateCommentPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	req.TaskID = chi.URLParam(r, "taskID")
	req.AuthorID = claimsFromContext(r.Context()).Subject
	h.callStatus(w, r, contracts.CmdCreateComment, req, http.StatusCreated)
}

func (h *Handler) handleGetComments(w http.ResponseWriter, r *http.Request) {
	h.call(w, r, contracts.CmdGetComments, contracts.GetCommentsPayload{TaskID: chi.URLParam(r, "taskID")})
}

func (h *Handler) call(w http.ResponseWriter, r *http.Request, cmd string, payload any) {
	h.callStatus(w, r, cmd, payload, http.StatusOK)
}

func (h *Handler) callStatus(w http.ResponseWriter, r *http.Request, cmd string, payload any, okStatus int) {
	data, err := h.Caller.Call(r.Context(), cmd, payload, h.CallTimeout)
	if err != nil {
		h.writeCallError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(okStatus)
	_, _ = w.Write(data)
}

// writeCallError keeps the callee's error kind visible to the client: a
// down tasks service surfaces as a clear timeout or unavailable, never
// a hang or a generic 500.
func (h *Handler) writeCallError(w http.ResponseWriter, err error) {
	var remote *contracts.RemoteError
	switch {
	case errors.As(err, &remote):
		switch remote.Kind {
		case contracts.ErrKindNotFound:
			h.writeError(w, http.StatusNotFound, remote.Message)
		case contracts.ErrKindForbidden:
			h.writeError(w, http.StatusForbidden, remote.Message)
		case contracts.ErrKindValidation:
			h.writeError(w, http.StatusBadRequest, remote.Message)
		default:
			h.writeError(w, http.StatusInternalServerError, remote.Message)
		}
	case errors.Is(err, commandbus.ErrTimeout):
		h.writeError(w, http.StatusGatewayTimeout, "tasks service did not reply in time")
	case errors.Is(err, messaging.ErrBrokerUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "tasks service is unavailable")
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed := strings.TrimSpace(h.AllowedOrigin)
		if allowed == "" {
			allowed = "*"
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", allowed)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		next.ServeHTTP(w, r)
	})
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Auth.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
