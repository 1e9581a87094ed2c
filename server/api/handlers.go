// Package api implements the REST handlers for the task and usage
// endpoints.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/queue"
	"github.com/mendhq/mend/task"
	"github.com/mendhq/mend/usage"
)

// Submitter admits new tasks; the queue in production.
type Submitter interface {
	Submit(sub *queue.Submission) (*task.Task, error)
}

// Handlers bundles the REST API handler dependencies.
type Handlers struct {
	Queue  Submitter
	Tasks  task.Store
	Usage  usage.Store
	Logger *slog.Logger
}

// RegisterRoutes registers the protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/usage", h.taskUsage)
	mux.HandleFunc("GET /api/usage", h.userUsage)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a fault to an HTTP status and writes a JSON error body.
// Raw internal errors are hidden behind fault.Reason.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": fault.Reason(err)})
}

// statusFor maps fault kinds and categories onto HTTP status codes.
func statusFor(err error) int {
	kind, ok := fault.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case fault.RepoNotFound, fault.FileNotFound, fault.PromptNotFound:
		return http.StatusNotFound
	case fault.QueueFull, fault.DailyLimitReached, fault.HostRateLimit, fault.ModelRateLimit:
		return http.StatusTooManyRequests
	}
	switch fault.CategoryOf(kind) {
	case fault.User:
		return http.StatusBadRequest
	case fault.Policy:
		return http.StatusForbidden
	case fault.Resource:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// --- Task handlers ---

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var sub queue.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, fault.Wrap(fault.InvalidInput, "invalid request body", err))
		return
	}
	sub.UserID = UserFrom(r.Context())

	t, err := h.Queue.Submit(&sub)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Logger.Info("task submitted", "task_id", t.ID, "user_id", t.UserID)
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := 50, 0
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n >= 0 {
			offset = n
		}
	}

	tasks, err := h.Tasks.List(limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.PathValue("id"))
	if err != nil {
		// The store reports a missing row as invalid input; for a GET
		// that is a 404.
		if kind, _ := fault.KindOf(err); kind == fault.InvalidInput {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Tasks.RequestCancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": id,
		"status":  "cancel_requested",
	})
}

// --- Usage handlers ---

// taskUsageResponse is the per-task usage report.
type taskUsageResponse struct {
	TaskID  string          `json:"task_id"`
	Totals  usage.Totals    `json:"totals"`
	Records []*usage.Record `json:"records"`
}

func (h *Handlers) taskUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Tasks.Get(id); err != nil {
		if kind, _ := fault.KindOf(err); kind == fault.InvalidInput {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeError(w, err)
		return
	}

	totals, err := h.Usage.TaskTotals(id)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := h.Usage.ListByTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*usage.Record{}
	}
	writeJSON(w, http.StatusOK, taskUsageResponse{TaskID: id, Totals: totals, Records: records})
}

// userUsageResponse is the rolling-day spend for the authenticated user.
type userUsageResponse struct {
	UserID     string  `json:"user_id"`
	Since      string  `json:"since"`
	CostUSD24H float64 `json:"cost_usd_24h"`
}

func (h *Handlers) userUsage(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	since := time.Now().UTC().Add(-24 * time.Hour)

	cost, err := h.Usage.UserCostSince(user, since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userUsageResponse{
		UserID:     user,
		Since:      since.Format(time.RFC3339),
		CostUSD24H: cost,
	})
}
