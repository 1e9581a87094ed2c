package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/internal/db"
	"github.com/mendhq/mend/queue"
	"github.com/mendhq/mend/task"
	"github.com/mendhq/mend/usage"
)

// fakeSubmitter admits everything or fails with a canned error.
type fakeSubmitter struct {
	tasks task.Store
	err   error
	subs  []*queue.Submission
}

func (f *fakeSubmitter) Submit(sub *queue.Submission) (*task.Task, error) {
	f.subs = append(f.subs, sub)
	if f.err != nil {
		return nil, f.err
	}
	t := &task.Task{
		RepoURL:        sub.RepoURL,
		BugDescription: sub.BugDescription,
		TestCommand:    sub.TestCommand,
		UserID:         sub.UserID,
	}
	if _, err := f.tasks.Create(t); err != nil {
		return nil, err
	}
	return t, nil
}

type fixture struct {
	handlers *Handlers
	tasks    task.Store
	usage    usage.Store
	sub      *fakeSubmitter
	mux      *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "mend.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	tasks, err := task.NewSQLiteStore(conn)
	if err != nil {
		t.Fatalf("task store: %v", err)
	}
	ledger, err := usage.NewSQLiteStore(conn)
	if err != nil {
		t.Fatalf("usage store: %v", err)
	}
	sub := &fakeSubmitter{tasks: tasks}
	h := &Handlers{
		Queue:  sub,
		Tasks:  tasks,
		Usage:  ledger,
		Logger: slog.New(slog.DiscardHandler),
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &fixture{handlers: h, tasks: tasks, usage: ledger, sub: sub, mux: mux}
}

// do runs a request as the given user and decodes the JSON response.
func (f *fixture) do(t *testing.T, method, path, body, user string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req = req.WithContext(ContextWithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec
}

const submitBody = `{
	"repo_url": "https://github.com/acme/pagination",
	"bug_description": "paginate drops the last item on every page",
	"test_command": "npm test"
}`

func TestCreateTask(t *testing.T) {
	f := newFixture(t)

	var got task.Task
	rec := f.do(t, "POST", "/api/tasks", submitBody, "alice", &got)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got.ID == "" || got.State != task.StateQueued {
		t.Errorf("task = %+v", got)
	}
	if len(f.sub.subs) != 1 || f.sub.subs[0].UserID != "alice" {
		t.Errorf("submission user not taken from auth context: %+v", f.sub.subs)
	}
}

func TestCreateTaskErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", fault.New(fault.InvalidInput, "bad"), http.StatusBadRequest},
		{"queue full", fault.New(fault.QueueFull, "full"), http.StatusTooManyRequests},
		{"daily limit", fault.New(fault.DailyLimitReached, "limit"), http.StatusTooManyRequests},
		{"guardian", fault.New(fault.GuardianRejected, "no"), http.StatusForbidden},
		{"internal", fault.New(fault.Internal, "boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.sub.err = tc.err
			rec := f.do(t, "POST", "/api/tasks", submitBody, "alice", nil)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestErrorResponseHidesInternalDetail(t *testing.T) {
	f := newFixture(t)
	f.sub.err = fault.Newf(fault.Internal, "sql: connection refused on 10.0.0.5")

	var body map[string]string
	f.do(t, "POST", "/api/tasks", submitBody, "alice", &body)
	if strings.Contains(body["error"], "10.0.0.5") {
		t.Errorf("internal detail leaked: %q", body["error"])
	}
}

func TestGetTask(t *testing.T) {
	f := newFixture(t)
	var created task.Task
	f.do(t, "POST", "/api/tasks", submitBody, "alice", &created)

	var got task.Task
	rec := f.do(t, "GET", "/api/tasks/"+created.ID, "", "alice", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.ID != created.ID || got.State != task.StateQueued {
		t.Errorf("task = %+v", got)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/api/tasks/no-such-id", "", "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.do(t, "POST", "/api/tasks", submitBody, "alice", nil)
	}

	var got []*task.Task
	rec := f.do(t, "GET", "/api/tasks?limit=2", "", "alice", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	var created task.Task
	f.do(t, "POST", "/api/tasks", submitBody, "alice", &created)

	rec := f.do(t, "POST", "/api/tasks/"+created.ID+"/cancel", "", "alice", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	cancelled, err := f.tasks.CancelRequested(created.ID)
	if err != nil {
		t.Fatalf("CancelRequested: %v", err)
	}
	if !cancelled {
		t.Error("cancel flag not set")
	}
}

func TestCancelTerminalTaskRejected(t *testing.T) {
	f := newFixture(t)
	var created task.Task
	f.do(t, "POST", "/api/tasks", submitBody, "alice", &created)
	if err := f.tasks.Fail(created.ID, "x", "failed: x"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	rec := f.do(t, "POST", "/api/tasks/"+created.ID+"/cancel", "", "alice", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestTaskUsage(t *testing.T) {
	f := newFixture(t)
	var created task.Task
	f.do(t, "POST", "/api/tasks", submitBody, "alice", &created)

	for _, rec := range []*usage.Record{
		{TaskID: created.ID, UserID: "alice", Model: "gpt-4o", Purpose: "test_generation",
			PromptTokens: 100, CompletionTokens: 50, CostUSD: 0.01, Status: usage.StatusSuccess},
		{TaskID: created.ID, UserID: "alice", Model: "gpt-4o", Purpose: "fix_generation",
			PromptTokens: 200, CompletionTokens: 80, CostUSD: 0.02, Status: usage.StatusSuccess},
	} {
		if err := f.usage.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got taskUsageResponse
	rec := f.do(t, "GET", "/api/tasks/"+created.ID+"/usage", "", "alice", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.Totals.Calls != 2 || got.Totals.TotalTokens != 430 {
		t.Errorf("totals = %+v", got.Totals)
	}
	if len(got.Records) != 2 {
		t.Errorf("records = %d, want 2", len(got.Records))
	}
}

func TestUserUsage(t *testing.T) {
	f := newFixture(t)
	if err := f.usage.Append(&usage.Record{
		TaskID: "t1", UserID: "alice", Model: "gpt-4o", Purpose: "fix_generation",
		PromptTokens: 100, CompletionTokens: 100, CostUSD: 1.25, Status: usage.StatusSuccess,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var got userUsageResponse
	rec := f.do(t, "GET", "/api/usage", "", "alice", &got)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.UserID != "alice" || got.CostUSD24H != 1.25 {
		t.Errorf("usage = %+v", got)
	}
}
