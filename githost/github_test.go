package githost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/patch"
)

func TestParseRepoURL(t *testing.T) {
	tests := []struct {
		in          string
		owner, repo string
	}{
		{"https://github.com/acme/widget", "acme", "widget"},
		{"https://github.com/acme/widget.git", "acme", "widget"},
		{"https://github.com/acme/widget/", "acme", "widget"},
	}
	for _, tt := range tests {
		owner, repo, err := ParseRepoURL(tt.in)
		if err != nil {
			t.Errorf("ParseRepoURL(%q): %v", tt.in, err)
			continue
		}
		if owner != tt.owner || repo != tt.repo {
			t.Errorf("ParseRepoURL(%q) = %s/%s", tt.in, owner, repo)
		}
	}

	if _, _, err := ParseRepoURL("https://github.com/just-owner"); err == nil {
		t.Error("owner-only URL must be rejected")
	}
}

func TestCreatePullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widget/pulls" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		var req createPRRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Head != "mend/fix-123" || req.Base != "main" {
			t.Errorf("req = %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(createPRResponse{HTMLURL: "https://github.com/acme/widget/pull/7", Number: 7})
	}))
	defer srv.Close()

	g := NewGitHub("tok", WithBaseURL(srv.URL))
	url, err := g.CreatePullRequest(context.Background(), &PullRequest{
		RepoURL: "https://github.com/acme/widget",
		Head:    "mend/fix-123",
		Title:   "Fix: pagination",
		Body:    "body",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if url != "https://github.com/acme/widget/pull/7" {
		t.Errorf("url = %q", url)
	}
}

func TestCreatePullRequestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   fault.Kind
	}{
		{http.StatusUnauthorized, fault.GitAuthFailed},
		{http.StatusNotFound, fault.RepoNotFound},
		{http.StatusTooManyRequests, fault.HostRateLimit},
		{http.StatusUnprocessableEntity, fault.Internal},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))
		g := NewGitHub("tok", WithBaseURL(srv.URL))
		_, err := g.CreatePullRequest(context.Background(), &PullRequest{
			RepoURL: "https://github.com/acme/widget", Head: "b", Title: "t",
		})
		srv.Close()
		if kind, _ := fault.KindOf(err); kind != tt.want {
			t.Errorf("status %d: kind = %s, want %s", tt.status, kind, tt.want)
		}
	}
}

func TestTitleTruncates(t *testing.T) {
	long := strings.Repeat("pagination bug ", 10)
	title := Title(long)
	if len(title) > 72 {
		t.Errorf("title too long (%d): %q", len(title), title)
	}
	if !strings.HasPrefix(title, "Fix: ") {
		t.Errorf("title = %q", title)
	}
}

func TestBodyIncludesSections(t *testing.T) {
	set := &patch.Set{
		Patches: []patch.Patch{{
			FilePath: "src/p.js", Operation: patch.OpReplace,
			StartLine: 3, EndLine: 3, NewCode: "x", Description: "fix slice bound",
		}},
		Rationale:  "end index was exclusive",
		Confidence: 0.85,
	}
	body := Body("pagination drops last item", set, "1 test failed", "all tests passed")
	for _, want := range []string{"## Bug", "## Fix", "src/p.js", "85%", "1 test failed", "all tests passed"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}
