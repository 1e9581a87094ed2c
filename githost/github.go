// Package githost opens pull requests on the hosting provider once a fix
// branch is pushed.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mendhq/mend/fault"
)

// PullRequest describes the PR to open.
type PullRequest struct {
	RepoURL string
	// Head is the fix branch; Base empty means the repository default.
	Head  string
	Base  string
	Title string
	Body  string
}

// Host can open pull requests.
type Host interface {
	// CreatePullRequest opens a PR and returns its web URL.
	CreatePullRequest(ctx context.Context, pr *PullRequest) (string, error)
}

// GitHub implements Host over the GitHub REST API.
type GitHub struct {
	token   string
	baseURL string
	client  *http.Client
}

// Option configures the GitHub host.
type Option func(*GitHub)

// WithBaseURL overrides the API root; tests point this at a local server.
func WithBaseURL(u string) Option {
	return func(g *GitHub) { g.baseURL = u }
}

// NewGitHub creates a GitHub host client.
func NewGitHub(token string, opts ...Option) *GitHub {
	g := &GitHub{
		token:   token,
		baseURL: "https://api.github.com",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type createPRRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

type createPRResponse struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
	Message string `json:"message"`
}

// CreatePullRequest opens a PR via POST /repos/{owner}/{repo}/pulls.
func (g *GitHub) CreatePullRequest(ctx context.Context, pr *PullRequest) (string, error) {
	owner, repo, err := ParseRepoURL(pr.RepoURL)
	if err != nil {
		return "", err
	}
	base := pr.Base
	if base == "" {
		base = "main"
	}

	body, err := json.Marshal(createPRRequest{
		Title: pr.Title,
		Head:  pr.Head,
		Base:  base,
		Body:  pr.Body,
	})
	if err != nil {
		return "", fmt.Errorf("githost: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls", g.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("githost: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fault.Classify(fmt.Errorf("githost: http: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("githost: read response: %w", err)
	}

	var out createPRResponse
	_ = json.Unmarshal(respBody, &out)

	switch {
	case resp.StatusCode == http.StatusCreated:
		if out.HTMLURL == "" {
			return "", fault.New(fault.Internal, "githost: created PR has no URL")
		}
		return out.HTMLURL, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fault.Newf(fault.GitAuthFailed, "githost: authentication failed (%d)", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return "", fault.Newf(fault.RepoNotFound, "githost: repository %s/%s not found", owner, repo)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fault.Newf(fault.HostRateLimit, "githost: rate limited")
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// Duplicate PR, missing branch, or validation failure.
		return "", fault.Newf(fault.Internal, "githost: rejected: %s", out.Message)
	default:
		return "", fault.Newf(fault.Internal, "githost: unexpected status %d: %s", resp.StatusCode, out.Message)
	}
}

// ParseRepoURL extracts owner and repo from an HTTPS GitHub URL.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fault.Newf(fault.InvalidRepoURL, "unparseable repository URL %q", repoURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fault.Newf(fault.InvalidRepoURL, "repository URL %q must contain owner/repo", repoURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
