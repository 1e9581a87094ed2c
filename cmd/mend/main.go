// Command mend is the CLI client for the mend server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mendhq/mend/internal/version"
)

const defaultServer = "http://localhost:8380"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "mend server URL")
		token     = flag.String("token", os.Getenv("MEND_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "login":
		err = cli.cmdLogin(rest)
	case "submit":
		err = cli.cmdSubmit(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "cancel":
		err = cli.cmdCancel(rest)
	case "usage":
		err = cli.cmdUsage(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `mend — automated bug fixing CLI

Usage:
  mend [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:8380)
  --token   <token>  JWT auth token (or $MEND_TOKEN)

Commands:
  version                           print version
  status                            show server status
  login <username>                  log in and print a token
  submit <repo-url> <test-command> <bug description...>
                                    submit a bug-fix task
  tasks                             list tasks
  task <id>                         show a task with its logs
  cancel <id>                       request task cancellation
  usage [task-id]                   show model spend
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("mend %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", strVal(result["status"]))
	fmt.Printf("version: %s\n", strVal(result["version"]))
	return nil
}

// --- login ---

func (c *Client) cmdLogin(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mend login <username>")
	}
	fmt.Fprint(os.Stderr, "password: ")
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	body := fmt.Sprintf(`{"username":%q,"password":%q}`, args[0], password)
	var result map[string]string
	if err := c.post("/api/auth/login", strings.NewReader(body), &result); err != nil {
		return err
	}
	fmt.Println(result["token"])
	return nil
}

// --- submit ---

func (c *Client) cmdSubmit(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: mend submit <repo-url> <test-command> <bug description...>")
	}
	repoURL, testCommand := args[0], args[1]
	description := strings.Join(args[2:], " ")

	payload, err := json.Marshal(map[string]string{
		"repo_url":        repoURL,
		"test_command":    testCommand,
		"bug_description": description,
	})
	if err != nil {
		return err
	}
	var result map[string]any
	if err := c.post("/api/tasks", strings.NewReader(string(payload)), &result); err != nil {
		return err
	}
	fmt.Printf("submitted task %s\n", strVal(result["id"]))
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	var tasks []map[string]any
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-26s %-40s\n", "ID", "STATE", "BUG")
	fmt.Println(strings.Repeat("-", 104))
	for _, t := range tasks {
		fmt.Printf("%-36s %-26s %-40s\n",
			strVal(t["id"]),
			strVal(t["state"]),
			truncate(strVal(t["bug_description"]), 39),
		)
	}
	return nil
}

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mend task <id>")
	}
	var t map[string]any
	if err := c.get("/api/tasks/"+args[0], &t); err != nil {
		return err
	}
	fmt.Printf("id:     %s\n", strVal(t["id"]))
	fmt.Printf("state:  %s\n", strVal(t["state"]))
	fmt.Printf("repo:   %s\n", strVal(t["repo_url"]))
	fmt.Printf("bug:    %s\n", strVal(t["bug_description"]))
	if pr := strVal(t["pr_url"]); pr != "" {
		fmt.Printf("pr:     %s\n", pr)
	}
	if reason := strVal(t["failure_reason"]); reason != "" {
		fmt.Printf("reason: %s\n", reason)
	}
	if logs, ok := t["logs"].([]any); ok && len(logs) > 0 {
		fmt.Println("logs:")
		for _, line := range logs {
			fmt.Printf("  %s\n", strVal(line))
		}
	}
	return nil
}

// --- cancel ---

func (c *Client) cmdCancel(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: mend cancel <id>")
	}
	if err := c.post("/api/tasks/"+args[0]+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("cancellation requested for %s\n", args[0])
	return nil
}

// --- usage ---

func (c *Client) cmdUsage(args []string) error {
	if len(args) >= 1 {
		var result struct {
			Totals struct {
				Calls       int     `json:"calls"`
				TotalTokens int     `json:"total_tokens"`
				CostUSD     float64 `json:"cost_usd"`
			} `json:"totals"`
		}
		if err := c.get("/api/tasks/"+args[0]+"/usage", &result); err != nil {
			return err
		}
		fmt.Printf("calls:  %d\n", result.Totals.Calls)
		fmt.Printf("tokens: %d\n", result.Totals.TotalTokens)
		fmt.Printf("cost:   $%.4f\n", result.Totals.CostUSD)
		return nil
	}

	var result struct {
		UserID     string  `json:"user_id"`
		CostUSD24H float64 `json:"cost_usd_24h"`
	}
	if err := c.get("/api/usage", &result); err != nil {
		return err
	}
	fmt.Printf("user:      %s\n", result.UserID)
	fmt.Printf("cost 24h:  $%.4f\n", result.CostUSD24H)
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
