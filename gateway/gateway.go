// Package gateway is the single path for model calls. Every call goes
// through budget checks, policy-driven retries, schema validation, and the
// usage ledger; nothing else in the system talks to a provider directly.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/prompt"
	"github.com/mendhq/mend/provider"
	"github.com/mendhq/mend/retry"
	"github.com/mendhq/mend/usage"
)

// Budget holds the spend ceilings the gateway enforces.
type Budget struct {
	// MaxCostPerTaskUSD caps total spend across all attempts for one task.
	MaxCostPerTaskUSD float64
	// MaxTokensPerTask caps total tokens across all attempts for one task.
	MaxTokensPerTask int
	// MaxCostPerUserPerDayUSD caps a user's rolling 24h spend.
	MaxCostPerUserPerDayUSD float64
}

// DefaultBudget matches the shipped service limits.
func DefaultBudget() Budget {
	return Budget{
		MaxCostPerTaskUSD:       5.00,
		MaxTokensPerTask:        500_000,
		MaxCostPerUserPerDayUSD: 50.00,
	}
}

// retryableKinds lists the failure kinds the gateway retries. Everything
// else surfaces to the caller on the first occurrence.
var retryableKinds = []fault.Kind{
	fault.ModelRateLimit,
	fault.ModelTimeout,
	fault.NetworkTimeout,
	fault.NetworkConnection,
}

// Call describes one model invocation.
type Call struct {
	Purpose string
	// Version pins a prompt definition; empty resolves to the latest.
	Version   string
	Variables map[string]string
	TaskID    string
	UserID    string
}

// Result is a validated model response.
type Result struct {
	// Raw is the model's JSON output after fence stripping and schema
	// validation.
	Raw     json.RawMessage
	Purpose string
	Version string
	Model   string
	Usage   provider.Usage
	CostUSD float64
}

// Decode unmarshals the validated response into v.
func (r *Result) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fault.Wrap(fault.ModelInvalidResponse, "decode model response", err)
	}
	return nil
}

// Gateway mediates all model calls.
type Gateway struct {
	providers map[string]provider.Provider
	registry  *prompt.Registry
	ledger    usage.Store
	budget    Budget
	logger    *slog.Logger

	sleep  retry.SleepFunc
	now    func() time.Time
	models map[string]string

	// userMu serializes the check-call-record window per user so two
	// concurrent tasks cannot both pass a budget check the pair would
	// jointly exceed.
	mu     sync.Mutex
	userMu map[string]*sync.Mutex
}

// Option configures the gateway.
type Option func(*Gateway)

// WithSleep substitutes the backoff sleeper. Tests use a fake clock.
func WithSleep(s retry.SleepFunc) Option {
	return func(g *Gateway) { g.sleep = s }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithModelOverrides pins purposes to models, overriding the prompt
// definition's default. Keys are purposes, values model names.
func WithModelOverrides(models map[string]string) Option {
	return func(g *Gateway) { g.models = models }
}

// New creates a gateway over the given providers, keyed by provider name.
func New(providers map[string]provider.Provider, registry *prompt.Registry, ledger usage.Store, budget Budget, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		providers: providers,
		registry:  registry,
		ledger:    ledger,
		budget:    budget,
		logger:    logger,
		sleep:     retry.Sleep,
		now:       time.Now,
		userMu:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// lockUser returns the per-user mutex, creating it on first use.
func (g *Gateway) lockUser(userID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.userMu[userID]
	if !ok {
		m = &sync.Mutex{}
		g.userMu[userID] = m
	}
	return m
}

// providerFor routes a model name to a backend. Claude models go to the
// anthropic provider when one is registered; everything else to openai.
func (g *Gateway) providerFor(model string) (provider.Provider, error) {
	name := "openai"
	if strings.HasPrefix(model, "claude") {
		name = "anthropic"
	}
	p, ok := g.providers[name]
	if !ok {
		return nil, fault.Newf(fault.Internal, "no provider registered for model %q", model)
	}
	return p, nil
}

// Execute runs one model call end to end: resolve the prompt, check the
// budgets against a conservative estimate, call the provider with retries
// (recording every attempt in the ledger), then validate the response
// against the prompt's schema.
func (g *Gateway) Execute(ctx context.Context, call Call) (*Result, error) {
	def, err := g.resolve(call)
	if err != nil {
		return nil, err
	}

	system, user, err := def.Render(call.Variables)
	if err != nil {
		return nil, err
	}

	p, err := g.providerFor(def.Model)
	if err != nil {
		return nil, err
	}

	// The whole check-call-record window holds the user's lock; see userMu.
	lock := g.lockUser(call.UserID)
	lock.Lock()
	defer lock.Unlock()

	if err := g.checkBudgets(call, def, system, user); err != nil {
		return nil, err
	}

	req := &provider.Request{
		Model:       def.Model,
		MaxTokens:   def.MaxTokens,
		Temperature: def.Temperature,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: user},
		},
	}

	// Exactly one ledger record per provider attempt: failed attempts are
	// recorded inside the retry loop; the final attempt's record is written
	// after validation so its status reflects whether the response was
	// actually usable.
	var lastLatency int64
	resp, err := retry.Do(ctx, func(ctx context.Context) (*provider.Response, error) {
		start := g.now()
		resp, err := p.Complete(ctx, req)
		lastLatency = g.now().Sub(start).Milliseconds()
		if err != nil {
			fe := fault.Classify(err)
			g.record(call, def, provider.Usage{}, lastLatency, usage.StatusError, fe.Error())
			g.logger.Warn("model call failed",
				"purpose", call.Purpose, "task_id", call.TaskID, "kind", fe.Kind)
			return nil, fe
		}
		return resp, nil
	}, retryableKinds, g.sleep)
	if err != nil {
		return nil, err
	}

	raw, err := g.validate(def, resp)
	if err != nil {
		// The tokens were spent even though the response failed validation.
		g.record(call, def, resp.Usage, lastLatency, usage.StatusError, err.Error())
		return nil, err
	}
	g.record(call, def, resp.Usage, lastLatency, usage.StatusSuccess, "")

	cost := provider.Cost(def.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	g.logger.Info("model call completed",
		"purpose", call.Purpose, "version", def.Version, "model", def.Model,
		"task_id", call.TaskID,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"cost_usd", cost)

	return &Result{
		Raw:     raw,
		Purpose: def.Purpose,
		Version: def.Version,
		Model:   def.Model,
		Usage:   resp.Usage,
		CostUSD: cost,
	}, nil
}

// resolve fetches the prompt definition and applies any configured model
// override for the purpose.
func (g *Gateway) resolve(call Call) (*prompt.Definition, error) {
	var (
		def *prompt.Definition
		err error
	)
	if call.Version != "" {
		def, err = g.registry.Get(call.Purpose, call.Version)
	} else {
		def, err = g.registry.Latest(call.Purpose)
	}
	if err != nil {
		return nil, err
	}
	if model, ok := g.models[def.Purpose]; ok && model != "" && model != def.Model {
		pinned := *def
		pinned.Model = model
		return &pinned, nil
	}
	return def, nil
}

// checkBudgets rejects the call before any provider traffic if a
// conservative estimate would cross a ceiling. The estimate assumes about
// four characters per prompt token and a completion at the definition's
// full max_tokens, so it only ever over-counts.
func (g *Gateway) checkBudgets(call Call, def *prompt.Definition, system, user string) error {
	estPrompt := (len(system) + len(user) + 3) / 4
	estTokens := estPrompt + def.MaxTokens
	estCost := provider.Cost(def.Model, estPrompt, def.MaxTokens)

	totals, err := g.ledger.TaskTotals(call.TaskID)
	if err != nil {
		return fmt.Errorf("gateway: read task totals: %w", err)
	}
	if g.budget.MaxCostPerTaskUSD > 0 && totals.CostUSD+estCost > g.budget.MaxCostPerTaskUSD {
		return fault.Newf(fault.CostBudgetExceeded,
			"task cost budget exceeded: $%.2f spent + $%.2f estimated > $%.2f limit",
			totals.CostUSD, estCost, g.budget.MaxCostPerTaskUSD).
			With("task_id", call.TaskID)
	}
	if g.budget.MaxTokensPerTask > 0 && totals.TotalTokens+estTokens > g.budget.MaxTokensPerTask {
		return fault.Newf(fault.TokenBudgetExceeded,
			"task token budget exceeded: %d used + %d estimated > %d limit",
			totals.TotalTokens, estTokens, g.budget.MaxTokensPerTask).
			With("task_id", call.TaskID)
	}

	if g.budget.MaxCostPerUserPerDayUSD > 0 {
		dayCost, err := g.ledger.UserCostSince(call.UserID, g.now().Add(-24*time.Hour))
		if err != nil {
			return fmt.Errorf("gateway: read user cost: %w", err)
		}
		if dayCost+estCost > g.budget.MaxCostPerUserPerDayUSD {
			return fault.Newf(fault.CostBudgetExceeded,
				"daily cost budget exceeded: $%.2f spent + $%.2f estimated > $%.2f limit",
				dayCost, estCost, g.budget.MaxCostPerUserPerDayUSD).
				With("user_id", call.UserID)
		}
	}
	return nil
}

// validate strips markdown fences, checks the content parses as a JSON
// object, and applies the prompt's schema.
func (g *Gateway) validate(def *prompt.Definition, resp *provider.Response) (json.RawMessage, error) {
	content := stripFences(resp.Content)

	var decoded map[string]any
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return nil, fault.Wrap(fault.ModelInvalidResponse, "response is not valid JSON", err)
	}
	if err := def.ValidateResponse(decoded); err != nil {
		return nil, err
	}
	return json.RawMessage(content), nil
}

func (g *Gateway) record(call Call, def *prompt.Definition, u provider.Usage, latencyMS int64, status, errMsg string) {
	r := &usage.Record{
		TaskID:           call.TaskID,
		UserID:           call.UserID,
		Model:            def.Model,
		Purpose:          def.Purpose,
		PromptVersion:    def.Version,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostUSD:          provider.Cost(def.Model, u.PromptTokens, u.CompletionTokens),
		LatencyMS:        latencyMS,
		Status:           status,
		ErrorMessage:     errMsg,
		CreatedAt:        g.now().UTC(),
	}
	if err := g.ledger.Append(r); err != nil {
		// A ledger write failure must not lose the model response, but it
		// does deserve a loud log line.
		g.logger.Error("usage record write failed", "task_id", call.TaskID, "error", err)
	}
}

// stripFences removes a surrounding markdown code fence, which models emit
// despite instructions not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop the language tag line
		if lang := strings.TrimSpace(s[:i]); lang == "json" || lang == "" {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
