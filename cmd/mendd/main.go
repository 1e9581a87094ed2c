// Command mendd is the mend server daemon. It wires the task queue, the
// model gateway, the sandbox, and the HTTP API together from a YAML config
// file and runs until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mendhq/mend/agent"
	"github.com/mendhq/mend/config"
	"github.com/mendhq/mend/gateway"
	"github.com/mendhq/mend/githost"
	"github.com/mendhq/mend/internal/db"
	"github.com/mendhq/mend/internal/version"
	"github.com/mendhq/mend/orchestrator"
	"github.com/mendhq/mend/prompt"
	"github.com/mendhq/mend/provider"
	"github.com/mendhq/mend/provider/anthropic"
	"github.com/mendhq/mend/provider/openai"
	"github.com/mendhq/mend/queue"
	"github.com/mendhq/mend/repo"
	"github.com/mendhq/mend/sandbox"
	"github.com/mendhq/mend/server"
	"github.com/mendhq/mend/server/api"
	"github.com/mendhq/mend/task"
	"github.com/mendhq/mend/usage"
)

var configPath = flag.String("config", "mend.yaml", "path to config file")

func main() {
	flag.Parse()

	// A local .env is optional; config expands ${VAR} references itself.
	_ = godotenv.Load()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	logger.Info("starting mendd",
		"version", version.Version,
		"commit", version.Commit,
	)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	conn, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer conn.Close() //nolint:errcheck

	tasks, err := task.NewSQLiteStore(conn)
	if err != nil {
		log.Fatalf("task store: %v", err)
	}
	ledger, err := usage.NewSQLiteStore(conn)
	if err != nil {
		log.Fatalf("usage store: %v", err)
	}

	registry, err := prompt.NewRegistry(cfg.Prompts.OverlayDir, logger)
	if err != nil {
		log.Fatalf("prompt registry: %v", err)
	}

	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		log.Fatal("no model providers configured; set an API key for openai or anthropic")
	}

	gw := gateway.New(providers, registry, ledger, gateway.Budget{
		MaxCostPerTaskUSD:       cfg.Budget.MaxCostPerTaskUSD,
		MaxTokensPerTask:        cfg.Budget.MaxTokensPerTask,
		MaxCostPerUserPerDayUSD: cfg.Budget.MaxCostPerUserPerDayUSD,
	}, logger, gateway.WithModelOverrides(cfg.Prompts.Models))

	git, err := repo.NewManager(cfg.Workspace.Dir, cfg.GitHub.Token, logger)
	if err != nil {
		log.Fatalf("workspace manager: %v", err)
	}

	runner, err := sandbox.NewDockerRunner(sandbox.Config{
		Image:            cfg.Sandbox.Image,
		MemoryLimitBytes: int64(cfg.Sandbox.MemoryLimitMB) * 1024 * 1024,
		Timeout:          time.Duration(cfg.Sandbox.TestTimeoutSeconds) * time.Second,
		NetworkMode:      cfg.Sandbox.NetworkMode,
	}, logger)
	if err != nil {
		log.Fatalf("sandbox: %v", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Tasks:    tasks,
		TestGen:  agent.NewTestGenerator(gw),
		Fixer:    agent.NewFixAgent(gw),
		Guardian: agent.NewGuardian(gw),
		Sandbox:  runner,
		Git:      git,
		Host:     githost.NewGitHub(cfg.GitHub.Token),
		Logger:   logger,
	})

	q := queue.New(queue.Config{
		MaxActiveTasks:        cfg.Queue.MaxActiveTasks,
		MaxTasksPerUserPerDay: cfg.Queue.MaxTasksPerUserPerDay,
		Workers:               cfg.Queue.Workers,
		TaskTimeout:           cfg.Queue.TaskTimeout(),
		AllowedHosts:          cfg.Queue.AllowedHosts,
	}, tasks, orch, logger)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	srv := server.New(cfg, &api.Handlers{
		Queue:  q,
		Tasks:  tasks,
		Usage:  ledger,
		Logger: logger,
	}, version.Version, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	cancel()
	q.Wait()
	logger.Info("shutdown complete")
}

// buildProviders instantiates every provider with a configured key.
func buildProviders(cfg *config.Config, logger *slog.Logger) map[string]provider.Provider {
	providers := make(map[string]provider.Provider)
	if p := cfg.Providers.OpenAI; p.Enabled && p.APIKey != "" {
		var opts []openai.Option
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		providers["openai"] = openai.New(p.APIKey, opts...)
		logger.Info("provider enabled", "provider", "openai")
	}
	if p := cfg.Providers.Anthropic; p.Enabled && p.APIKey != "" {
		var opts []anthropic.Option
		if p.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(p.BaseURL))
		}
		providers["anthropic"] = anthropic.New(p.APIKey, opts...)
		logger.Info("provider enabled", "provider", "anthropic")
	}
	return providers
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
