package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	steward "github.com/stewardhq/steward"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/observer"
	"github.com/stewardhq/steward/provider/openaicompat"
	"github.com/stewardhq/steward/sandbox"
	"github.com/stewardhq/steward/server"
	"github.com/stewardhq/steward/store/postgres"
	"github.com/stewardhq/steward/store/sqlite"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("STEWARD_CONFIG"))

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Observer (opt-in via config)
	var inst *observer.Instruments
	var tracer steward.Tracer
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(context.Background())
		if err != nil {
			log.Fatalf("[observer] init failed: %v", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
		logger.Info("observer: OTEL observability enabled")
	}

	// 3. Provider
	var llm steward.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Host+"/v1")
	if inst != nil {
		llm = observer.WrapProvider(llm, cfg.LLM.Model, inst)
	}
	llm = steward.WithRetry(llm, steward.RetryLogger(logger))

	// 4. Store
	var store steward.Store
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			log.Fatalf("[store] postgres connect failed: %v", err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		store = sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("[store] init failed: %v", err)
	}
	defer store.Close()

	memory := steward.NewMemory(store, cfg.Memory.Limit, cfg.Memory.DefaultTemplate)

	// 5. Sandbox registry
	docker, err := sandbox.NewDockerClient(cfg.Sandbox.DockerHost)
	if err != nil {
		log.Fatalf("[sandbox] docker client failed: %v", err)
	}
	boxCfg := sandbox.Config{
		Image:             cfg.Sandbox.Image,
		ContainerTemplate: cfg.Sandbox.ContainerTemplate,
		UploadDir:         cfg.Server.UploadDir,
		StateDir:          cfg.Sandbox.StateDir,
		ReturnDir:         cfg.Sandbox.ReturnDir,
		Persist:           cfg.Sandbox.Persist,
		HardTimeout:       time.Duration(cfg.Sandbox.HardTimeout) * time.Second,
	}
	registry := sandbox.NewRegistry(func(user string) *sandbox.Box {
		return sandbox.New(docker, boxCfg, user, sandbox.WithLogger(logger))
	}, cfg.Sandbox.Persist, logger)
	defer registry.ShutdownAll(context.Background())

	// 6. Gateway
	srvOpts := []server.Option{server.WithLogger(logger)}
	if tracer != nil {
		srvOpts = append(srvOpts, server.WithTracer(tracer))
	}
	if inst != nil {
		srvOpts = append(srvOpts, server.WithToolWrapper(func(t steward.Tool) steward.Tool {
			return observer.WrapTool(t, inst)
		}))
	}
	srv := server.New(llm, store, memory, registry, server.Config{
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MiniAgentPrompt:  cfg.Agent.MiniAgentPrompt,
		NumCtx:           cfg.LLM.NumCtx,
		MaxToolCallDepth: cfg.Agent.MaxToolCallDepth,
		MaxMiniAgents:    cfg.Agent.MaxMiniAgents,
		ToolPlaceholder:  cfg.Agent.ToolPlaceholder,
		Think:            cfg.LLM.Think,
		PollInterval:     time.Duration(cfg.Agent.NotificationPollInterval) * time.Second,
	}, srvOpts...)

	logger.Info("steward: listening", "addr", cfg.Server.Listen, "model", cfg.LLM.Model)
	if err := srv.ListenAndServe(ctx, cfg.Server.Listen); err != nil {
		logger.Error("steward: server stopped", "error", err)
	}
}
