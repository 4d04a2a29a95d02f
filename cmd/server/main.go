package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/musicgen/internal/artifact"
	"github.com/makeasinger/musicgen/internal/audit"
	"github.com/makeasinger/musicgen/internal/auth"
	"github.com/makeasinger/musicgen/internal/client"
	"github.com/makeasinger/musicgen/internal/config"
	"github.com/makeasinger/musicgen/internal/engine"
	"github.com/makeasinger/musicgen/internal/events"
	"github.com/makeasinger/musicgen/internal/middleware"
	"github.com/makeasinger/musicgen/internal/model"
	"github.com/makeasinger/musicgen/internal/notify"
	"github.com/makeasinger/musicgen/internal/objectstore"
	"github.com/makeasinger/musicgen/internal/orchestrator"
	"github.com/makeasinger/musicgen/internal/prompt"
	"github.com/makeasinger/musicgen/internal/registry"
	"github.com/makeasinger/musicgen/internal/scheduler"
	"github.com/makeasinger/musicgen/internal/server"
	"github.com/makeasinger/musicgen/internal/service"
	ws "github.com/makeasinger/musicgen/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLog, err := logger.New(cfg.Server.LogDir, "musicgen.log")
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer appLog.Close()

	ctx := context.Background()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisUp = false
		appLog.Warn("Redis not available: %v", err)
	}

	// Task registry
	var reg registry.Registry
	switch cfg.Registry.Backend {
	case "redis":
		reg = registry.NewRedis(redisClient, cfg.Registry.TerminalTTL)
	default:
		reg = registry.NewMemory(cfg.Registry.MaxTerminal, cfg.Registry.TerminalTTL)
	}
	appLog.Info("Task registry: %s", cfg.Registry.Backend)

	// Lifecycle notifications
	hub := ws.NewHub(appLog)
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	notifier := notify.NewFanout(func(ev *model.TaskEvent, err error) {
		appLog.Warn("Notify failed for task %s (%s): %v", ev.TaskID, ev.Type, err)
	}, hub)

	var natsConnection *nats.Conn
	if cfg.NATS.URL != "" {
		natsConnection, err = nats.Connect(cfg.NATS.URL, nats.Name("musicgen"))
		if err != nil {
			appLog.Warn("NATS not available: %v", err)
		} else {
			defer natsConnection.Close()
			notifier.Add(events.NewPublisher(natsConnection, cfg.NATS.EventsSubject))
			appLog.Info("Publishing task events on %s.*", cfg.NATS.EventsSubject)
		}
	}

	var history service.HistoryStore
	if cfg.Audit.Driver != "" {
		auditStore, err := audit.Open(ctx, cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			appLog.Error("Audit store not initialized: %v", err)
		} else {
			defer auditStore.Close()
			notifier.Add(auditStore)
			history = auditStore
		}
	}

	// Artifact store and optional mirror
	var mirror artifact.Mirror
	switch cfg.Artifacts.Mirror {
	case "r2":
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			appLog.Warn("R2 mirror not initialized: %v", err)
		} else {
			mirror = r2Client
		}
	case "nats":
		if natsConnection == nil {
			appLog.Warn("NATS mirror requested but NATS is not connected")
			break
		}
		js, err := natsConnection.JetStream()
		if err != nil {
			appLog.Warn("JetStream not available: %v", err)
			break
		}
		store, err := objectstore.New(js, cfg.NATS.ObjectBucket)
		if err != nil {
			appLog.Warn("NATS mirror not initialized: %v", err)
		} else {
			mirror = store
		}
	}

	artifacts, err := artifact.NewStore(cfg.Artifacts.Dir, cfg.Artifacts.PublicPrefix, cfg.Audio.BitDepth, mirror, appLog)
	if err != nil {
		appLog.Error("Artifact store: %v", err)
		log.Fatalf("Artifact store: %v", err)
	}

	// External clients
	llmClient := client.NewLLMClient(&cfg.LLM)
	if !llmClient.IsConfigured() {
		appLog.Info("Prompt optimizer not configured, raw descriptions are used as prompts")
	}
	optimizer := prompt.NewOptimizer(llmClient, prompt.ParsePolicy(cfg.LLM.PromptPolicy), appLog)

	var inference client.InferenceClient
	engineClient := client.NewEngineClient(&cfg.Engine)
	if engineClient.IsConfigured() {
		inference = engineClient
	} else {
		appLog.Warn("Inference service not configured, using the tone engine")
	}
	adapter := engine.NewAdapter(inference, engine.Options{
		SampleRate:      cfg.Engine.SampleRate,
		TokensPerSecond: cfg.Engine.TokensPerSecond,
		MaxConcurrency:  cfg.Engine.MaxConcurrency,
		MelodySeconds:   cfg.Engine.MelodySeconds,
	}, appLog)

	orch := orchestrator.New(reg, optimizer, adapter, artifacts, notifier, orchestrator.Options{
		FadeMs:     cfg.Audio.FadeMs,
		Normalize:  cfg.Audio.Normalize,
		FitMode:    orchestrator.ParseFitMode(cfg.Audio.FitMode),
		RoundYield: cfg.Audio.RoundYield,
	}, appLog)

	// Scheduler
	sched, err := newScheduler(cfg, orch, appLog)
	if err != nil {
		log.Fatalf("Asynq worker error: %v", err)
	}
	appLog.Info("Scheduler: %s (concurrency %d)", cfg.Scheduler.Backend, cfg.Scheduler.Concurrency)

	svc := service.NewGenerationService(reg, sched, artifacts, history, notifier, appLog)

	// Auth (optional)
	var authMiddleware *middleware.AuthMiddleware
	if cfg.Auth.Enabled {
		var verifier auth.TokenVerifier
		if cfg.Auth.Issuer != "" {
			jwksVerifier, err := auth.NewJWKSVerifier(&cfg.Auth)
			if err != nil {
				appLog.Warn("JWKS verifier not initialized: %v", err)
			} else {
				defer jwksVerifier.Close()
				verifier = jwksVerifier
			}
		}
		authMiddleware = middleware.NewAuthMiddleware(verifier, cfg.Auth.JWTSecret)
		if !authMiddleware.Configured() {
			log.Fatalf("Auth enabled but neither an issuer nor a JWT secret is usable")
		}
	}

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.GeneratePerHour > 0 {
		rateLimiter = middleware.NewRateLimiter(redisClient)
	}

	app := server.New(server.Deps{
		Service:         svc,
		Hub:             hub,
		Validate:        validator.New(),
		Auth:            authMiddleware,
		RateLimiter:     rateLimiter,
		GeneratePerHour: cfg.RateLimit.GeneratePerHour,
		BodyLimitMB:     cfg.Server.BodyLimitMB,
		Debug:           server.IsDebug(cfg.Server.LogLevel),
		Health: map[string]bool{
			"llm":    llmClient.IsConfigured(),
			"engine": !adapter.IsMock(),
			"redis":  redisUp,
			"nats":   natsConnection != nil,
			"mirror": mirror != nil,
			"audit":  history != nil,
			"auth":   authMiddleware != nil,
		},
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		appLog.Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			appLog.Error("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	appLog.Info("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		appLog.Error("Server error: %v", err)
	}

	// In-flight tasks are cancelled and recorded before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("Scheduler shutdown: %v", err)
	}
	appLog.Info("Server stopped")
}

// newScheduler builds the configured backend; the asynq worker is started.
func newScheduler(cfg *config.Config, runner scheduler.Runner, appLog *logger.Logger) (scheduler.Scheduler, error) {
	if cfg.Scheduler.Backend != "asynq" {
		return scheduler.NewLocal(runner, cfg.Scheduler.Concurrency, appLog), nil
	}
	queue := scheduler.NewAsynq(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, runner, scheduler.AsynqOptions{
		Concurrency: cfg.Scheduler.Concurrency,
		Queue:       cfg.Scheduler.Queue,
		LogLevel:    cfg.Server.LogLevel,
	}, appLog)
	if err := queue.Start(); err != nil {
		return nil, err
	}
	return queue, nil
}
