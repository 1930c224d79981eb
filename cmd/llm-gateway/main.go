// Command llm-gateway runs the LLM execution gateway: an HTTP facade, a
// single-worker dispatcher, and a WebSocket monitor stream over a Redis-backed
// task store.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/VladPil/llm-gateway/api"
	"github.com/VladPil/llm-gateway/config"
	"github.com/VladPil/llm-gateway/dispatcher"
	"github.com/VladPil/llm-gateway/events"
	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/metrics"
	"github.com/VladPil/llm-gateway/presets"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/providers/anthropic"
	"github.com/VladPil/llm-gateway/providers/local"
	"github.com/VladPil/llm-gateway/providers/openai"
	"github.com/VladPil/llm-gateway/statestore"
	"github.com/VladPil/llm-gateway/version"
	"github.com/VladPil/llm-gateway/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logger.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.IsProduction() {
		logger.SetLevel(slog.LevelInfo)
	} else {
		logger.SetLevel(slog.LevelDebug)
	}
	logger.Info("starting llm-gateway", append([]any{"environment", cfg.Environment}, version.Attrs()...)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	store := statestore.New(redis.NewClient(redisOpts),
		statestore.WithTTL(cfg.SessionTTL),
		statestore.WithIdempotencyTTL(cfg.IdempotencyTTL),
		statestore.WithQueueMaxSize(cfg.QueueMaxSize),
		statestore.WithLogsMaxRecent(cfg.LogsMaxRecent),
	)
	defer store.Close()

	if err := store.HealthCheck(ctx); err != nil {
		if cfg.IsProduction() {
			return err
		}
		logger.Warn("redis unreachable at startup, continuing", "error", err)
	}

	catalog := presets.NewCatalog()
	if err := catalog.LoadDir(cfg.PresetDir); err != nil {
		return err
	}
	catalog.RegisterDefaults(cfg.OpenAIBaseURL, cfg.AnthropicBaseURL)

	monitor := gpu.NewMonitor(gpu.SMIQuerier{Index: cfg.GPUIndex}, cfg.MaxVRAMUsagePct, cfg.VRAMReserveMB)
	if _, err := monitor.VRAMUsage(ctx); err != nil {
		logger.Warn("gpu not reachable, local model admission disabled", "error", err)
		monitor = nil
	}
	guard := gpu.NewGuard(monitor)

	bus := events.NewBus()
	manager := local.NewManager(monitor, func(eventType, modelName string, data map[string]any) {
		if data == nil {
			data = map[string]any{}
		}
		data["model"] = modelName
		bus.Publish(eventType, "", data)
	})

	registry := providers.NewRegistry(catalog)
	registry.RegisterFactory(providers.KindOpenAI, openai.NewFactory())
	registry.RegisterFactory(providers.KindAnthropic, anthropic.NewFactory())
	registry.RegisterFactory(providers.KindLocal, local.NewFactory(manager))
	registry.RegisterFactory(providers.KindEcho, providers.NewEchoFactory())
	if err := registry.Register("echo", providers.NewEchoProvider("echo")); err != nil {
		return err
	}
	defer registry.CleanupAll()

	webhooks := webhook.NewSender(cfg.WebhookTimeout, cfg.WebhookMaxRetries)
	disp := dispatcher.New(store, registry, guard, bus, webhooks,
		dispatcher.WithPollInterval(cfg.DispatcherPollInterval))
	if err := disp.Start(ctx); err != nil {
		return err
	}

	ticker := events.NewGPUTicker(bus, monitor, store, cfg.GPUStatsInterval)

	promReg := metrics.NewRegistry()
	server := api.NewServer(cfg, store, registry, catalog, disp, guard, monitor, manager, bus, promReg)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		ticker.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", "error", err)
		}
		disp.Stop()
		return nil
	})

	err = group.Wait()
	logger.Info("llm-gateway stopped")
	return err
}
