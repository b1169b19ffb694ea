package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/batchpilot/batchpilot/internal/batch"
	"github.com/batchpilot/batchpilot/internal/checkpoint"
	"github.com/batchpilot/batchpilot/internal/clock/system"
	"github.com/batchpilot/batchpilot/internal/config"
	"github.com/batchpilot/batchpilot/internal/engine"
	collyfetcher "github.com/batchpilot/batchpilot/internal/fetcher/colly"
	"github.com/batchpilot/batchpilot/internal/id/uuid"
	"github.com/batchpilot/batchpilot/internal/logging"
	"github.com/batchpilot/batchpilot/internal/policy/breaker"
	"github.com/batchpilot/batchpilot/internal/policy/ratelimit"
	"github.com/batchpilot/batchpilot/internal/progress"
	"github.com/batchpilot/batchpilot/internal/progress/sinks"
)

// runtime holds the wired application services shared by the CLI commands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	engine *engine.Engine
	hub    *progress.Hub
	store  checkpoint.Store
}

func buildRuntime(cfgPath string) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init checkpoint store: %w", err)
	}

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	limiter := ratelimit.New(rateConfig(cfg))
	brk := breaker.New(breaker.Config{
		Threshold:   cfg.Breaker.Threshold,
		Reset:       cfg.BreakerReset(),
		HalfOpenMax: cfg.Breaker.HalfOpenMax,
	}, logger.Named("breaker"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Timeout(),
		MaxBodyBytes: int64(cfg.Fetch.MaxBodyBytes),
	}, logger.Named("fetch"))

	eng := engine.New(
		limiter,
		brk,
		fetcher,
		store,
		hub,
		system.New(),
		uuid.New(),
		logger.Named("engine"),
		engine.Config{Defaults: defaultOptions(cfg)},
	)

	return &runtime{
		cfg:    cfg,
		logger: logger,
		engine: eng,
		hub:    hub,
		store:  store,
	}, nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.hub.Close(ctx); err != nil {
		rt.logger.Warn("progress hub close failed", zap.Error(err))
	}
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("checkpoint store close failed", zap.Error(err))
	}
	_ = rt.logger.Sync()
}

func buildStore(cfg config.Config) (checkpoint.Store, error) {
	opts := checkpoint.Options{
		Retention: cfg.Checkpoint.Retention,
		Expiry:    cfg.CheckpointExpiry(),
	}
	switch cfg.Checkpoint.Backend {
	case "sqlite":
		return checkpoint.NewSQLiteStore(cfg.Checkpoint.DBPath, opts)
	default:
		return checkpoint.NewFSStore(cfg.Checkpoint.Dir, opts)
	}
}

func rateConfig(cfg config.Config) ratelimit.Config {
	window := cfg.RateWindow()
	out := ratelimit.Config{
		Default: ratelimit.ScopeLimit{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			Window:            window,
			Burst:             cfg.RateLimit.Burst,
		},
		GlobalRPS:   cfg.RateLimit.GlobalRPS,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
	}
	if len(cfg.RateLimit.PerHost) > 0 {
		out.PerHost = make(map[string]ratelimit.ScopeLimit, len(cfg.RateLimit.PerHost))
		for host, hl := range cfg.RateLimit.PerHost {
			limit := ratelimit.ScopeLimit{
				RequestsPerWindow: hl.RequestsPerWindow,
				Burst:             hl.Burst,
			}
			if hl.WindowSeconds > 0 {
				limit.Window = time.Duration(hl.WindowSeconds) * time.Second
			}
			out.PerHost[strings.ToLower(host)] = limit
		}
	}
	return out
}

func defaultOptions(cfg config.Config) batch.Options {
	return batch.Options{
		Concurrency:     cfg.Batch.Concurrency,
		Delay:           cfg.Delay(),
		Timeout:         cfg.Timeout(),
		MaxRetries:      cfg.Batch.MaxRetries,
		ErrorReportSize: cfg.Batch.ErrorReportSize,
		CheckpointEvery: cfg.Batch.CheckpointEvery,
	}
}
