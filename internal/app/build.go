package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/companion/internal/chat"
	"github.com/ent0n29/companion/internal/completion"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/httpapi"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/ratelimit"
	"github.com/ent0n29/companion/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Chat     *chat.Service
	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Metrics  *observability.Metrics
	Backends httpapi.Backends

	store   memory.Store
	windows ratelimit.WindowStore
	logger  *zap.Logger
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	// Windows outlive their length by a margin so a late check still sees them.
	windows, err := ratelimit.NewWindowStore(ctx, cfg.RedisURL, 2*cfg.RateLimitWindow)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("rate limit store init failed: %w", err)
	}

	transport, provider, err := completion.NewTransport(ctx, completion.Config{
		Mode:    cfg.CompletionMode,
		APIKey:  cfg.GeminiAPIKey,
		BaseURL: cfg.GeminiBaseURL,
		Model:   cfg.GeminiModel,
		Timeout: cfg.CompletionTimeout,
	})
	if err != nil {
		_ = windows.Close()
		_ = store.Close()
		return nil, fmt.Errorf("completion transport init failed: %w", err)
	}

	limiter := ratelimit.New(windows, ratelimit.Config{
		MaxMessages: cfg.RateLimitMaxMessages,
		Window:      cfg.RateLimitWindow,
	}, logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	svc := chat.NewService(chat.Deps{
		Store:          store,
		Limiter:        limiter,
		Transport:      transport,
		Provider:       provider,
		Metrics:        metrics,
		Logger:         logger,
		PersistTimeout: cfg.PersistTimeout,
	}, sessions)

	backends := httpapi.Backends{
		StoreMode:          store.Mode(),
		WindowStoreMode:    windows.Mode(),
		CompletionProvider: provider,
	}
	logger.Info("backends ready",
		zap.String("store", backends.StoreMode),
		zap.String("rate_limit_store", backends.WindowStoreMode),
		zap.String("completion", backends.CompletionProvider),
	)

	return &BuildResult{
		Config:   cfg,
		API:      httpapi.New(cfg, svc, metrics, logger, backends),
		Chat:     svc,
		Sessions: sessions,
		Limiter:  limiter,
		Metrics:  metrics,
		Backends: backends,
		store:    store,
		windows:  windows,
		logger:   logger,
	}, nil
}

// Start launches the background loops; they stop when ctx is cancelled.
func (b *BuildResult) Start(ctx context.Context) {
	b.Limiter.Start(ctx, b.Config.RateLimitTick)
	b.Sessions.StartJanitor(ctx, janitorInterval(b.Config.SessionInactivityTimeout))
}

// Cleanup logs every conversation out, waits for queued writes and closes
// the stores.
func (b *BuildResult) Cleanup(ctx context.Context) error {
	var errs []error
	if err := b.Chat.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain conversations: %w", err))
	}
	if err := b.windows.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close rate limit store: %w", err))
	}
	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory store: %w", err))
	}
	return errors.Join(errs...)
}

func janitorInterval(timeout time.Duration) time.Duration {
	d := timeout / 10
	if d < time.Second {
		return time.Second
	}
	if d > 30*time.Second {
		return 30 * time.Second
	}
	return d
}
