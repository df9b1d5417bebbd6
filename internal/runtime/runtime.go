// Package runtime wires the conversation engine into an HTTP server and
// manages its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/chenpipi0807/PIP-Assistant/internal/budget"
	"github.com/chenpipi0807/PIP-Assistant/internal/chat"
	"github.com/chenpipi0807/PIP-Assistant/internal/config"
	"github.com/chenpipi0807/PIP-Assistant/internal/conversation"
	"github.com/chenpipi0807/PIP-Assistant/internal/extract"
	"github.com/chenpipi0807/PIP-Assistant/internal/llm"
	"github.com/chenpipi0807/PIP-Assistant/internal/ratelimit"
	"github.com/chenpipi0807/PIP-Assistant/internal/telemetry"
)

// Runtime manages the full lifecycle of the assistant server.
type Runtime struct {
	config     config.Config
	store      *conversation.Store
	closer     io.Closer
	janitor    *conversation.Janitor
	controller *chat.Controller
	server     *Server
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// Options injects collaborators, mainly for tests.
type Options struct {
	Logger    *slog.Logger
	LLMClient llm.Client
	Backend   conversation.Backend
	Extractor extract.Extractor
}

// New creates a runtime from cfg.
func New(ctx context.Context, cfg config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := telemetry.NewMetrics()

	backend := opts.Backend
	var closer io.Closer
	if backend == nil {
		var err error
		backend, closer, err = OpenBackend(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
	}
	store := conversation.Open(ctx, backend,
		conversation.WithLogger(logger.With("component", "store")),
		conversation.WithObserver(metrics),
	)

	janitor, err := conversation.NewJanitor(store, conversation.RetentionPolicy{
		MaxAge:   cfg.Retention.MaxAge.Std(),
		MaxCount: cfg.Retention.MaxCount,
	}, cfg.Retention.Schedule, logger.With("component", "janitor"))
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}

	client := opts.LLMClient
	provider, model := resolveProvider(cfg.Provider)
	if client == nil {
		client, err = llm.NewClient(llm.ClientOptions{
			Provider:       provider,
			APIKey:         cfg.Provider.APIKey,
			BaseURL:        cfg.Provider.BaseURL,
			Timeout:        cfg.Provider.Timeout.Std(),
			ThinkingBudget: cfg.Provider.ThinkingBudget,
		})
		if err != nil {
			closeQuietly(closer)
			return nil, fmt.Errorf("create provider client: %w", err)
		}
	}

	cost, err := costFunc(cfg.Context.Cost)
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}
	fallback, err := chat.ParseFallback(cfg.Conversation.Fallback)
	if err != nil {
		closeQuietly(closer)
		return nil, err
	}

	controller := chat.New(store, client,
		chat.WithBudgeter(budget.New(cfg.Context.Budget, cost)),
		chat.WithPrompts(promptsFrom(cfg.Prompts)),
		chat.WithFallback(fallback),
		chat.WithModel(model),
		chat.WithGeneration(cfg.Provider.MaxTokens, cfg.Provider.Temperature),
		chat.WithLogger(logger.With("component", "chat")),
		chat.WithObserver(metrics),
	)

	extractor := opts.Extractor
	if extractor == nil {
		extractor = extract.NewTextExtractor(cfg.Server.MaxUploadBytes)
	}

	serverOpts := []ServerOption{
		WithLogger(logger.With("component", "http")),
		WithMetrics(metrics),
		WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	}
	limits := ratelimit.ConfigFromEnv(ratelimit.Config{
		RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
		Burst:             cfg.Server.RateLimit.Burst,
	})
	if limits.Enabled() {
		serverOpts = append(serverOpts, WithRateLimiter(ratelimit.New(limits, ratelimit.OnLimited(metrics.RateLimited))))
	} else {
		logger.Warn("rate limiting disabled")
	}

	logger.Info("runtime configured",
		"provider", string(provider),
		"model", model,
		"store", cfg.Store.Backend,
		"context_budget", cfg.Context.Budget,
		"fallback", string(fallback),
	)

	return &Runtime{
		config:     cfg,
		store:      store,
		closer:     closer,
		janitor:    janitor,
		controller: controller,
		server:     NewServer(store, controller, extractor, serverOpts...),
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// OpenBackend creates the snapshot backend selected by cfg. The returned
// closer is nil when the backend holds no connection.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (conversation.Backend, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return conversation.NewFileBackend(cfg.Path), nil, nil
	case config.BackendMemory:
		return conversation.NewMemoryBackend(), nil, nil
	case config.BackendRedis:
		client := conversation.NewGoRedisClient(cfg.RedisAddr)
		return conversation.NewRedisBackend(client, cfg.RedisKey), client, nil
	case config.BackendS3:
		b, err := conversation.NewS3BackendFromEnv(ctx, cfg.S3Bucket, cfg.S3Key)
		if err != nil {
			return nil, nil, fmt.Errorf("open s3 backend: %w", err)
		}
		return b, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// resolveProvider honours an explicit "provider/" model prefix, then the
// configured kind, then inference from the model name.
func resolveProvider(p config.ProviderConfig) (llm.Provider, string) {
	provider, model := llm.ParseModelString(p.Model)
	if strings.Contains(p.Model, "/") && model != p.Model {
		return provider, model
	}
	if p.Kind != "" {
		provider = llm.Provider(strings.ToLower(p.Kind))
	}
	return provider, model
}

func costFunc(name string) (budget.CostFunc, error) {
	switch name {
	case "", config.CostRunes:
		return budget.RuneCost, nil
	case config.CostTokens:
		return budget.TokenizerCost()
	}
	return nil, fmt.Errorf("unknown context cost %q", name)
}

func promptsFrom(p config.PromptsConfig) chat.Prompts {
	return chat.Prompts{System: p.System, Search: p.Search, Upload: p.Upload}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

// Start starts the janitor and serves HTTP until Shutdown. After Shutdown it
// returns nil without starting anything.
func (rt *Runtime) Start(_ context.Context) error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return nil
	}
	rt.janitor.Start()
	rt.mu.Unlock()
	return rt.server.ListenAndServe(rt.config.Server.Addr)
}

// Shutdown gracefully stops the server, then the janitor, then closes the
// backend connection.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info("shutting down runtime")
	rt.mu.Lock()
	rt.stopped = true
	rt.mu.Unlock()

	var errs []error
	if err := rt.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if err := rt.janitor.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop janitor: %w", err))
	}
	if rt.closer != nil {
		if err := rt.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store backend: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ApplyPrompts swaps the prompts used by subsequent requests.
func (rt *Runtime) ApplyPrompts(p config.PromptsConfig) {
	rt.controller.SetPrompts(promptsFrom(p))
	rt.logger.Info("prompts updated")
}

// Handler returns the HTTP handler.
func (rt *Runtime) Handler() http.Handler { return rt.server.Handler() }

// Store returns the conversation store.
func (rt *Runtime) Store() *conversation.Store { return rt.store }

// Janitor returns the retention janitor.
func (rt *Runtime) Janitor() *conversation.Janitor { return rt.janitor }

// Addr returns the configured listen address.
func (rt *Runtime) Addr() string { return rt.config.Server.Addr }
