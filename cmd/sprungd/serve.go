package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/activity"
	"github.com/sprung-app/llm-orchestrator/internal/agent"
	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/config"
	"github.com/sprung-app/llm-orchestrator/internal/conversation"
	"github.com/sprung-app/llm-orchestrator/internal/executor"
	"github.com/sprung-app/llm-orchestrator/internal/handler"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
	natsclient "github.com/sprung-app/llm-orchestrator/internal/nats"
	"github.com/sprung-app/llm-orchestrator/internal/service"
	"github.com/sprung-app/llm-orchestrator/internal/store/sqlite"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/tracing"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if servePort != "" {
			cfg.ServerPort = servePort
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, log)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "Override PORT")
}

// app holds the wired components and what must be closed on shutdown.
type app struct {
	db       *sqlite.DB
	nats     *natsclient.Client
	streams  *natsclient.StreamManager
	tracker  *activity.Tracker
	service  *service.LLMService
	orch     *agent.Orchestrator
	cards    *service.KnowledgeCardService
	closers  []func()
	warmDone chan struct{}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting sprungd", zap.String("version", version))

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "sprungd", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.WithoutCancel(ctx), tp)
		}
	}

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	go a.pruneLoop(ctx, cfg.ActivityRetention, log)

	checks := map[string]handler.ReadinessCheck{}
	if a.db != nil {
		checks["sqlite"] = a.db.Ping
	}
	if a.nats != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nats.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
	}

	var replayer handler.Replayer
	if a.streams != nil {
		replayer = a.streams
	}

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		CORSOrigins:       cfg.CORSOrigins,
	}, handler.Handlers{
		Health:       handler.NewHealthHandler(checks),
		LLM:          handler.NewLLMHandler(a.service, log),
		Conversation: handler.NewConversationHandler(a.service, log),
		Agent:        handler.NewAgentHandler(a.orch, a.cards, replayer, log),
	}, log)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	// Open streams would hold Shutdown until the deadline.
	a.service.CancelAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	<-a.warmDone
	log.Info("server stopped")
	return nil
}

func build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{warmDone: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.StoreBackend != config.StoreMemory {
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, func() { _ = db.Close() })
	}

	if cfg.NATSEnabled {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "sprungd",
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nats = nc
		a.closers = append(a.closers, nc.Close)

		a.streams = natsclient.NewStreamManager(nc)
		if err := a.streams.EnsureStream(ctx); err != nil {
			return nil, fmt.Errorf("failed to ensure activity stream: %w", err)
		}
	}

	convStore, err := conversationStore(ctx, cfg, a)
	if err != nil {
		return nil, err
	}
	var artifacts artifact.Store = artifact.NewMemoryStore()
	if a.db != nil {
		artifacts = a.db.Artifacts()
	}

	validator := newValidator(cfg, log)

	exec := executor.New(executor.Config{
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		MaxRateLimitWaits: cfg.MaxRateLimitWaits,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.RequestBurst,
	}, executor.WithLogger(log))

	opts := []service.Option{service.WithLogger(log)}
	for _, b := range []llm.Backend{llm.BackendOpenRouter, llm.BackendAnthropic, llm.BackendOpenAI} {
		bc, _ := cfg.Backend(string(b))
		if !bc.Enabled() {
			continue
		}
		c, err := llm.NewClient(b, llm.ClientConfig{
			APIKey:       bc.APIKey,
			BaseURL:      bc.BaseURL,
			DefaultModel: bc.DefaultModel,
			MaxTokens:    bc.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", b, err)
		}
		opts = append(opts, service.WithClient(c, bc.DefaultModel))
		log.Info("backend configured", zap.String("backend", string(b)), zap.String("default_model", bc.DefaultModel))
	}
	a.service = service.NewLLMService(validator, exec, conversation.NewCoordinator(convStore, log), opts...)

	agentClient, agentModel, err := agentBackend(cfg, a.service, log)
	if err != nil {
		return nil, err
	}

	a.tracker = activity.NewTracker(log)
	if a.streams != nil {
		a.tracker.AddSink(a.streams)
	}
	a.orch = agent.NewOrchestrator(agentClient, exec, artifacts, a.tracker, agent.Config{
		MaxConcurrent: cfg.AgentMaxConcurrent,
		Timeout:       cfg.AgentTimeout,
		MaxTurns:      cfg.AgentMaxTurns,
		MaxToolCalls:  cfg.AgentMaxToolCalls,
		DefaultModel:  agentModel,
	}, log)
	a.cards = service.NewKnowledgeCardService(a.orch, artifacts, log)

	a.warm(ctx, cfg, validator, log)
	ok = true
	return a, nil
}

func conversationStore(ctx context.Context, cfg *config.Config, a *app) (conversation.Store, error) {
	switch {
	case cfg.StoreBackend == config.StoreNATS:
		kv, err := natsclient.NewConversationKV(ctx, a.nats, cfg.KVBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation bucket: %w", err)
		}
		return kv, nil
	case a.db != nil:
		return a.db.Conversations(), nil
	default:
		return conversation.NewMemoryStore(), nil
	}
}

func newValidator(cfg *config.Config, log *logger.Logger) *capability.Validator {
	opts := []capability.Option{
		capability.WithFailureThreshold(cfg.SchemaFailureThreshold),
		capability.WithFailureWindow(cfg.SchemaFailureWindow),
		capability.WithLogger(log),
	}
	if cfg.OpenRouter.Enabled() {
		catalog := capability.NewOpenRouterCatalog(cfg.OpenRouter.BaseURL, cfg.OpenRouter.APIKey)
		opts = append(opts, capability.WithProber(catalog), capability.WithLister(catalog))
	}
	return capability.NewValidator(opts...)
}

// warm seeds the validator from the persisted cache, then refreshes the
// catalog in the background and writes the result back.
func (a *app) warm(ctx context.Context, cfg *config.Config, v *capability.Validator, log *logger.Logger) {
	if a.db != nil {
		records, err := a.db.LoadCapabilities(ctx, time.Now().Add(-cfg.CapabilityCacheTTL))
		if err != nil {
			log.Warn("failed to load cached capabilities", zap.Error(err))
		} else {
			v.Seed(records...)
			log.Info("capability cache loaded", zap.Int("models", len(records)))
		}
	}

	if !cfg.OpenRouter.Enabled() {
		close(a.warmDone)
		return
	}
	go func() {
		defer close(a.warmDone)
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		n, err := v.RefreshAll(rctx)
		if err != nil {
			log.Warn("capability refresh failed", zap.Error(err))
			return
		}
		log.Info("capability catalog refreshed", zap.Int("models", n))
		if a.db != nil {
			if err := a.db.SaveCapabilities(context.WithoutCancel(rctx), v.Records()); err != nil {
				log.Warn("failed to persist capabilities", zap.Error(err))
			}
		}
	}()
}

// agentBackend picks the client sub-agents run on. It falls back to the
// first configured backend when the preferred one has no credentials.
func agentBackend(cfg *config.Config, svc *service.LLMService, log *logger.Logger) (llm.Client, string, error) {
	backend, ok := llm.ParseBackend(cfg.AgentBackend)
	if !ok {
		return nil, "", fmt.Errorf("unknown AGENT_BACKEND %q", cfg.AgentBackend)
	}
	c, err := svc.Client(backend)
	if err != nil {
		backends := svc.Backends()
		if len(backends) == 0 {
			return nil, "", errors.New("no LLM backend configured")
		}
		log.Warn("agent backend not configured, falling back",
			zap.String("wanted", string(backend)),
			zap.String("using", string(backends[0])),
		)
		backend = backends[0]
		if c, err = svc.Client(backend); err != nil {
			return nil, "", err
		}
	}

	model := cfg.AgentModel
	if model == "" {
		bc, _ := cfg.Backend(string(backend))
		model = bc.DefaultModel
	}
	return c, model, nil
}

func (a *app) pruneLoop(ctx context.Context, retention time.Duration, log *logger.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.tracker.Prune(retention); n > 0 {
				log.Debug("pruned finished tasks", zap.Int("count", n))
			}
		}
	}
}
