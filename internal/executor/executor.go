// Package executor runs LLM requests with retry, rate-limit handling and
// global cancellation.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/internal/stream"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
	"github.com/sprung-app/llm-orchestrator/pkg/tracing"
)

// Config holds the retry policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// MaxRateLimitWaits bounds how many server-directed waits a single
	// request may perform. They do not count as attempts.
	MaxRateLimitWaits int

	// RequestsPerSecond enables client-side pacing when positive.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		MaxRateLimitWaits: 5,
	}
}

// Call identifies a logical request for logs, metrics and error classification.
type Call struct {
	Name    string
	Backend string
	ModelID string
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor owns the set of in-flight requests.
type Executor struct {
	cfg     Config
	limiter *rate.Limiter
	sleep   SleepFunc
	log     *logger.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the wait used between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an executor.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRateLimitWaits <= 0 {
		cfg.MaxRateLimitWaits = 5
	}

	e := &Executor{
		cfg:      cfg,
		sleep:    sleepContext,
		inflight: make(map[string]context.CancelFunc),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logger.OrNop(e.log).Named("executor")
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs fn under the retry policy. fn receives a context that is
// cancelled by CancelAll. Errors are returned classified.
func Execute[T any](ctx context.Context, e *Executor, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := e.register(cancel)
	defer e.release(id)

	reqCtx, span := tracing.Tracer().Start(reqCtx, "llm."+call.Name, trace.WithAttributes(
		attribute.String("llm.request_id", id),
		attribute.String("llm.backend", call.Backend),
		attribute.String("llm.model", call.ModelID),
	))
	defer span.End()

	start := time.Now()
	v, err := retry(reqCtx, e, id, call, span, fn)
	status := "ok"
	if err != nil {
		status = string(llm.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordLLMRequest(call.Name, status, time.Since(start).Seconds())
	return v, err
}

// OpenStream opens a stream under the retry policy and hands it to the
// streaming manager. The request stays in flight until the stream ends.
func (e *Executor) OpenStream(ctx context.Context, call Call, open func(ctx context.Context) (llm.ChunkSource, error), opts ...stream.Option) (*stream.Stream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	id := e.register(cancel)

	reqCtx, span := tracing.Tracer().Start(reqCtx, "llm."+call.Name, trace.WithAttributes(
		attribute.String("llm.request_id", id),
		attribute.String("llm.backend", call.Backend),
		attribute.String("llm.model", call.ModelID),
		attribute.Bool("llm.stream", true),
	))

	src, err := retry(reqCtx, e, id, call, span, open)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		e.release(id)
		cancel()
		return nil, err
	}

	all := []stream.Option{
		stream.WithModel(call.ModelID),
		stream.WithCancelCheck(func() bool { return !e.active(id) }),
		stream.WithAbort(cancel),
		stream.WithOnClose(func() {
			span.End()
			e.release(id)
			cancel()
		}),
	}
	return stream.New(reqCtx, src, append(all, opts...)...), nil
}

func retry[T any](ctx context.Context, e *Executor, id string, call Call, span trace.Span, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	log := e.log.WithRequest(id, call.Backend, call.ModelID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = e.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	waits := 0
	for {
		if !e.active(id) {
			return zero, llm.NewCancelledError(nil)
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return zero, e.abortError(ctx, id, call, err)
			}
		}

		attempts++
		metrics.LLMAttemptsTotal.WithLabelValues(call.Name).Inc()
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", attempts)))

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		if ctx.Err() != nil || !e.active(id) {
			return zero, e.abortError(ctx, id, call, err)
		}

		cerr := llm.Classify(err, call.ModelID)
		metrics.LLMErrorsTotal.WithLabelValues(string(cerr.Kind)).Inc()

		if !cerr.Retryable() {
			return zero, cerr
		}

		var delay time.Duration
		switch {
		case cerr.Kind == llm.KindRateLimited && cerr.RetryAfter > 0:
			if waits >= e.cfg.MaxRateLimitWaits {
				return zero, cerr
			}
			waits++
			attempts--
			delay = cerr.RetryAfter
		case attempts > e.cfg.MaxRetries:
			return zero, cerr
		default:
			delay = b.NextBackOff()
		}

		log.Warn("retrying llm request",
			zap.String("operation", call.Name),
			zap.String("kind", string(cerr.Kind)),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
		)

		if err := e.sleep(ctx, delay); err != nil {
			return zero, e.abortError(ctx, id, call, err)
		}
	}
}

// abortError maps an interrupted request: CancelAll and caller cancellation
// become cancelled, a caller deadline becomes timeout.
func (e *Executor) abortError(ctx context.Context, id string, call Call, err error) error {
	if !e.active(id) {
		return llm.NewCancelledError(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return llm.Classify(ctxErr, call.ModelID)
	}
	return llm.Classify(err, call.ModelID)
}

func (e *Executor) register(cancel context.CancelFunc) string {
	id := uuid.NewString()
	e.mu.Lock()
	e.inflight[id] = cancel
	e.mu.Unlock()
	metrics.InFlightRequests.Inc()
	return id
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	_, ok := e.inflight[id]
	delete(e.inflight, id)
	e.mu.Unlock()
	if ok {
		metrics.InFlightRequests.Dec()
	}
}

func (e *Executor) active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

// CancelAll cancels every in-flight request and clears the set. Requests
// observe the cancellation before their next attempt.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.inflight))
	for id, cancel := range e.inflight {
		cancels = append(cancels, cancel)
		delete(e.inflight, id)
	}
	e.mu.Unlock()

	metrics.InFlightRequests.Sub(float64(len(cancels)))
	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		e.log.Info("cancelled in-flight requests", zap.Int("count", len(cancels)))
	}
}

// InFlight returns the number of registered requests.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}
