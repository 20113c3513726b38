package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

var (
	// ErrModelDisabled is wrapped by the client error returned for disabled models.
	ErrModelDisabled = errors.New("model is disabled")
	// ErrModelNotFound is wrapped by the client error returned for unknown models.
	ErrModelNotFound = errors.New("model not found")
)

// Prober fetches live capability metadata for a single model.
type Prober interface {
	Probe(ctx context.Context, modelID string) (Record, error)
}

// Lister fetches capability metadata for every model a backend offers.
type Lister interface {
	ListModels(ctx context.Context) ([]Record, error)
}

const (
	defaultFailureThreshold = 2
	defaultFailureWindow    = time.Hour
)

// Validator caches capability records and gates requests on them. All state
// is guarded by a single mutex; probes run outside it.
type Validator struct {
	mu       sync.Mutex
	records  map[string]Record
	disabled map[string]struct{}

	prober    Prober
	lister    Lister
	threshold int
	window    time.Duration
	now       func() time.Time
	log       *logger.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithProber sets the live probe used when a cached record falls short.
func WithProber(p Prober) Option {
	return func(v *Validator) { v.prober = p }
}

// WithLister sets the bulk source used by RefreshAll.
func WithLister(l Lister) Option {
	return func(v *Validator) { v.lister = l }
}

// WithFailureThreshold sets how many consecutive schema failures disable schema mode.
func WithFailureThreshold(n int) Option {
	return func(v *Validator) {
		if n > 0 {
			v.threshold = n
		}
	}
}

// WithFailureWindow sets how long schema failures are remembered.
func WithFailureWindow(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.window = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(v *Validator) { v.log = l }
}

// NewValidator creates an empty validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		records:   make(map[string]Record),
		disabled:  make(map[string]struct{}),
		threshold: defaultFailureThreshold,
		window:    defaultFailureWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = logger.OrNop(v.log).Named("capability")
	return v
}

// Validate checks that modelID supports every required capability, probing
// once when the cached record falls short.
func (v *Validator) Validate(ctx context.Context, modelID string, required ...Capability) error {
	v.mu.Lock()
	if _, off := v.disabled[modelID]; off {
		v.mu.Unlock()
		return &llm.Error{Kind: llm.KindClient, Message: "model is disabled", ModelID: modelID, Err: ErrModelDisabled}
	}
	rec, ok := v.records[modelID]
	v.mu.Unlock()

	if !ok {
		return &llm.Error{Kind: llm.KindClient, Message: fmt.Sprintf("model not found: %s", modelID), ModelID: modelID, Err: ErrModelNotFound}
	}

	missing := rec.Missing(required)
	if len(missing) == 0 {
		return nil
	}
	if v.prober == nil {
		return missingError(modelID, missing)
	}

	v.log.Debug("probing model capabilities",
		zap.String("model", modelID),
		zap.String("missing", joinCapabilities(missing)),
	)

	probed, err := v.prober.Probe(ctx, modelID)
	if err != nil {
		metrics.CapabilityProbesTotal.WithLabelValues("error").Inc()
		v.log.Warn("capability probe failed", zap.String("model", modelID), zap.Error(err))
		return &llm.Error{Kind: llm.KindClient, Message: err.Error(), ModelID: modelID, Err: err}
	}
	metrics.CapabilityProbesTotal.WithLabelValues("ok").Inc()

	rec = v.update(modelID, probed)

	missing = rec.Missing(required)
	if len(missing) > 0 {
		return missingError(modelID, missing)
	}
	return nil
}

func missingError(modelID string, missing []Capability) error {
	return &llm.Error{
		Kind:    llm.KindClient,
		Message: fmt.Sprintf("model %s does not support: %s", modelID, joinCapabilities(missing)),
		ModelID: modelID,
	}
}

// update stores fresh metadata while keeping the schema failure history.
func (v *Validator) update(modelID string, fresh Record) Record {
	v.mu.Lock()
	defer v.mu.Unlock()

	fresh.ModelID = modelID
	if old, ok := v.records[modelID]; ok {
		fresh.Failures = old.Failures
	}
	if fresh.CheckedAt.IsZero() {
		fresh.CheckedAt = v.now()
	}
	v.records[modelID] = fresh
	return fresh
}

// Seed loads records into the cache. Existing failure histories are kept.
func (v *Validator) Seed(records ...Record) {
	for _, r := range records {
		if r.ModelID == "" {
			continue
		}
		v.update(r.ModelID, r)
	}
}

// Record returns a copy of the cached record for modelID.
func (v *Validator) Record(modelID string) (Record, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.records[modelID]
	return r, ok
}

// Records returns a snapshot of every cached record.
func (v *Validator) Records() []Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Record, 0, len(v.records))
	for _, r := range v.records {
		out = append(out, r)
	}
	return out
}

// Disable blocks all requests to modelID until Enable is called.
func (v *Validator) Disable(modelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disabled[modelID] = struct{}{}
}

// Enable lifts a Disable.
func (v *Validator) Enable(modelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.disabled, modelID)
}

// IsDisabled reports whether modelID is administratively disabled.
func (v *Validator) IsDisabled(modelID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, off := v.disabled[modelID]
	return off
}

// RecordSchemaFailure notes that a schema-mode request for modelID failed.
func (v *Validator) RecordSchemaFailure(modelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	rec := v.records[modelID]
	rec.ModelID = modelID
	if !rec.Failures.LastFailure.IsZero() && now.Sub(rec.Failures.LastFailure) >= v.window {
		rec.Failures.Consecutive = 0
	}
	rec.Failures.Consecutive++
	rec.Failures.LastFailure = now
	v.records[modelID] = rec

	if rec.Failures.Consecutive >= v.threshold {
		v.log.Info("schema mode suspended for model",
			zap.String("model", modelID),
			zap.Int("consecutive_failures", rec.Failures.Consecutive),
		)
	}
}

// RecordSchemaSuccess resets the failure counter for modelID.
func (v *Validator) RecordSchemaSuccess(modelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.records[modelID]
	if !ok {
		return
	}
	rec.Failures = FailureHistory{}
	v.records[modelID] = rec
}

// RecordSchemaOutcome feeds a flexible JSON result back into the history.
// Only schema-mode outcomes move the counter.
func (v *Validator) RecordSchemaOutcome(modelID string, usedSchema, ok bool) {
	mode := "json_object"
	if usedSchema {
		mode = "json_schema"
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	metrics.SchemaOutcomesTotal.WithLabelValues(mode, result).Inc()

	if !usedSchema {
		return
	}
	if ok {
		v.RecordSchemaSuccess(modelID)
	} else {
		v.RecordSchemaFailure(modelID)
	}
}

// ShouldUseSchema reports whether flexible JSON requests for modelID should
// use schema mode.
func (v *Validator) ShouldUseSchema(modelID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	rec, ok := v.records[modelID]
	if !ok || !rec.SupportsStructuredOutput || !rec.SupportsJSONSchema {
		return false
	}
	f := rec.Failures
	if f.Consecutive >= v.threshold && v.now().Sub(f.LastFailure) < v.window {
		return false
	}
	return true
}

// RefreshAll reseeds the cache from the configured lister.
func (v *Validator) RefreshAll(ctx context.Context) (int, error) {
	if v.lister == nil {
		return 0, errors.New("no model lister configured")
	}
	records, err := v.lister.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list models: %w", err)
	}
	v.Seed(records...)
	v.log.Info("capability cache refreshed", zap.Int("models", len(records)))
	return len(records), nil
}
