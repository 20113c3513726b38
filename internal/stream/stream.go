// Package stream turns a raw backend chunk source into a cancellable,
// single-consumer stream of llm.StreamChunk values.
package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sprung-app/llm-orchestrator/internal/llm"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

// Stream forwards chunks from a source to one consumer. Cancellation is
// cooperative: the consumption goroutine checks for it before forwarding
// each chunk.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    llm.ChunkSource

	out  chan llm.StreamChunk
	done chan struct{}

	cancelled atomic.Bool
	closeOnce sync.Once

	accumulate func(full string)
	onClose    []func()
	checks     []func() bool
	aborts     []func()
	modelID    string

	// written by the consumption goroutine, read after done is closed
	text strings.Builder
	err  error
}

// Option configures a Stream.
type Option func(*Stream)

// WithAccumulator registers fn to receive the concatenated text exactly once
// when the stream completes cleanly. It is not called on cancel or error.
func WithAccumulator(fn func(full string)) Option {
	return func(s *Stream) { s.accumulate = fn }
}

// WithOnClose registers fn to run when the consumption goroutine exits.
func WithOnClose(fn func()) Option {
	return func(s *Stream) { s.onClose = append(s.onClose, fn) }
}

// WithCancelCheck registers an external cancellation predicate polled
// between chunks.
func WithCancelCheck(fn func() bool) Option {
	return func(s *Stream) { s.checks = append(s.checks, fn) }
}

// WithAbort registers fn to run on Cancel, typically to abort the underlying request.
func WithAbort(fn func()) Option {
	return func(s *Stream) { s.aborts = append(s.aborts, fn) }
}

// WithModel sets the model id used when classifying source errors.
func WithModel(modelID string) Option {
	return func(s *Stream) { s.modelID = modelID }
}

// New starts consuming src in a new goroutine.
func New(ctx context.Context, src llm.ChunkSource, opts ...Option) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:    ctx,
		cancel: cancel,
		src:    src,
		out:    make(chan llm.StreamChunk),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	start := time.Now()
	status := "completed"

	defer func() {
		_ = s.src.Close()
		close(s.out)
		for _, fn := range s.onClose {
			fn()
		}
		s.cancel()
		metrics.RecordLLMStream(status, time.Since(start).Seconds())
		close(s.done)
	}()

	for {
		if s.stopped() {
			status = s.stopStatus()
			return
		}

		chunk, err := s.src.Recv()

		// A chunk that arrives after cancellation is dropped.
		if s.stopped() {
			status = s.stopStatus()
			return
		}
		if errors.Is(err, io.EOF) {
			s.finish()
			return
		}
		if err != nil {
			s.err = llm.Classify(err, s.modelID)
			status = "error"
			return
		}

		select {
		case s.out <- chunk:
			s.text.WriteString(chunk.Delta)
			metrics.LLMStreamChunksTotal.Inc()
		case <-s.ctx.Done():
			status = s.stopStatus()
			return
		}

		if chunk.IsFinal {
			s.finish()
			return
		}
	}
}

func (s *Stream) finish() {
	if s.accumulate != nil {
		s.accumulate(s.text.String())
	}
}

func (s *Stream) stopped() bool {
	if s.cancelled.Load() || s.ctx.Err() != nil {
		return true
	}
	for _, check := range s.checks {
		if check() {
			return true
		}
	}
	return false
}

// stopStatus records why the goroutine stopped early. A parent deadline is a
// timeout; anything else, whether Cancel, an external check or a cancelled
// parent context, marks the stream cancelled and ends it without error.
func (s *Stream) stopStatus() string {
	if !s.cancelled.Load() && errors.Is(s.ctx.Err(), context.DeadlineExceeded) {
		s.err = llm.Classify(context.DeadlineExceeded, s.modelID)
		return "timeout"
	}
	s.cancelled.Store(true)
	return "cancelled"
}

// Chunks returns the channel of forwarded chunks. It is closed when the
// stream ends for any reason.
func (s *Stream) Chunks() <-chan llm.StreamChunk {
	return s.out
}

// All yields chunks in order. Breaking out of the loop cancels the stream.
func (s *Stream) All() iter.Seq[llm.StreamChunk] {
	return func(yield func(llm.StreamChunk) bool) {
		for chunk := range s.out {
			if !yield(chunk) {
				s.Cancel()
				return
			}
		}
	}
}

// Cancel stops the stream. Chunks not yet forwarded are dropped and the
// accumulator is not called.
func (s *Stream) Cancel() {
	s.closeOnce.Do(func() {
		s.cancelled.Store(true)
		for _, fn := range s.aborts {
			fn()
		}
		s.cancel()
	})
}

// Cancelled reports whether the stream was stopped before completing, by
// Cancel, an external cancel check or its parent context.
func (s *Stream) Cancelled() bool {
	return s.cancelled.Load()
}

// Done is closed once the consumption goroutine has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the stream ends and returns its error. Cancellation is
// not an error.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

// Text blocks until the stream ends and returns the text it received.
func (s *Stream) Text() string {
	<-s.done
	return s.text.String()
}
