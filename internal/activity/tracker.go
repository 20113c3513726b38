// Package activity tracks background LLM tasks, sub-agents mostly, and
// publishes their state changes to observers.
package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sprung-app/llm-orchestrator/pkg/logger"
	"github.com/sprung-app/llm-orchestrator/pkg/metrics"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusKilled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Entry is one line of a task transcript.
type Entry struct {
	Time time.Time `json:"time"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// Task is a snapshot of a tracked task.
type Task struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Kind        string     `json:"kind"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Error       string     `json:"error,omitempty"`
	Transcript  []Entry    `json:"transcript,omitempty"`
}

// Counts is the number of tasks in each status.
type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Killed    int `json:"killed"`
}

// EventType classifies a change event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventTranscript EventType = "transcript"
)

// Event describes a single change to a task.
type Event struct {
	Type   EventType `json:"type"`
	TaskID string    `json:"task_id"`
	Kind   string    `json:"kind"`
	Status Status    `json:"status"`
	Error  string    `json:"error,omitempty"`
	Entry  *Entry    `json:"entry,omitempty"`
	Time   time.Time `json:"time"`
}

// Sink receives every event, for example to forward it to a message bus.
type Sink interface {
	PublishEvent(ctx context.Context, e Event) error
}

type task struct {
	Task
	cancel context.CancelFunc
}

// Tracker owns the task table.
type Tracker struct {
	log *logger.Logger
	now func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	subs    map[int]chan Event
	nextSub int
	sinks   []Sink
}

// NewTracker creates an empty tracker.
func NewTracker(log *logger.Logger) *Tracker {
	return &Tracker{
		log:   logger.OrNop(log).Named("activity"),
		now:   time.Now,
		tasks: make(map[string]*task),
		subs:  make(map[int]chan Event),
	}
}

// AddSink registers a sink for all future events.
func (t *Tracker) AddSink(s Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks = append(t.sinks, s)
}

// Start registers a pending task and returns its id.
func (t *Tracker) Start(kind, name string) string {
	id := uuid.NewString()
	now := t.now()

	t.mu.Lock()
	t.tasks[id] = &task{Task: Task{ID: id, DisplayName: name, Kind: kind, Status: StatusPending, StartTime: now}}
	ev := Event{Type: EventStatus, TaskID: id, Kind: kind, Status: StatusPending, Time: now}
	t.mu.Unlock()

	metrics.AgentsActive.WithLabelValues(string(StatusPending)).Inc()
	t.emit(ev)
	return id
}

// Attach registers the cancel function Kill will call.
func (t *Tracker) Attach(id string, cancel context.CancelFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return ErrNotFound
	}
	tk.cancel = cancel
	return nil
}

// MarkRunning moves a pending task to running.
func (t *Tracker) MarkRunning(id string) error {
	return t.transition(id, StatusRunning, "")
}

// Complete moves a running task to completed.
func (t *Tracker) Complete(id string) error {
	return t.transition(id, StatusCompleted, "")
}

// Fail moves a pending or running task to failed.
func (t *Tracker) Fail(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return t.transition(id, StatusFailed, msg)
}

// Kill moves a running task to killed and cancels its context.
func (t *Tracker) Kill(id string) error {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	var cancel context.CancelFunc
	if ok {
		cancel = tk.cancel
	}
	t.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := t.transition(id, StatusKilled, "killed by user"); err != nil {
		return err
	}
	if cancel != nil {
		cancel()
	}
	t.log.Info("task killed", zap.String("task_id", id))
	return nil
}

func (t *Tracker) transition(id string, to Status, errMsg string) error {
	now := t.now()

	t.mu.Lock()
	tk, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	from := tk.Status
	if !canTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	tk.Status = to
	if to.Terminal() {
		end := now
		tk.EndTime = &end
		tk.Error = errMsg
		tk.cancel = nil
	}
	ev := Event{Type: EventStatus, TaskID: id, Kind: tk.Kind, Status: to, Error: errMsg, Time: now}
	t.mu.Unlock()

	metrics.AgentsActive.WithLabelValues(string(from)).Dec()
	if !to.Terminal() {
		metrics.AgentsActive.WithLabelValues(string(to)).Inc()
	}
	t.emit(ev)
	return nil
}

// Append adds a transcript entry.
func (t *Tracker) Append(id string, e Entry) error {
	if e.Time.IsZero() {
		e.Time = t.now()
	}

	t.mu.Lock()
	tk, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	tk.Transcript = append(tk.Transcript, e)
	ev := Event{Type: EventTranscript, TaskID: id, Kind: tk.Kind, Status: tk.Status, Entry: &e, Time: e.Time}
	t.mu.Unlock()

	t.emit(ev)
	return nil
}

// Get returns a snapshot of one task.
func (t *Tracker) Get(id string) (Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[id]
	if !ok {
		return Task{}, false
	}
	return snapshot(tk), true
}

// List returns snapshots of all tasks, oldest first.
func (t *Tracker) List() []Task {
	t.mu.Lock()
	out := make([]Task, 0, len(t.tasks))
	for _, tk := range t.tasks {
		out = append(out, snapshot(tk))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func snapshot(tk *task) Task {
	out := tk.Task
	out.Transcript = append([]Entry(nil), tk.Transcript...)
	if tk.EndTime != nil {
		end := *tk.EndTime
		out.EndTime = &end
	}
	return out
}

// Counts tallies tasks by status.
func (t *Tracker) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	var c Counts
	for _, tk := range t.tasks {
		switch tk.Status {
		case StatusPending:
			c.Pending++
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusKilled:
			c.Killed++
		}
	}
	return c
}

// Prune drops terminal tasks that ended before the cutoff.
func (t *Tracker) Prune(olderThan time.Duration) int {
	cutoff := t.now().Add(-olderThan)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, tk := range t.tasks {
		if tk.Status.Terminal() && tk.EndTime != nil && tk.EndTime.Before(cutoff) {
			delete(t.tasks, id)
			n++
		}
	}
	return n
}

// Subscribe returns a channel of future events and a function that ends the
// subscription. Slow subscribers miss events rather than block the tracker.
func (t *Tracker) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	sinks := append([]Sink(nil), t.sinks...)
	t.mu.Unlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.PublishEvent(ctx, ev); err != nil {
			t.log.Warn("failed to publish activity event",
				zap.String("task_id", ev.TaskID),
				zap.Error(err),
			)
		}
		cancel()
	}
}
