// Package artifact holds the documents sub-agents read and the knowledge
// cards the coordinator writes back.
package artifact

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Kind classifies an artifact.
type Kind string

const (
	KindDocument      Kind = "document"
	KindTranscript    Kind = "transcript"
	KindKnowledgeCard Kind = "knowledge_card"
)

// Artifact is a stored document.
type Artifact struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Summary   string    `json:"summary,omitempty"`
	ObjectID  string    `json:"object_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is the listing view of an artifact.
type Summary struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Kind     Kind
	ObjectID string
}

func (f Filter) match(a *Artifact) bool {
	return (f.Kind == "" || a.Kind == f.Kind) && (f.ObjectID == "" || a.ObjectID == f.ObjectID)
}

// Reader is the read-only view handed to sub-agents.
type Reader interface {
	Get(ctx context.Context, id string) (*Artifact, error)
	List(ctx context.Context, filter Filter) ([]Summary, error)
}

// Store adds writes. Only the coordinating goroutine writes.
type Store interface {
	Reader
	Put(ctx context.Context, a *Artifact) error
	Delete(ctx context.Context, id string) error
}

// Summarize returns the listing view of a.
func Summarize(a *Artifact) Summary {
	s := a.Summary
	if s == "" {
		s = truncate(a.Text, 200)
	}
	return Summary{ID: a.ID, Kind: a.Kind, Title: a.Title, Summary: s}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// NewMemoryStore creates a store seeded with artifacts.
func NewMemoryStore(seed ...*Artifact) *MemoryStore {
	s := &MemoryStore{artifacts: make(map[string]*Artifact)}
	for _, a := range seed {
		cp := *a
		s.artifacts[a.ID] = &cp
	}
	return s
}

// Get implements Reader.
func (s *MemoryStore) Get(_ context.Context, id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// List implements Reader, ordered by creation time then id.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Summary, error) {
	s.mu.RLock()
	matched := make([]*Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if filter.match(a) {
			matched = append(matched, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	out := make([]Summary, len(matched))
	for i, a := range matched {
		out[i] = Summarize(a)
	}
	return out, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, a *Artifact) error {
	if a.ID == "" {
		return errors.New("artifact id is required")
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = &cp
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
	return nil
}
