package artifact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetAndList(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(
		&Artifact{ID: "b", Kind: KindDocument, Title: "Resume", Text: "ten years of Go", CreatedAt: t0.Add(time.Minute)},
		&Artifact{ID: "a", Kind: KindTranscript, Title: "Interview", Text: strings.Repeat("x", 300), CreatedAt: t0},
	)
	ctx := context.Background()

	a, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "Resume", a.Title)

	_, err = s.Get(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "ten years of Go", all[1].Summary)
	assert.True(t, strings.HasSuffix(all[0].Summary, "…"))

	docs, err := s.List(ctx, Filter{Kind: KindDocument})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore(&Artifact{ID: "a", Text: "original"})
	ctx := context.Background()

	a, _ := s.Get(ctx, "a")
	a.Text = "changed"

	again, _ := s.Get(ctx, "a")
	assert.Equal(t, "original", again.Text)
}

func TestMemoryStorePutRequiresID(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Put(context.Background(), &Artifact{Text: "x"}))
	require.NoError(t, s.Put(context.Background(), &Artifact{ID: "k", Kind: KindKnowledgeCard}))

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, got.CreatedAt.IsZero())
}
