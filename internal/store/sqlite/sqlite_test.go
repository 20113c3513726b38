package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprung-app/llm-orchestrator/internal/artifact"
	"github.com/sprung-app/llm-orchestrator/internal/capability"
	"github.com/sprung-app/llm-orchestrator/internal/conversation"
	"github.com/sprung-app/llm-orchestrator/internal/llm"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "sprung.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var (
	_ conversation.Store = (*ConversationStore)(nil)
	_ artifact.Store     = (*ArtifactStore)(nil)
)

func TestConversationStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := db.Conversations()
	ctx := context.Background()

	missing, err := s.Load(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	conv := &llm.Conversation{
		ID:         "c1",
		ObjectID:   "job-7",
		ObjectType: "application",
		Messages: []llm.Message{
			llm.SystemMessage("sys"),
			llm.UserMessage("look", llm.Attachment{Data: []byte{0x89, 0x50}, MIMEType: "image/png"}),
			{Role: llm.RoleAssistant, Text: "a cat"},
		},
		UpdatedAt: time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, conv))

	got, err := s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, conv, got)

	conv.Messages = append(conv.Messages, llm.UserMessage("again"))
	require.NoError(t, s.Save(ctx, conv))
	got, err = s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 4)

	require.NoError(t, s.Save(ctx, &llm.Conversation{ID: "c2", ObjectID: "job-7", ObjectType: "note", Messages: []llm.Message{llm.UserMessage("x")}}))

	all, err := s.ListByObject(ctx, "job-7", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	apps, err := s.ListByObject(ctx, "job-7", "application")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "c1", apps[0].ID)

	require.NoError(t, s.Delete(ctx, "c1"))
	got, err = s.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCoordinatorOverSQLite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	c := conversation.NewCoordinator(db.Conversations(), nil)
	require.NoError(t, c.Persist(ctx, "c1", []llm.Message{llm.UserMessage("hi")}, "o", "t"))

	fresh := conversation.NewCoordinator(db.Conversations(), nil)
	msgs, err := fresh.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestArtifactStore(t *testing.T) {
	db := openTestDB(t)
	s := db.Artifacts()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, artifact.ErrNotFound)

	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Put(ctx, &artifact.Artifact{ID: "r1", Kind: artifact.KindDocument, Title: "Resume", Text: "Go, SQL", CreatedAt: t0}))
	require.NoError(t, s.Put(ctx, &artifact.Artifact{ID: "k1", Kind: artifact.KindKnowledgeCard, Title: "Card", Text: "body", Summary: "short", ObjectID: "r1", CreatedAt: t0.Add(time.Second)}))

	a, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Go, SQL", a.Text)
	assert.Equal(t, t0, a.CreatedAt)

	all, err := s.List(ctx, artifact.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r1", all[0].ID)
	assert.Equal(t, "short", all[1].Summary)

	cards, err := s.List(ctx, artifact.Filter{Kind: artifact.KindKnowledgeCard, ObjectID: "r1"})
	require.NoError(t, err)
	assert.Len(t, cards, 1)

	require.NoError(t, s.Delete(ctx, "r1"))
	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestCapabilitiesPersistence(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	records := []capability.Record{
		{ModelID: "a/one", SupportsVision: true, CheckedAt: now, Failures: capability.FailureHistory{Consecutive: 3}},
		{ModelID: "b/old", SupportsJSONSchema: true, CheckedAt: now.Add(-48 * time.Hour)},
	}
	require.NoError(t, db.SaveCapabilities(ctx, records))

	fresh, err := db.LoadCapabilities(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "a/one", fresh[0].ModelID)
	assert.True(t, fresh[0].SupportsVision)
	assert.Zero(t, fresh[0].Failures.Consecutive)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sprung.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Artifacts().Put(context.Background(), &artifact.Artifact{ID: "x", Kind: artifact.KindDocument, Text: "t"}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Artifacts().Get(context.Background(), "x")
	assert.NoError(t, err)
}
