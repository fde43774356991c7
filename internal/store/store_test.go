package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/llm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendUserText(t *testing.T, s *Store, sessionID, text string) *Entry {
	t.Helper()
	e, err := s.AppendEntry(context.Background(), sessionID, TypeMessage, &MessagePayload{
		Role: "user",
		Text: text,
	})
	require.NoError(t, err)
	return e
}

func TestAppendEntryChainsFromLeaf(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/tmp/project", "")
	require.NoError(t, err)
	require.Empty(t, sess.LeafID)

	first := appendUserText(t, s, sess.ID, "hello")
	assert.Empty(t, first.ParentID, "first entry should be a root")

	second := appendUserText(t, s, sess.ID, "world")
	assert.Equal(t, first.ID, second.ParentID)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.LeafID)
}

func TestAppendEntryUnknownSession(t *testing.T) {
	s := openTestStore(t)

	_, err := s.AppendEntry(context.Background(), "nope", TypeMessage, &MessagePayload{
		Role: "user", Text: "hi",
	})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAppendEntryAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "")
	require.NoError(t, err)
	a := appendUserText(t, s, sess.ID, "a")
	appendUserText(t, s, sess.ID, "b")

	t.Run("explicit parent wins over leaf", func(t *testing.T) {
		e, err := s.AppendEntryAt(ctx, sess.ID, a.ID, TypeBranchSummary, &BranchSummaryPayload{
			FromID:  a.ID,
			Summary: "rewound",
		})
		require.NoError(t, err)
		assert.Equal(t, a.ID, e.ParentID)

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.LeafID)
	})

	t.Run("missing parent rejected", func(t *testing.T) {
		_, err := s.AppendEntryAt(ctx, sess.ID, "missing", TypeMessage, &MessagePayload{
			Role: "user", Text: "x",
		})
		require.ErrorIs(t, err, ErrEntryNotFound)
	})
}

func TestSetLeafAndBranching(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "")
	require.NoError(t, err)
	a := appendUserText(t, s, sess.ID, "a")
	b := appendUserText(t, s, sess.ID, "b")

	require.NoError(t, s.SetLeaf(ctx, sess.ID, a.ID))

	sibling := appendUserText(t, s, sess.ID, "b2")
	assert.Equal(t, a.ID, sibling.ParentID, "append after rewind forks at the old entry")

	// The abandoned branch is still fully readable.
	got, err := s.GetEntry(ctx, sess.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ParentID)

	children, err := s.GetChildren(ctx, sess.ID, a.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	t.Run("reset to root", func(t *testing.T) {
		require.NoError(t, s.SetLeaf(ctx, sess.ID, ""))
		root2 := appendUserText(t, s, sess.ID, "fresh start")
		assert.Empty(t, root2.ParentID)
	})

	t.Run("unknown entry", func(t *testing.T) {
		err := s.SetLeaf(ctx, sess.ID, "missing")
		require.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("cross-session entry rejected", func(t *testing.T) {
		other, err := s.CreateSession(ctx, "", "")
		require.NoError(t, err)
		foreign := appendUserText(t, s, other.ID, "foreign")

		err = s.SetLeaf(ctx, sess.ID, foreign.ID)
		require.ErrorIs(t, err, ErrCrossSessionReference)
	})
}

func TestAncestry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "")
	require.NoError(t, err)
	a := appendUserText(t, s, sess.ID, "a")
	b := appendUserText(t, s, sess.ID, "b")
	c := appendUserText(t, s, sess.ID, "c")

	// Side branch must not leak into the chain.
	require.NoError(t, s.SetLeaf(ctx, sess.ID, a.ID))
	appendUserText(t, s, sess.ID, "side")

	chain, err := s.Ancestry(ctx, sess.ID, c.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, a.ID, chain[0].ID)
	assert.Equal(t, b.ID, chain[1].ID)
	assert.Equal(t, c.ID, chain[2].ID)

	_, err = s.Ancestry(ctx, sess.ID, "missing")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestCreatedAtMonotonicPerSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "")
	require.NoError(t, err)

	var prev int64
	for i := 0; i < 20; i++ {
		e := appendUserText(t, s, sess.ID, "tick")
		ms := e.CreatedAt.UnixMilli()
		require.GreaterOrEqual(t, ms, prev)
		prev = ms
	}

	entries, err := s.ListEntries(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	for i := 1; i < len(entries); i++ {
		assert.False(t, entries[i].CreatedAt.Before(entries[i-1].CreatedAt))
	}
}

func TestForkSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src, err := s.CreateSession(ctx, "/work", "")
	require.NoError(t, err)
	a := appendUserText(t, s, src.ID, "a")
	b := appendUserText(t, s, src.ID, "b")
	c := appendUserText(t, s, src.ID, "c")

	// Side branch off a; forks from c must not carry it.
	require.NoError(t, s.SetLeaf(ctx, src.ID, a.ID))
	side := appendUserText(t, s, src.ID, "side")
	require.NoError(t, s.SetLeaf(ctx, src.ID, c.ID))

	require.NoError(t, s.AppendLabel(ctx, src.ID, b.ID, "checkpoint"))
	require.NoError(t, s.AppendLabel(ctx, src.ID, side.ID, "elsewhere"))

	fork, err := s.ForkSession(ctx, src.ID, b.ID, "")
	require.NoError(t, err)
	assert.Equal(t, src.ID, fork.ParentSessionID)
	assert.Equal(t, b.ID, fork.LeafID)
	assert.Equal(t, "/work", fork.WorkingDir)

	t.Run("ids and ancestry preserved", func(t *testing.T) {
		chain, err := s.Ancestry(ctx, fork.ID, b.ID)
		require.NoError(t, err)
		require.Len(t, chain, 2)
		assert.Equal(t, a.ID, chain[0].ID)
		assert.Equal(t, b.ID, chain[1].ID)
	})

	t.Run("entries outside the chain not copied", func(t *testing.T) {
		entries, err := s.ListEntries(ctx, fork.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 2)

		_, err = s.GetEntry(ctx, fork.ID, c.ID)
		require.ErrorIs(t, err, ErrEntryNotFound)
	})

	t.Run("labels on the chain carried over", func(t *testing.T) {
		labels, err := s.CurrentLabels(ctx, fork.ID)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{b.ID: "checkpoint"}, labels)
	})

	t.Run("working dir override", func(t *testing.T) {
		moved, err := s.ForkSession(ctx, src.ID, b.ID, "/elsewhere")
		require.NoError(t, err)
		assert.Equal(t, "/elsewhere", moved.WorkingDir)

		got, err := s.GetSession(ctx, moved.ID)
		require.NoError(t, err)
		assert.Equal(t, "/elsewhere", got.WorkingDir)
	})

	t.Run("appends diverge independently", func(t *testing.T) {
		forkEntry := appendUserText(t, s, fork.ID, "fork only")
		assert.Equal(t, b.ID, forkEntry.ParentID)

		srcEntries, err := s.ListEntries(ctx, src.ID)
		require.NoError(t, err)
		assert.Len(t, srcEntries, 4)
	})
}

func TestLabels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "")
	require.NoError(t, err)
	a := appendUserText(t, s, sess.ID, "a")
	b := appendUserText(t, s, sess.ID, "b")

	require.NoError(t, s.AppendLabel(ctx, sess.ID, a.ID, "draft"))
	require.NoError(t, s.AppendLabel(ctx, sess.ID, a.ID, "final"))
	require.NoError(t, s.AppendLabel(ctx, sess.ID, b.ID, "wip"))
	require.NoError(t, s.AppendLabel(ctx, sess.ID, b.ID, ""))

	labels, err := s.CurrentLabels(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{a.ID: "final"}, labels)

	history, err := s.LabelHistory(ctx, sess.ID, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "draft", history[0].Value)
	assert.Equal(t, "final", history[1].Value)

	err = s.AppendLabel(ctx, sess.ID, "missing", "x")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSearchEntries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "")
	require.NoError(t, err)
	appendUserText(t, s, sess.ID, "deploy the gateway service")
	top := appendUserText(t, s, sess.ID, "gateway gateway gateway")
	appendUserText(t, s, sess.ID, "unrelated chatter")

	hits, err := s.SearchEntries(ctx, sess.ID, "Gateway", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, top.ID, hits[0].EntryID, "more occurrences ranks first")
	assert.Equal(t, 3, hits[0].Occurrences)
	assert.Contains(t, hits[0].Snippet, "[gateway]")

	t.Run("all sessions", func(t *testing.T) {
		other, err := s.CreateSession(ctx, "", "")
		require.NoError(t, err)
		appendUserText(t, s, other.ID, "another gateway mention")

		hits, err := s.SearchEntries(ctx, "", "gateway", 0)
		require.NoError(t, err)
		assert.Len(t, hits, 3)
	})

	t.Run("like metacharacters literal", func(t *testing.T) {
		appendUserText(t, s, sess.ID, "progress is 100% done")
		hits, err := s.SearchEntries(ctx, sess.ID, "100%", 0)
		require.NoError(t, err)
		require.Len(t, hits, 1)
	})

	t.Run("limit caps ranked hits", func(t *testing.T) {
		hits, err := s.SearchEntries(ctx, sess.ID, "gateway", 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, top.ID, hits[0].EntryID, "limit keeps the best-ranked hit")
	})

	t.Run("empty query", func(t *testing.T) {
		hits, err := s.SearchEntries(ctx, sess.ID, "  ", 0)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "/w", "")
	require.NoError(t, err)

	require.NoError(t, s.SetDisplayName(ctx, sess.ID, "  release planning  "))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "release planning", got.DisplayName)

	// A session with no messages yet reports no activity beyond creation.
	sums, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Zero(t, sums[0].MessageCount)
	assert.Equal(t, sess.CreatedAt, sums[0].LastActivity)

	appendUserText(t, s, sess.ID, "what changed since v2?")
	last := appendUserText(t, s, sess.ID, "and v3?")
	_, err = s.AppendEntry(ctx, sess.ID, TypeThinkingLevelChange,
		&ThinkingLevelPayload{ThinkingLevel: llm.ThinkingHigh})
	require.NoError(t, err)

	// Settings entries count toward neither the message total nor the
	// last-activity timestamp.
	sums, err = s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 2, sums[0].MessageCount)
	assert.Equal(t, last.CreatedAt, sums[0].LastActivity)
	assert.Equal(t, "what changed since v2?", sums[0].FirstMessage)

	require.NoError(t, s.AppendLabel(ctx, sess.ID, got.LeafID, "keep"))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	_, err = s.GetSession(ctx, sess.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	// Cascade removed the entries and labels too.
	_, err = s.ListEntries(ctx, sess.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	err = s.DeleteSession(ctx, sess.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionWithParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent, err := s.CreateSession(ctx, "/w", "")
	require.NoError(t, err)

	child, err := s.CreateSession(ctx, "/w", " "+parent.ID+" ")
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.ParentSessionID)

	got, err := s.GetSession(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, got.ParentSessionID)

	// No entries are copied; lineage is a pointer only.
	entries, err := s.ListEntries(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "", "")
	require.NoError(t, err)

	e, err := s.AppendEntry(ctx, sess.ID, TypeCompaction, &CompactionPayload{
		Summary:          "earlier discussion about the deploy",
		FirstKeptEntryID: "abc12345",
		TokensBefore:     4200,
	})
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, sess.ID, e.ID)
	require.NoError(t, err)
	payload, err := got.Decode()
	require.NoError(t, err)

	comp, ok := payload.(*CompactionPayload)
	require.True(t, ok)
	assert.Equal(t, "abc12345", comp.FirstKeptEntryID)
	assert.Equal(t, 4200, comp.TokensBefore)
}

func TestDecodeMalformedPayload(t *testing.T) {
	e := &Entry{
		SessionID: "s1",
		ID:        "e1",
		Type:      TypeMessage,
		Data:      json.RawMessage(`{"role": 7}`),
	}
	_, err := e.Decode()
	var malformed *MalformedEntryError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "e1", malformed.EntryID)
}

func TestInMemoryStore(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.CreateSession(context.Background(), "", "")
	require.NoError(t, err)
	appendUserText(t, s, sess.ID, "hi")
}
