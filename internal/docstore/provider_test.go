package docstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freemannotes/notesync/internal/crdt"
	"github.com/freemannotes/notesync/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestBindPersistsAndRehydrates(t *testing.T) {
	st := openTestStore(t)
	p := New(st)
	ctx := context.Background()

	doc := crdt.NewUnionDoc()
	dispose, err := p.Bind(ctx, "note-1", doc)
	require.NoError(t, err)

	require.NoError(t, doc.ApplyUpdate([]byte("edit-1"), "ws-a"))
	require.NoError(t, doc.ApplyUpdate([]byte("edit-2"), "ws-a"))

	waitFor(t, func() bool {
		rows, err := st.ListDocUpdates(ctx, PersistKey("note-1"))
		return err == nil && len(rows) == 2
	}, "updates not persisted")
	dispose()

	// A detached document no longer persists.
	require.NoError(t, doc.ApplyUpdate([]byte("edit-3"), "ws-a"))
	rows, err := st.ListDocUpdates(ctx, PersistKey("note-1"))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	fresh := crdt.NewUnionDoc()
	dispose2, err := p.Bind(ctx, "note-1", fresh)
	require.NoError(t, err)
	defer dispose2()
	require.Equal(t, 2, fresh.Len())

	// Hydrated state is not written back as new rows.
	rows, err = st.ListDocUpdates(ctx, PersistKey("note-1"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestBindHydratesLegacyRowsAndPurges(t *testing.T) {
	st := openTestStore(t)
	p := New(st)
	ctx := context.Background()

	// Legacy layout: rows keyed by the bare doc id.
	require.NoError(t, st.PutSnapshot(ctx, "note-7", []byte("legacy-snap")))
	seq, err := st.NextDocSeq(ctx, "note-7")
	require.NoError(t, err)
	require.NoError(t, st.AppendDocUpdate(ctx, "note-7", seq, []byte("legacy-update"), ""))

	doc := crdt.NewUnionDoc()
	dispose, err := p.Bind(ctx, "note-7", doc)
	require.NoError(t, err)
	defer dispose()

	waitFor(t, func() bool { return doc.Len() == 2 }, "legacy rows not hydrated")
	waitFor(t, func() bool {
		snap, err := st.GetSnapshot(ctx, "note-7")
		return err == nil && snap == nil
	}, "legacy snapshot not purged")
	rows, err := st.ListDocUpdates(ctx, "note-7")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestCompaction(t *testing.T) {
	st := openTestStore(t)
	p := NewWith(st, 0, 3)
	ctx := context.Background()

	doc := crdt.NewUnionDoc()
	dispose, err := p.Bind(ctx, "note-2", doc)
	require.NoError(t, err)
	defer dispose()

	require.NoError(t, doc.ApplyUpdate([]byte("u1"), "ws"))
	require.NoError(t, doc.ApplyUpdate([]byte("u2"), "ws"))
	require.NoError(t, doc.ApplyUpdate([]byte("u3"), "ws"))

	key := PersistKey("note-2")
	waitFor(t, func() bool {
		snap, err := st.GetSnapshot(ctx, key)
		return err == nil && snap != nil
	}, "no snapshot after threshold")
	rows, err := st.ListDocUpdates(ctx, key)
	require.NoError(t, err)
	require.Empty(t, rows)

	// The compacted snapshot alone restores the document.
	fresh := crdt.NewUnionDoc()
	dispose2, err := p.Bind(ctx, "note-2", fresh)
	require.NoError(t, err)
	defer dispose2()
	state, err := fresh.EncodeStateAsUpdate()
	require.NoError(t, err)
	require.NotEmpty(t, state)
}

func TestMigrateMergesOldStateIntoNewKey(t *testing.T) {
	st := openTestStore(t)
	p := New(st)
	ctx := context.Background()
	factory := func() crdt.Doc { return crdt.NewUnionDoc() }

	// Seed the old key with persisted state.
	doc := crdt.NewUnionDoc()
	dispose, err := p.Bind(ctx, "note-3", doc)
	require.NoError(t, err)
	require.NoError(t, doc.ApplyUpdate([]byte("old-edit"), "ws"))
	waitFor(t, func() bool {
		rows, err := st.ListDocUpdates(ctx, PersistKey("note-3"))
		return err == nil && len(rows) == 1
	}, "seed not persisted")
	dispose()

	require.NoError(t, p.Migrate(ctx, "note-3", "note-3-c123", factory))

	merged := crdt.NewUnionDoc()
	dispose2, err := p.Bind(ctx, "note-3-c123", merged)
	require.NoError(t, err)
	defer dispose2()
	require.NotZero(t, merged.Len())
}

func TestMigrateNoopCases(t *testing.T) {
	st := openTestStore(t)
	p := New(st)
	ctx := context.Background()
	factory := func() crdt.Doc { return crdt.NewUnionDoc() }

	require.NoError(t, p.Migrate(ctx, "", "b", factory))
	require.NoError(t, p.Migrate(ctx, "a", "", factory))
	require.NoError(t, p.Migrate(ctx, "same", "same", factory))
	// Empty source state is fine.
	require.NoError(t, p.Migrate(ctx, "empty-src", "empty-dst", factory))
}
