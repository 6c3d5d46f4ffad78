package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/resolve"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "basil.db")
	store, err := New(Config{Path: path, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	row := capability.Row{"id": "n1", "user_id": "user-1", "title": "hello", "updated_at": "2026-01-01T00:00:00Z", "deleted": false}
	require.NoError(t, store.Put(ctx, "notes", row))

	got, err := store.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, "hello", got["title"])
	require.Equal(t, "user-1", got["user_id"])
}

func TestStore_GetMissingRowReturnsNilNotError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	got, err := store.Get(ctx, "notes", "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_PutOverwritesExistingRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "title": "v1", "updated_at": "2026-01-01T00:00:00Z"}))
	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "title": "v2", "updated_at": "2026-01-02T00:00:00Z"}))

	got, err := store.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, "v2", got["title"])
}

func TestStore_PutBulkIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rows := []capability.Row{
		{"id": "n1", "title": "a", "updated_at": "2026-01-01T00:00:00Z"},
		{"id": "n2", "title": "b", "updated_at": "2026-01-01T00:00:01Z"},
	}
	require.NoError(t, store.PutBulk(ctx, "notes", rows))

	all, err := store.Query(ctx, capability.Query{Table: "notes"})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestStore_QueryPushesCursorFilterIntoSQL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "updated_at": "2026-01-01T00:00:00Z"}))
	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n2", "updated_at": "2026-01-02T00:00:00Z"}))

	rows, err := store.Query(ctx, capability.Query{
		Table:   "notes",
		Filters: []capability.Filter{capability.Gte("updated_at", "2026-01-02T00:00:00Z")},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "n2", rows[0]["id"])
}

func TestStore_QueryFiltersOnNonIndexedField(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "counters", capability.Row{"id": "c1", "updated_at": "2026-01-01T00:00:00Z", "value": float64(3)}))
	require.NoError(t, store.Put(ctx, "counters", capability.Row{"id": "c2", "updated_at": "2026-01-01T00:00:00Z", "value": float64(9)}))

	rows, err := store.Query(ctx, capability.Query{
		Table:   "counters",
		Filters: []capability.Filter{capability.Gte("value", float64(5))},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "c2", rows[0]["id"])
}

func TestStore_QueryOrdersDescendingAndLimits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "updated_at": "2026-01-01T00:00:00Z"}))
	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n2", "updated_at": "2026-01-03T00:00:00Z"}))
	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n3", "updated_at": "2026-01-02T00:00:00Z"}))

	rows, err := store.Query(ctx, capability.Query{Table: "notes", OrderBy: "updated_at", Descending: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "n2", rows[0]["id"])
}

func TestStore_QueryProjectsColumns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "title": "secret", "updated_at": "2026-01-01T00:00:00Z"}))

	rows, err := store.Query(ctx, capability.Query{Table: "notes", Columns: []string{"id"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	_, hasTitle := rows[0]["title"]
	require.False(t, hasTitle, "projection must drop columns not requested")
}

func TestStore_DeleteRemovesRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "updated_at": "2026-01-01T00:00:00Z"}))
	require.NoError(t, store.Delete(ctx, "notes", "n1"))

	got, err := store.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_DeleteWhereOnDeletedFlag(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "updated_at": "2026-01-01T00:00:00Z", "deleted": true}))
	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n2", "updated_at": "2026-01-01T00:00:00Z", "deleted": false}))

	require.NoError(t, store.DeleteWhere(ctx, "notes", []capability.Filter{capability.Eq("deleted", true)}))

	rows, err := store.Query(ctx, capability.Query{Table: "notes"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "n2", rows[0]["id"])
}

func TestStore_ClearUserTablesScopesToUserAndUnowned(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n1", "user_id": "user-1", "updated_at": "2026-01-01T00:00:00Z"}))
	require.NoError(t, store.Put(ctx, "notes", capability.Row{"id": "n2", "user_id": "user-2", "updated_at": "2026-01-01T00:00:00Z"}))
	require.NoError(t, store.Put(ctx, "single_user_config", capability.Row{"id": "config", "updated_at": "2026-01-01T00:00:00Z"}))

	require.NoError(t, store.ClearUserTables(ctx, []string{"notes", "single_user_config"}, "user-1"))

	rows, err := store.Query(ctx, capability.Query{Table: "notes"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "n2", rows[0]["id"])

	cfg, err := store.Query(ctx, capability.Query{Table: "single_user_config"})
	require.NoError(t, err)
	require.Empty(t, cfg, "unowned singleton rows are cleared regardless of user id")
}

func TestKVStore_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	kv := NewKeyValueStore(newTestStore(t))

	_, ok, err := kv.Get(ctx, "lastSyncCursor_user-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set(ctx, "lastSyncCursor_user-1", "2026-01-01T00:00:00Z"))
	v, ok, err := kv.Get(ctx, "lastSyncCursor_user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2026-01-01T00:00:00Z", v)

	require.NoError(t, kv.Remove(ctx, "lastSyncCursor_user-1"))
	_, ok, err = kv.Get(ctx, "lastSyncCursor_user-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_BaselineRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.GetBaseline(ctx, "counters", "c1", "value")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetBaseline(ctx, "counters", "c1", "value", float64(10)))
	v, ok, err := store.GetBaseline(ctx, "counters", "c1", "value")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(10), v)

	require.NoError(t, store.SetBaseline(ctx, "counters", "c1", "value", float64(13)))
	v, ok, err = store.GetBaseline(ctx, "counters", "c1", "value")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(13), v, "a second SetBaseline call must overwrite, not duplicate")
}

func TestStore_RecordHistoryPersistsEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entries := []resolve.HistoryEntry{
		{
			EntityID:      "n1",
			EntityType:    "notes",
			Field:         "title",
			LocalValue:    "mine",
			RemoteValue:   "theirs",
			ResolvedValue: "theirs",
			Winner:        resolve.WinnerRemote,
			Strategy:      "last_write_wins",
			Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, store.RecordHistory(ctx, entries))

	var count int
	require.NoError(t, store.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflict_history`).Scan(&count))
	require.Equal(t, 1, count)
}

func TestStore_RecentHistoryReturnsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.RecordHistory(ctx, []resolve.HistoryEntry{
		{EntityID: "n1", EntityType: "notes", Field: "title", LocalValue: "a", RemoteValue: "b", ResolvedValue: "b", Winner: resolve.WinnerRemote, Strategy: "last_write_wins", Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}))
	require.NoError(t, store.RecordHistory(ctx, []resolve.HistoryEntry{
		{EntityID: "n2", EntityType: "notes", Field: "count", LocalValue: 1.0, RemoteValue: 2.0, ResolvedValue: 3.0, Winner: resolve.WinnerMerged, Strategy: "numeric_merge", Timestamp: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
	}))

	entries, err := store.RecentHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "n2", entries[0].EntityID, "newest entry first")
	require.Equal(t, "n1", entries[1].EntityID)
	require.Equal(t, 3.0, entries[0].ResolvedValue)
}

func TestStore_WaitReadySucceedsAfterOpen(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.WaitReady(context.Background()))
}
