package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basilsync/engine/authgate"
	"github.com/basilsync/engine/authstate"
	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/capability/capabilitytest"
	"github.com/basilsync/engine/config"
	"github.com/basilsync/engine/outbox"
	"github.com/basilsync/engine/resolve"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Prefix: "basil",
		Tables: []config.TableConfig{
			{Name: "notes", Columns: []string{"id", "user_id", "title", "updated_at", "deleted"}, OwnershipFilter: "user_id"},
			{Name: "counters", Columns: []string{"id", "user_id", "value", "updated_at", "deleted"}, OwnershipFilter: "user_id", NumericMergeFields: []string{"value"}},
		},
	}
	cfg.Defaults()
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *capabilitytest.LocalStore, *capabilitytest.RemoteStore, *capabilitytest.Clock) {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig()
	local := capabilitytest.NewLocalStore()
	remote := capabilitytest.NewRemoteStore()
	kv := capabilitytest.NewKeyValueStore()
	auth := capabilitytest.NewAuthProvider()
	network := capabilitytest.NewNetwork(true)
	clock := capabilitytest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	crypto := capability.SystemCrypto{}

	queue, err := outbox.NewQueue(ctx, local)
	require.NoError(t, err)

	gate := authgate.New(local, remote, auth, clock, crypto, cfg.Prefix, cfg.Auth, zap.NewNop())
	authRes := authstate.New(local, auth, remote, gate, clock, cfg, zap.NewNop())

	e := New(cfg, local, remote, kv, auth, network, clock, crypto, queue, gate, authRes, nil, nil, nil, zap.NewNop())
	return e, local, remote, clock
}

func TestEngine_PushCoalescesThenClearsOutbox(t *testing.T) {
	ctx := context.Background()
	e, local, remote, clock := newTestEngine(t)
	e.currentUserID = "user-1"

	require.NoError(t, local.Put(ctx, "notes", capability.Row{"id": "n1", "user_id": "user-1", "title": "old", "updated_at": clock.Now().Format(time.RFC3339Nano)}))
	_, err := e.queue.Enqueue(ctx, "notes", "n1", outbox.OpSet, "title", "new title", clock.Now())
	require.NoError(t, err)

	require.NoError(t, e.push(ctx, "user-1"))

	pending, err := e.queue.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	remoteRows, err := remote.Fetch(ctx, capability.Query{Table: "notes"})
	require.NoError(t, err)
	require.Len(t, remoteRows, 1)
	require.Equal(t, "new title", remoteRows[0]["title"])
}

func TestEngine_PushIncrementAddsToExistingLocalValue(t *testing.T) {
	ctx := context.Background()
	e, local, remote, clock := newTestEngine(t)
	e.currentUserID = "user-1"

	require.NoError(t, local.Put(ctx, "counters", capability.Row{"id": "c1", "user_id": "user-1", "value": 10.0, "updated_at": clock.Now().Format(time.RFC3339Nano)}))
	for i := 0; i < 50; i++ {
		_, err := e.queue.Enqueue(ctx, "counters", "c1", outbox.OpIncrement, "value", 1.0, clock.Now())
		require.NoError(t, err)
	}

	require.NoError(t, e.push(ctx, "user-1"))

	pending, err := e.queue.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	remoteRows, err := remote.Fetch(ctx, capability.Query{Table: "counters"})
	require.NoError(t, err)
	require.Len(t, remoteRows, 1)
	require.Equal(t, 60.0, remoteRows[0]["value"], "50 increments of +1 against a local value of 10 must push the absolute new value 60, not the bare delta sum 50")
}

func TestEngine_PullAdvancesCursorMonotonically(t *testing.T) {
	ctx := context.Background()
	e, _, remote, clock := newTestEngine(t)
	e.currentUserID = "user-1"

	remote.Seed("notes", capability.Row{"id": "n1", "user_id": "user-1", "title": "hello", "updated_at": clock.Now().Format(time.RFC3339Nano)})

	require.NoError(t, e.pull(ctx, "user-1"))

	cursor1, err := e.readCursor(ctx, "user-1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	remote.Seed("notes", capability.Row{"id": "n2", "user_id": "user-1", "title": "world", "updated_at": clock.Now().Format(time.RFC3339Nano)})

	require.NoError(t, e.pull(ctx, "user-1"))
	cursor2, err := e.readCursor(ctx, "user-1")
	require.NoError(t, err)

	require.True(t, cursor2 > cursor1, "cursor must advance forward, got %s -> %s", cursor1, cursor2)
}

func TestEngine_PullSkipsRecentlyModifiedEntity(t *testing.T) {
	ctx := context.Background()
	e, local, remote, clock := newTestEngine(t)
	e.currentUserID = "user-1"

	require.NoError(t, local.Put(ctx, "notes", capability.Row{"id": "n1", "user_id": "user-1", "title": "local edit", "updated_at": clock.Now().Format(time.RFC3339Nano)}))
	e.recordRecentlyModified("n1", clock.Now())

	remote.Seed("notes", capability.Row{"id": "n1", "user_id": "user-1", "title": "stale remote", "updated_at": clock.Now().Format(time.RFC3339Nano)})

	require.NoError(t, e.pull(ctx, "user-1"))

	row, err := local.Get(ctx, "notes", "n1")
	require.NoError(t, err)
	require.Equal(t, "local edit", row["title"], "a recently-modified entity must not be clobbered by a stale pull")
}

func TestEngine_PullMergesNumericFieldUsingBaseline(t *testing.T) {
	ctx := context.Background()
	e, local, remote, clock := newTestEngine(t)
	e.currentUserID = "user-1"
	e.baseline = newFakeBaselineStore()

	require.NoError(t, e.baseline.SetBaseline(ctx, "counters", "c1", "value", float64(10)))
	require.NoError(t, local.Put(ctx, "counters", capability.Row{"id": "c1", "user_id": "user-1", "value": float64(15), "updated_at": clock.Now().Format(time.RFC3339Nano)}))
	remote.Seed("counters", capability.Row{"id": "c1", "user_id": "user-1", "value": float64(13), "updated_at": clock.Now().Format(time.RFC3339Nano)})

	require.NoError(t, e.pull(ctx, "user-1"))

	row, err := local.Get(ctx, "counters", "c1")
	require.NoError(t, err)
	require.InDelta(t, 18.0, row["value"], 0.001, "local(+5) and remote(+3) deltas against baseline 10 must both apply")
}

func TestEngine_RunIsNoOpWhenLockAlreadyHeld(t *testing.T) {
	ctx := context.Background()
	e, _, _, _ := newTestEngine(t)
	e.currentUserID = "user-1"

	require.True(t, e.mu.TryLock())
	defer e.mu.Unlock()

	require.NoError(t, e.Run(ctx, true, true), "a cycle must not block or error when another cycle holds the lock")
}

func TestEngine_WatchdogForceReleasesStuckLock(t *testing.T) {
	e, _, _, clock := newTestEngine(t)
	e.cfg.SyncInterval = time.Second

	e.watchMu.Lock()
	e.lockHeld = true
	e.lockHeldSince = clock.Now()
	e.watchMu.Unlock()

	e.checkWatchdog(clock.Now().Add(e.watchdogCeiling() - time.Second))
	e.watchMu.Lock()
	stillHeld := e.lockHeld
	e.watchMu.Unlock()
	require.True(t, stillHeld, "watchdog must not fire before the ceiling")

	e.checkWatchdog(clock.Now().Add(e.watchdogCeiling() + time.Second))
	e.watchMu.Lock()
	held := e.lockHeld
	stuck := e.stuckCount
	e.watchMu.Unlock()
	require.False(t, held)
	require.Equal(t, 1, stuck)
}

func TestEngine_ClearLocalCacheEmptiesTablesAndOutbox(t *testing.T) {
	ctx := context.Background()
	e, local, _, clock := newTestEngine(t)

	require.NoError(t, local.Put(ctx, "notes", capability.Row{"id": "n1", "user_id": "user-1", "title": "x", "updated_at": clock.Now().Format(time.RFC3339Nano)}))
	_, err := e.queue.Enqueue(ctx, "notes", "n1", outbox.OpSet, "title", "y", clock.Now())
	require.NoError(t, err)

	require.NoError(t, e.ClearLocalCache(ctx, "user-1"))

	rows := local.Rows("notes")
	require.Empty(t, rows)
	pending, err := e.queue.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestEngine_HandleAuthKickedClearsOutboxByDefault(t *testing.T) {
	ctx := context.Background()
	e, _, _, clock := newTestEngine(t)

	_, err := e.queue.Enqueue(ctx, "notes", "n1", outbox.OpSet, "title", "y", clock.Now())
	require.NoError(t, err)

	require.NoError(t, e.HandleAuthKicked(ctx, "session revoked"))

	pending, err := e.queue.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestEngine_HandleAuthKickedPreservesOutboxWhenConfigured(t *testing.T) {
	ctx := context.Background()
	e, _, _, clock := newTestEngine(t)
	e.cfg.PreserveOutboxOnKick = true

	_, err := e.queue.Enqueue(ctx, "notes", "n1", outbox.OpSet, "title", "y", clock.Now())
	require.NoError(t, err)

	require.NoError(t, e.HandleAuthKicked(ctx, "session revoked"))

	pending, err := e.queue.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestEngine_PullRecordsConflictHistoryOnFieldOverwrite(t *testing.T) {
	ctx := context.Background()
	e, local, remote, clock := newTestEngine(t)
	e.currentUserID = "user-1"
	hist := newFakeHistoryRecorder()
	e.history = hist

	require.NoError(t, local.Put(ctx, "notes", capability.Row{"id": "n1", "user_id": "user-1", "title": "local", "updated_at": clock.Now().Format(time.RFC3339Nano)}))
	clock.Advance(time.Minute)
	remote.Seed("notes", capability.Row{"id": "n1", "user_id": "user-1", "title": "remote wins", "updated_at": clock.Now().Format(time.RFC3339Nano)})

	require.NoError(t, e.pull(ctx, "user-1"))

	require.NotEmpty(t, hist.entries, "a resolved field overwrite must be recorded")
	require.Equal(t, "title", hist.entries[0].Field)
	require.Equal(t, resolve.WinnerRemote, hist.entries[0].Winner)
}

// fakeHistoryRecorder is a minimal in-memory HistoryRecorder for tests
// exercising the conflict-history wiring without a real store/sqlite.
type fakeHistoryRecorder struct {
	entries []resolve.HistoryEntry
}

func newFakeHistoryRecorder() *fakeHistoryRecorder { return &fakeHistoryRecorder{} }

func (f *fakeHistoryRecorder) RecordHistory(ctx context.Context, entries []resolve.HistoryEntry) error {
	f.entries = append(f.entries, entries...)
	return nil
}

// fakeBaselineStore is a minimal in-memory BaselineStore for tests that
// exercise resolve's numeric-merge path without a real store/sqlite.
type fakeBaselineStore struct {
	values map[string]any
}

func newFakeBaselineStore() *fakeBaselineStore {
	return &fakeBaselineStore{values: make(map[string]any)}
}

func (f *fakeBaselineStore) key(table, entityID, field string) string {
	return table + "/" + entityID + "/" + field
}

func (f *fakeBaselineStore) GetBaseline(ctx context.Context, table, entityID, field string) (any, bool, error) {
	v, ok := f.values[f.key(table, entityID, field)]
	return v, ok, nil
}

func (f *fakeBaselineStore) SetBaseline(ctx context.Context, table, entityID, field string, value any) error {
	f.values[f.key(table, entityID, field)] = value
	return nil
}
