// Package engine implements the sync orchestrator: the push/pull cycle,
// cursor, single-writer mutex with watchdog, debounced scheduler,
// lifecycle hooks, and tombstone GC. Grounded in
// server/internal/scheduler/scheduler.go (gocron singleton-mode "skip if
// previous tick still running") for the periodic timer, and in
// agent/internal/connection/manager.go's Run/connect outer/inner loop
// split for the lifecycle shape.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/basilsync/engine/authgate"
	"github.com/basilsync/engine/authstate"
	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
	"github.com/basilsync/engine/diagnostics"
	"github.com/basilsync/engine/egress"
	"github.com/basilsync/engine/outbox"
	"github.com/basilsync/engine/realtime"
	"github.com/basilsync/engine/resolve"
)

// ErrTransient tags a push/pull failure as retryable — the outbox keeps
// its rows and the cursor does not advance.
var ErrTransient = errors.New("engine: transient failure")

// watchdogMultiplier bounds how many sync intervals the mutex may be held
// before the watchdog force-releases it.
const watchdogMultiplier = 4

// BaselineStore persists the last-synced value of each numeric-merge
// field, resolving spec.md §9's Open Question 2. The reference
// store/sqlite adapter backs this with a shadow "field_baseline" table; an
// engine constructed without one simply always falls back to LWW for
// numeric-merge fields (resolve.Resolve's documented fallback).
type BaselineStore interface {
	GetBaseline(ctx context.Context, table, entityID, field string) (any, bool, error)
	SetBaseline(ctx context.Context, table, entityID, field string, value any) error
}

// HistoryRecorder persists the conflict-history trail Resolve produces,
// backing spec.md §3's append-only "conflict_history" system table. An
// engine constructed without one simply drops the entries Resolve
// returns.
type HistoryRecorder interface {
	RecordHistory(ctx context.Context, entries []resolve.HistoryEntry) error
}

// state is the coarse engine lifecycle state surfaced to diagnostics.
type state string

const (
	stateIdle    state = "idle"
	stateRunning state = "running"
	stateKicked  state = "kicked"
	stateError   state = "error"
	stateStopped state = "stopped"
)

// Engine is the sync orchestrator. Construct with New, wire lifecycle
// hooks, then call Start.
type Engine struct {
	cfg *config.Config

	local    capability.LocalStore
	remote   capability.RemoteStore
	kv       capability.KeyValueStore
	auth     capability.AuthProvider
	network  capability.Network
	clock    capability.Clock
	crypto   capability.Crypto
	baseline BaselineStore
	history  HistoryRecorder

	queue      *outbox.Queue
	gate       *authgate.Gate
	authRes    *authstate.Resolver
	realtimeIn *realtime.Integration
	egressC    *egress.Counters
	logger     *zap.Logger

	cron gocron.Scheduler

	// mu is the single logical mutex guarding the push+pull critical
	// section (spec.md §5).
	mu sync.Mutex

	// watchMu guards lockHeld/lockHeldSince/stuckCount, which must remain
	// readable (by the watchdog) and writable (by ForceRelease) while mu
	// itself is held by a stuck cycle.
	watchMu       sync.Mutex
	lockHeld      bool
	lockHeldSince time.Time
	stuckCount    int

	// recent is the 2s-TTL recently-modified index protecting optimistic
	// local writes from pull clobber.
	recentMu sync.Mutex
	recent   map[string]time.Time

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stateMu           sync.Mutex
	currentState      state
	lastSyncTime      time.Time
	lastSuccessfulSync time.Time
	lastError         string
	lastErrorDetails  string
	authKickedMessage string
	hydrated          bool
	schemaValidated   bool
	currentUserID     string

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs an Engine. realtimeIn, baseline, and history may be nil —
// a nil realtimeIn means the engine always pulls on schedule, a nil
// baseline means numeric-merge fields always fall back to LWW, and a nil
// history means conflict decisions are not persisted anywhere.
func New(
	cfg *config.Config,
	local capability.LocalStore,
	remote capability.RemoteStore,
	kv capability.KeyValueStore,
	auth capability.AuthProvider,
	network capability.Network,
	clock capability.Clock,
	crypto capability.Crypto,
	queue *outbox.Queue,
	gate *authgate.Gate,
	authRes *authstate.Resolver,
	realtimeIn *realtime.Integration,
	baseline BaselineStore,
	history HistoryRecorder,
	logger *zap.Logger,
) *Engine {
	cfg.Defaults()
	return &Engine{
		cfg:          cfg,
		local:        local,
		remote:       remote,
		kv:           kv,
		auth:         auth,
		network:      network,
		clock:        clock,
		crypto:       crypto,
		baseline:     baseline,
		history:      history,
		queue:        queue,
		gate:         gate,
		authRes:      authRes,
		realtimeIn:   realtimeIn,
		egressC:      egress.New(clock.Now()),
		logger:       logger.Named("engine"),
		recent:       make(map[string]time.Time),
		currentState: stateIdle,
		stopCh:       make(chan struct{}),
	}
}

func (e *Engine) setState(s state) {
	e.stateMu.Lock()
	e.currentState = s
	e.stateMu.Unlock()
}

func (e *Engine) setError(err error) {
	e.stateMu.Lock()
	e.lastError = err.Error()
	e.stateMu.Unlock()
}

// recordRecentlyModified adds id to the 2s-TTL guard after a successful
// local write.
func (e *Engine) recordRecentlyModified(id string, now time.Time) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recent[id] = now.Add(2 * time.Second)
}

// isRecentlyModified reports whether id was locally written within the
// last 2s, per spec.md §8 invariant 5.
func (e *Engine) isRecentlyModified(id string, now time.Time) bool {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	expiry, ok := e.recent[id]
	if !ok {
		return false
	}
	if now.After(expiry) {
		delete(e.recent, id)
		return false
	}
	return true
}

func (e *Engine) cursorKey(userID string) string {
	return "lastSyncCursor_" + userID
}

func (e *Engine) readCursor(ctx context.Context, userID string) (string, error) {
	v, ok, err := e.kv.Get(ctx, e.cursorKey(userID))
	if err != nil {
		return "", fmt.Errorf("engine: reading cursor: %w", err)
	}
	if !ok {
		return time.Unix(0, 0).UTC().Format(time.RFC3339Nano), nil
	}
	return v, nil
}

func (e *Engine) writeCursor(ctx context.Context, userID, cursor string) error {
	if err := e.kv.Set(ctx, e.cursorKey(userID), cursor); err != nil {
		return fmt.Errorf("engine: writing cursor: %w", err)
	}
	return nil
}

func (e *Engine) baselineOf(ctx context.Context, table, entityID string, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	if e.baseline == nil {
		return out
	}
	for _, f := range fields {
		if v, ok, err := e.baseline.GetBaseline(ctx, table, entityID, f); err == nil && ok {
			out[f] = v
		}
	}
	return out
}

func (e *Engine) updateBaselines(ctx context.Context, table, entityID string, row capability.Row, fields []string) {
	if e.baseline == nil {
		return
	}
	for _, f := range fields {
		if v, ok := row[f]; ok {
			if err := e.baseline.SetBaseline(ctx, table, entityID, f, v); err != nil {
				e.logger.Warn("failed to persist merge baseline", zap.String("table", table), zap.String("field", f), zap.Error(err))
			}
		}
	}
}

// recordHistory forwards entries to the configured HistoryRecorder, if
// any. A recording failure is logged and otherwise ignored — it must
// never turn a successful merge into a failed sync cycle.
func (e *Engine) recordHistory(ctx context.Context, entries []resolve.HistoryEntry) {
	if e.history == nil || len(entries) == 0 {
		return
	}
	if err := e.history.RecordHistory(ctx, entries); err != nil {
		e.logger.Warn("failed to persist conflict history", zap.Error(err))
	}
}

// Diagnostics returns the engine's diagnostics.EngineSection plus the
// sections it alone can compute (sync, errors). Counter, queue, realtime,
// and network sections are assembled by the caller (typically
// cmd/basild's diagnostics handler) from the other capabilities it holds,
// since diagnostics must not itself depend on the engine's internals
// beyond what this method exposes.
func (e *Engine) Diagnostics(ctx context.Context) (diagnostics.SyncSection, diagnostics.EngineSection, diagnostics.ErrorsSection) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	syncSection := diagnostics.SyncSection{
		LastSyncTime:                e.lastSyncTime,
		LastSuccessfulSyncTimestamp: e.lastSuccessfulSync,
		PushOnlyMode:                e.realtimeIn != nil && e.realtimeIn.PushOnly(),
		Hydrated:                    e.hydrated,
	}

	e.watchMu.Lock()
	lockHeld := e.lockHeld
	lockSince := e.lockHeldSince
	stuck := e.stuckCount
	e.watchMu.Unlock()

	eng := diagnostics.EngineSection{
		LockHeld:        lockHeld,
		LockHeldSince:   lockSince,
		StuckCount:      stuck,
		SchemaValidated: e.schemaValidated,
		State:           string(e.currentState),
	}

	errs := diagnostics.ErrorsSection{
		AuthKickedMessage: e.authKickedMessage,
		LastError:         e.lastError,
		LastErrorDetails:  e.lastErrorDetails,
	}

	return syncSection, eng, errs
}

// EgressSnapshot returns the current egress.Snapshot.
func (e *Engine) EgressSnapshot() egress.Snapshot { return e.egressC.Snapshot() }

// PendingQueueCounts returns the outbox's group counts and pending total.
func (e *Engine) PendingQueueCounts(ctx context.Context) (outbox.GroupCounts, int, error) {
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		return outbox.GroupCounts{}, 0, err
	}
	n, err := e.queue.PendingCount(ctx)
	if err != nil {
		return outbox.GroupCounts{}, 0, err
	}
	return counts, n, nil
}

// StuckItems returns outbox items whose retry count exceeds threshold.
func (e *Engine) StuckItems(ctx context.Context, threshold int) ([]outbox.Item, error) {
	return e.queue.StuckItems(ctx, threshold)
}

// RealtimeState returns the realtime integration's coarse connection
// state, or StateDisconnected when realtime is not wired.
func (e *Engine) RealtimeState() capability.ConnectionState {
	if e.realtimeIn == nil {
		return capability.StateDisconnected
	}
	return e.realtimeIn.State()
}

// RealtimeLastError returns the realtime integration's last recorded
// disconnect/error reason.
func (e *Engine) RealtimeLastError() string {
	if e.realtimeIn == nil {
		return ""
	}
	return e.realtimeIn.LastError()
}

// CurrentUserID returns the userID passed to the most recent Start call,
// or "" if the engine has never started or has since Stop'd.
func (e *Engine) CurrentUserID() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.currentUserID
}
