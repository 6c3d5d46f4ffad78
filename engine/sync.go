package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/outbox"
	"github.com/basilsync/engine/resolve"
)

// Run performs one full push+pull cycle under the engine's single-writer
// mutex, taken with TryLock: if another cycle already holds it, Run
// returns nil at once without syncing. The lock is released when the
// cycle ends. Run returns
// ErrTransient-wrapped errors when the cycle fails in a way the caller
// should retry (the outbox keeps whatever it could not push, and the
// cursor does not advance past what could not be pulled).
//
// quiet suppresses the scheduled-sync log line (used by the debounced
// push path, which fires often). skipPull implements push-only mode: the
// caller passes true when realtime is healthy, since pulled rows would
// duplicate what realtime already delivered (spec.md §4.6).
func (e *Engine) Run(ctx context.Context, quiet, skipPull bool) error {
	if !e.mu.TryLock() {
		// Another cycle already holds the lock; this one is a no-op,
		// matching spec.md §5's at-most-one-cycle invariant.
		e.logger.Debug("sync cycle skipped, lock already held")
		return nil
	}
	e.watchMu.Lock()
	e.lockHeld = true
	e.lockHeldSince = e.clock.Now()
	e.watchMu.Unlock()
	defer func() {
		e.watchMu.Lock()
		e.lockHeld = false
		e.lockHeldSince = time.Time{}
		e.watchMu.Unlock()
		e.mu.Unlock()
	}()

	if !quiet {
		e.logger.Info("sync cycle starting", zap.Bool("skipPull", skipPull))
	}
	e.setState(stateRunning)

	userID := e.currentUserID
	if userID == "" {
		e.setState(stateIdle)
		return nil
	}

	if err := e.push(ctx, userID); err != nil {
		e.setState(stateError)
		e.setError(err)
		return fmt.Errorf("engine: push phase: %w", err)
	}

	if !skipPull {
		if err := e.pull(ctx, userID); err != nil {
			e.setState(stateError)
			e.setError(err)
			return fmt.Errorf("engine: pull phase: %w", err)
		}
	}

	e.stateMu.Lock()
	e.lastSyncTime = e.clock.Now()
	e.lastSuccessfulSync = e.lastSyncTime
	e.hydrated = true
	e.stateMu.Unlock()
	e.setState(stateIdle)
	return nil
}

// outboxKey identifies the original items belonging to one coalesced
// group, so a push success/failure can be applied back to every original
// queue row rather than just the single coalesced Item Coalesce returns.
func outboxKey(table, entityID string) string { return table + "\x00" + entityID }

// push coalesces and flushes every queued intent. A per-group failure
// marks that group's original items for retry and continues with the
// rest — one bad entity must not block the whole queue.
func (e *Engine) push(ctx context.Context, userID string) error {
	items, err := e.queue.All(ctx)
	if err != nil {
		return fmt.Errorf("%w: loading outbox: %v", ErrTransient, err)
	}
	if len(items) == 0 {
		return nil
	}

	originals := make(map[string][]outbox.Item, len(items))
	for _, it := range items {
		k := outboxKey(it.Table, it.EntityID)
		originals[k] = append(originals[k], it)
	}

	coalesced := outbox.Coalesce(items)
	now := e.clock.Now()

	for _, merged := range coalesced {
		k := outboxKey(merged.Table, merged.EntityID)
		group := originals[k]

		table, ok := e.cfg.Table(merged.Table)
		if !ok {
			e.logger.Warn("dropping outbox group for unconfigured table", zap.String("table", merged.Table))
			if rmErr := e.queue.Remove(ctx, group); rmErr != nil {
				return fmt.Errorf("%w: dropping unconfigured-table group: %v", ErrTransient, rmErr)
			}
			continue
		}

		if err := e.pushItem(ctx, table.Name, merged, now); err != nil {
			e.logger.Warn("push group failed, will retry", zap.String("table", table.Name), zap.String("entityId", merged.EntityID), zap.Error(err))
			for _, it := range group {
				if mrErr := e.queue.MarkRetry(ctx, it, now); mrErr != nil {
					return fmt.Errorf("%w: marking retry: %v", ErrTransient, mrErr)
				}
			}
			continue
		}

		if err := e.queue.Remove(ctx, group); err != nil {
			return fmt.Errorf("%w: clearing pushed group: %v", ErrTransient, err)
		}
		e.recordRecentlyModified(merged.EntityID, now)
	}

	return nil
}

// pushItem sends one already-coalesced intent to the backend: a delete,
// or an upsert built from the coalesced field payload.
func (e *Engine) pushItem(ctx context.Context, table string, it outbox.Item, now time.Time) error {
	if it.Operation == outbox.OpDelete {
		if err := e.remote.DeleteByID(ctx, table, it.EntityID); err != nil {
			return err
		}
		e.egressC.Record(table, 0, 1)
		if e.realtimeIn != nil {
			e.realtimeIn.MarkSelfWrite(table, it.EntityID, now.Format(time.RFC3339Nano))
		}
		return nil
	}

	row := capability.Row{"id": it.EntityID}
	switch {
	case it.Field != "":
		row[it.Field] = it.Value
	default:
		if m, ok := it.Value.(map[string]any); ok {
			for k, v := range m {
				row[k] = v
			}
		}
	}

	if len(it.DeltaFields) > 0 {
		local, err := e.local.Get(ctx, table, it.EntityID)
		if err != nil {
			return fmt.Errorf("reading local row for delta push: %w", err)
		}
		for _, field := range it.DeltaFields {
			row[field] = asFloat(local[field]) + asFloat(row[field])
		}
	}

	row["updated_at"] = now.Format(time.RFC3339Nano)

	if err := e.remote.Upsert(ctx, table, []capability.Row{row}); err != nil {
		return err
	}
	e.egressC.RecordRows(table, []map[string]any{row})
	if e.realtimeIn != nil {
		e.realtimeIn.MarkSelfWrite(table, it.EntityID, asString(row["updated_at"]))
	}
	return nil
}

// pull fetches every configured table's rows updated since the stored
// cursor, resolves conflicts against the local copy, and advances the
// cursor to the latest updated_at actually applied. Rows for entities
// with a pending outbox item or a recent local write are skipped this
// cycle so an in-flight local edit is never clobbered by a stale pull
// (spec.md §8 invariant 5).
func (e *Engine) pull(ctx context.Context, userID string) error {
	cursor, err := e.readCursor(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	pending, err := e.queue.PendingEntityIDs(ctx)
	if err != nil {
		return fmt.Errorf("%w: loading pending entity guard: %v", ErrTransient, err)
	}

	now := e.clock.Now()
	maxSeen := cursor

	for _, table := range e.cfg.Tables {
		q := capability.Query{
			Table:      table.Name,
			Columns:    ensureColumns(table.Columns, "id", "updated_at"),
			Filters:    []capability.Filter{capability.Gte("updated_at", cursor)},
			OrderBy:    "updated_at",
			Descending: false,
		}
		if table.OwnershipFilter != "" {
			q.Filters = append(q.Filters, capability.Eq(table.OwnershipFilter, userID))
		}

		rows, err := e.remote.Fetch(ctx, q)
		if err != nil {
			return fmt.Errorf("%w: fetching table %s: %v", ErrTransient, table.Name, err)
		}
		if len(rows) == 0 {
			continue
		}
		e.egressC.RecordRows(table.Name, toMapSlice(rows))

		for _, remoteRow := range rows {
			id := asString(remoteRow["id"])
			if id == "" {
				continue
			}
			if pending[id] || e.isRecentlyModified(id, now) {
				continue
			}

			localRow, err := e.local.Get(ctx, table.Name, id)
			if err != nil {
				return fmt.Errorf("%w: reading local row %s: %v", ErrTransient, id, err)
			}

			var merged capability.Row
			if localRow == nil {
				merged = remoteRow
			} else {
				baselines := e.baselineOf(ctx, table.Name, id, table.NumericMergeFields)
				var hist []resolve.HistoryEntry
				merged, hist = resolve.Resolve(localRow, remoteRow, baselines, table, now)
				e.recordHistory(ctx, hist)
			}

			if err := e.local.Put(ctx, table.Name, merged); err != nil {
				return fmt.Errorf("%w: writing merged row %s: %v", ErrTransient, id, err)
			}
			e.updateBaselines(ctx, table.Name, id, merged, table.NumericMergeFields)

			if updatedAt := asString(remoteRow["updated_at"]); updatedAt > maxSeen {
				maxSeen = updatedAt
			}
		}
	}

	if maxSeen != cursor {
		if err := e.writeCursor(ctx, userID, maxSeen); err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return nil
}

// ApplyRealtimeEvent merges one realtime-delivered change directly into
// the local store, bypassing the cursor (realtime events are not
// cursor-ordered and may race a concurrent pull; both converge on the
// same resolve.Resolve outcome).
func (e *Engine) ApplyRealtimeEvent(ctx context.Context, ev capability.ChangeEvent) error {
	table, ok := e.cfg.Table(ev.Table)
	if !ok {
		return nil
	}
	id := asString(ev.Record["id"])
	if id == "" || e.isRecentlyModified(id, e.clock.Now()) {
		return nil
	}

	if ev.EventType == capability.EventDelete {
		row := ev.OldRecord
		if row == nil {
			row = ev.Record
		}
		row["deleted"] = true
		return e.local.Put(ctx, table.Name, row)
	}

	localRow, err := e.local.Get(ctx, table.Name, id)
	if err != nil {
		return fmt.Errorf("engine: reading local row for realtime merge: %w", err)
	}
	if localRow == nil {
		return e.local.Put(ctx, table.Name, ev.Record)
	}

	baselines := e.baselineOf(ctx, table.Name, id, table.NumericMergeFields)
	merged, hist := resolve.Resolve(localRow, ev.Record, baselines, table, e.clock.Now())
	e.recordHistory(ctx, hist)
	if err := e.local.Put(ctx, table.Name, merged); err != nil {
		return fmt.Errorf("engine: writing realtime-merged row: %w", err)
	}
	e.updateBaselines(ctx, table.Name, id, merged, table.NumericMergeFields)
	return nil
}

// ensureColumns returns cols with each of required appended if missing. A
// nil/empty cols means "project everything" and is left untouched, since
// appending would narrow an unrestricted projection.
func ensureColumns(cols []string, required ...string) []string {
	if len(cols) == 0 {
		return cols
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	out := cols
	for _, r := range required {
		if !have[r] {
			out = append(out, r)
		}
	}
	return out
}

func toMapSlice(rows []capability.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}

// asFloat reads a numeric field that may have round-tripped through
// store/sqlite's JSON column (decoded as float64) or arrived as a plain
// Go numeric literal from a freshly coalesced outbox item.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
