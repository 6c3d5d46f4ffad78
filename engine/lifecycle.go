package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/schema"
)

const (
	tagPeriodicSync   = "periodic-sync"
	tagTombstoneGC    = "tombstone-gc"
	watchdogTickEvery = 5 * time.Second
)

// Start wires the engine for a just-authenticated userID: it records the
// user, runs the schema capability probe, runs one immediate full sync,
// then schedules the
// periodic sync timer and tombstone GC as gocron singleton-mode jobs
// (skip-if-previous-tick-still-running), and starts the background
// watchdog ticker. Start is idempotent; a second call for a different
// userID first stops the engine for the previous one.
func (e *Engine) Start(ctx context.Context, userID string) error {
	if e.cron != nil {
		if err := e.Stop(ctx); err != nil {
			return fmt.Errorf("engine: stopping previous session before restart: %w", err)
		}
	}

	if err := e.local.WaitReady(ctx); err != nil {
		return fmt.Errorf("engine: waiting for local store: %w", err)
	}

	e.stateMu.Lock()
	e.currentUserID = userID
	e.stateMu.Unlock()

	probe := schema.Validate(ctx, e.remote, e.cfg.Tables, userID)
	e.stateMu.Lock()
	e.schemaValidated = probe.OK
	e.stateMu.Unlock()
	if !probe.OK {
		for _, f := range probe.Failures {
			e.logger.Warn("table capability probe failed", zap.String("table", f.Table), zap.String("kind", string(f.Kind)), zap.Error(f.Err))
		}
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("engine: creating scheduler: %w", err)
	}
	e.cron = cron

	if err := e.Run(ctx, false, e.realtimeIn != nil && e.realtimeIn.PushOnly()); err != nil {
		e.logger.Warn("initial sync cycle failed, continuing on periodic schedule", zap.Error(err))
	}

	if _, err := e.cron.NewJob(
		gocron.DurationJob(e.cfg.SyncInterval),
		gocron.NewTask(func() {
			skipPull := e.realtimeIn != nil && e.realtimeIn.PushOnly()
			if err := e.Run(context.Background(), true, skipPull); err != nil {
				e.logger.Warn("periodic sync cycle failed", zap.Error(err))
			}
		}),
		gocron.WithTags(tagPeriodicSync),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("engine: scheduling periodic sync: %w", err)
	}

	if _, err := e.cron.NewJob(
		gocron.DurationJob(e.cfg.TombstoneMaxAge/24+time.Hour),
		gocron.NewTask(func() {
			if err := e.gcTombstones(context.Background()); err != nil {
				e.logger.Warn("tombstone gc failed", zap.Error(err))
			}
		}),
		gocron.WithTags(tagTombstoneGC),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("engine: scheduling tombstone gc: %w", err)
	}

	e.cron.Start()
	e.startWatchdogTicker()

	if e.network != nil {
		e.network.OnOnline(func() { e.ScheduleSyncPush() })
	}

	e.setState(stateIdle)
	return nil
}

// startWatchdogTicker runs checkWatchdog on a fixed short interval,
// independent of the sync cycle itself, so it can detect and recover from
// a wedged cycle holding the mutex.
func (e *Engine) startWatchdogTicker() {
	go func() {
		ticker := time.NewTicker(watchdogTickEvery)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case t := <-ticker.C:
				e.checkWatchdog(t)
			}
		}
	}()
}

// Stop tears the engine down: cancels scheduled jobs, stops the
// watchdog ticker, and clears the current user association. The local
// cache itself is left intact; call ClearLocalCache separately for a
// sign-out that should also wipe local data.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cron != nil {
		if err := e.cron.Shutdown(); err != nil {
			return fmt.Errorf("engine: shutting down scheduler: %w", err)
		}
		e.cron = nil
	}

	e.stopOnce.Do(func() { close(e.stopCh) })
	e.stopCh = make(chan struct{})
	e.stopOnce = sync.Once{}

	e.debounceMu.Lock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	e.debounceMu.Unlock()

	e.stateMu.Lock()
	e.currentUserID = ""
	e.stateMu.Unlock()
	e.setState(stateStopped)
	return nil
}

// ClearLocalCache empties every configured table plus the outbox,
// matching spec.md §4.9's sign-out/account-reset path. It does not touch
// the single-user config or offline-session tables; authgate.ClearOfflineState
// clears the offline credentials and session records separately.
func (e *Engine) ClearLocalCache(ctx context.Context, userID string) error {
	if err := e.queue.Clear(ctx); err != nil {
		return fmt.Errorf("engine: clearing outbox: %w", err)
	}
	if err := e.local.ClearUserTables(ctx, e.cfg.TableNames(), userID); err != nil {
		return fmt.Errorf("engine: clearing user tables: %w", err)
	}
	if err := e.kv.Remove(ctx, e.cursorKey(userID)); err != nil {
		return fmt.Errorf("engine: clearing cursor: %w", err)
	}
	e.egressC.Reset(e.clock.Now())
	e.stateMu.Lock()
	e.hydrated = false
	e.stateMu.Unlock()
	return nil
}

// HandleAuthKicked reacts to the remote backend rejecting the current
// session mid-flight: by default the outbox is cleared unconditionally
// (see DESIGN.md's Open Question 3 decision), unless the caller opted
// into PreserveOutboxOnKick.
func (e *Engine) HandleAuthKicked(ctx context.Context, reason string) error {
	e.stateMu.Lock()
	e.authKickedMessage = reason
	e.stateMu.Unlock()

	if !e.cfg.PreserveOutboxOnKick {
		if err := e.queue.Clear(ctx); err != nil {
			return fmt.Errorf("engine: clearing outbox on kick: %w", err)
		}
	}
	if e.cfg.OnAuthKicked != nil {
		e.cfg.OnAuthKicked(reason)
	}
	return nil
}

// ScheduleSyncPush debounces a push-triggering local write: repeated
// calls within SyncDebounce collapse into a single cycle, matching
// spec.md §4.5.
func (e *Engine) ScheduleSyncPush() {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()

	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(e.cfg.SyncDebounce, func() {
		skipPull := e.realtimeIn != nil && e.realtimeIn.PushOnly()
		if err := e.Run(context.Background(), true, skipPull); err != nil {
			e.logger.Warn("debounced sync cycle failed", zap.Error(err))
		}
	})
}

// gcTombstones deletes any locally-held deleted=true row older than
// TombstoneMaxAge, per spec.md §4.4.
func (e *Engine) gcTombstones(ctx context.Context) error {
	cutoff := e.clock.Now().Add(-e.cfg.TombstoneMaxAge).Format(time.RFC3339Nano)
	for _, table := range e.cfg.Tables {
		rows, err := e.local.Query(ctx, capability.Query{
			Table:   table.Name,
			Filters: []capability.Filter{capability.Eq("deleted", true), capability.Lt("updated_at", cutoff)},
		})
		if err != nil {
			return fmt.Errorf("engine: querying tombstones for %s: %w", table.Name, err)
		}
		for _, row := range rows {
			id := asString(row["id"])
			if id == "" {
				continue
			}
			if err := e.local.Delete(ctx, table.Name, id); err != nil {
				return fmt.Errorf("engine: deleting tombstone %s/%s: %w", table.Name, id, err)
			}
		}
	}
	return nil
}
