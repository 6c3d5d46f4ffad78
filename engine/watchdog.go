package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// watchdogCeiling bounds how long the single-writer mutex may be held
// before the watchdog declares the cycle stuck and force-releases it, so
// one wedged network call cannot permanently stall every future sync.
func (e *Engine) watchdogCeiling() time.Duration {
	return time.Duration(watchdogMultiplier) * e.cfg.SyncInterval
}

// checkWatchdog is invoked on a short fixed tick (see startWatchdogTicker)
// rather than per sync-cycle, so it can fire even while the stuck cycle is
// blocked holding mu.
func (e *Engine) checkWatchdog(now time.Time) {
	e.watchMu.Lock()
	held := e.lockHeld
	since := e.lockHeldSince
	e.watchMu.Unlock()

	if !held || since.IsZero() {
		return
	}
	if now.Sub(since) < e.watchdogCeiling() {
		return
	}

	e.logger.Error("sync cycle exceeded watchdog ceiling, force-releasing lock",
		zap.Duration("held", now.Sub(since)), zap.Duration("ceiling", e.watchdogCeiling()))

	e.watchMu.Lock()
	e.lockHeld = false
	e.lockHeldSince = time.Time{}
	e.stuckCount++
	e.watchMu.Unlock()
	e.setState(stateError)

	e.resetForLock()
}

// resetForLock abandons a wedged cycle's hold on mu by swapping in a
// fresh sync.Mutex. The old mutex (and whatever goroutine still holds
// it, if it ever returns) is left behind; every new Run call proceeds
// against the new one immediately instead of waiting on a call that may
// never return.
func (e *Engine) resetForLock() {
	e.mu = sync.Mutex{}
}
