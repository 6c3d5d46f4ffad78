// Package realtime wraps a capability.RealtimeChannel with self-echo
// deduplication and push-only mode signaling. Grounded in
// server/internal/websocket/hub.go's single-writer event-loop design
// (register/unregister channels, copy-then-send-outside-lock) for the
// dedup ring's access pattern, and in
// agent/internal/connection/manager.go's reconnect loop for capped
// backoff bookkeeping.
package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/basilsync/engine/capability"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	// ringSize bounds the self-echo dedup ring buffer.
	ringSize = 256
)

// echoKey identifies one (table, id, updated_at) triple for dedup.
type echoKey struct {
	table     string
	id        string
	updatedAt string
}

// dedupRing is a small fixed-size ring of recently-seen echo keys,
// accessed only while holding Integration's mutex (mirrors the hub's
// "mutate the shared map only under lock, never while sending" rule).
type dedupRing struct {
	keys [ringSize]echoKey
	set  map[echoKey]bool
	next int
}

func newDedupRing() *dedupRing {
	return &dedupRing{set: make(map[echoKey]bool, ringSize)}
}

// markSelf records an echo key that this client itself just wrote, so a
// later realtime delivery of the same change is recognized as a self-echo.
func (r *dedupRing) markSelf(k echoKey) {
	if r.set[k] {
		return
	}
	evicted := r.keys[r.next]
	delete(r.set, evicted)
	r.keys[r.next] = k
	r.set[k] = true
	r.next = (r.next + 1) % ringSize
}

// isSelfEcho reports whether k was recently recorded via markSelf.
func (r *dedupRing) isSelfEcho(k echoKey) bool {
	return r.set[k]
}

// Integration owns one capability.RealtimeChannel subscription, its dedup
// ring, and the reconnect backoff state machine.
type Integration struct {
	channel capability.RealtimeChannel
	logger  *zap.Logger

	mu       sync.Mutex
	ring     *dedupRing
	backoff  time.Duration
	lastErr  string
	attempts int
}

// NewIntegration constructs an Integration over the given capability
// channel.
func NewIntegration(channel capability.RealtimeChannel, logger *zap.Logger) *Integration {
	return &Integration{
		channel: channel,
		logger:  logger.Named("realtime"),
		ring:    newDedupRing(),
		backoff: backoffInitial,
	}
}

// MarkSelfWrite records a change this client itself just pushed, so the
// corresponding realtime echo is later suppressed.
func (in *Integration) MarkSelfWrite(table, id, updatedAt string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.ring.markSelf(echoKey{table: table, id: id, updatedAt: updatedAt})
}

// Start subscribes to the given tables for userID and returns a channel of
// accepted (non-self-echo) change events. The returned channel is closed
// when ctx is cancelled or the subscription otherwise ends.
func (in *Integration) Start(ctx context.Context, tables []string, userID string) (<-chan capability.ChangeEvent, error) {
	raw, err := in.channel.Subscribe(ctx, tables, userID)
	if err != nil {
		return nil, fmt.Errorf("realtime: subscribing: %w", err)
	}

	in.channel.OnStateChange(func(s capability.ConnectionState) {
		in.mu.Lock()
		if s == capability.StateConnected {
			in.backoff = backoffInitial
			in.attempts = 0
			in.lastErr = ""
		} else if s == capability.StateError {
			in.attempts++
		}
		in.mu.Unlock()
		in.logger.Info("connection state changed", zap.String("state", s.String()))
	})

	accepted := make(chan capability.ChangeEvent, cap(raw))
	go func() {
		defer close(accepted)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-raw:
				if !ok {
					return
				}
				key := echoKey{table: ev.Table, id: idOf(ev.Record), updatedAt: updatedAtOf(ev.Record)}
				in.mu.Lock()
				skip := in.ring.isSelfEcho(key)
				in.mu.Unlock()
				if skip {
					continue
				}
				select {
				case accepted <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return accepted, nil
}

// State returns the underlying channel's coarse connection state.
func (in *Integration) State() capability.ConnectionState {
	return in.channel.State()
}

// PushOnly reports whether the pull phase should be suppressed because
// realtime is healthy (spec.md §4.6's push-only mode).
func (in *Integration) PushOnly() bool {
	return in.State() == capability.StateConnected
}

// NextBackoff returns the next capped, jittered reconnect delay and
// advances internal state, mirroring
// agent/internal/connection/manager.go's nextBackoff/jitter pair.
func (in *Integration) NextBackoff() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()
	delay := jitter(in.backoff)
	in.backoff = nextBackoffDuration(in.backoff)
	return delay
}

// LastError returns the most recently recorded connection error reason.
func (in *Integration) LastError() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastErr
}

// RecordError stores the reason for the most recent disconnect/error.
func (in *Integration) RecordError(reason string) {
	in.mu.Lock()
	in.lastErr = reason
	in.mu.Unlock()
}

func nextBackoffDuration(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func idOf(row capability.Row) string {
	id, _ := row["id"].(string)
	return id
}

func updatedAtOf(row capability.Row) string {
	v, _ := row["updated_at"].(string)
	return v
}
