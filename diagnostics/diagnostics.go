// Package diagnostics assembles the point-in-time introspection snapshot
// over every other component. It imports capability, egress, outbox and
// resolve for the types it reports, and it is itself imported by engine,
// whose Engine.Diagnostics returns this package's section types.
// Grounded in the teacher's
// single-envelope-struct-per-endpoint response convention
// (server/internal/api response shapes).
package diagnostics

import (
	"time"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/egress"
	"github.com/basilsync/engine/outbox"
	"github.com/basilsync/engine/resolve"
)

// SyncSection reports the engine's last-cycle bookkeeping.
type SyncSection struct {
	LastSyncTime               time.Time `json:"lastSyncTime"`
	LastSuccessfulSyncTimestamp time.Time `json:"lastSuccessfulSyncTimestamp"`
	PushOnlyMode                bool      `json:"pushOnlyMode"`
	Hydrated                    bool      `json:"hydrated"`
}

// QueueSection reports outbox bookkeeping.
type QueueSection struct {
	PendingCount int                            `json:"pendingCount"`
	ByTable      map[string]int                 `json:"byTable"`
	ByOperation  map[outbox.OperationType]int    `json:"byOperation"`
	StuckItems   []outbox.Item                  `json:"stuckItems"`
}

// RealtimeSection reports the realtime channel's health.
type RealtimeSection struct {
	State     string `json:"state"`
	LastError string `json:"lastError,omitempty"`
}

// NetworkSection reports current connectivity.
type NetworkSection struct {
	Online bool `json:"online"`
}

// EngineSection reports mutex/watchdog/lifecycle state.
type EngineSection struct {
	LockHeld        bool      `json:"lockHeld"`
	LockHeldSince   time.Time `json:"lockHeldSince,omitempty"`
	StuckCount      int       `json:"stuckCount"`
	SchemaValidated bool      `json:"schemaValidated"`
	State           string    `json:"state"`
}

// ConflictsSection reports a tail of recent conflict-history entries.
type ConflictsSection struct {
	Recent []resolve.HistoryEntry `json:"recent"`
}

// ErrorsSection is the user-visible failure surface (spec.md §7).
type ErrorsSection struct {
	AuthKickedMessage string `json:"authKickedMessage,omitempty"`
	LastError         string `json:"lastError,omitempty"`
	LastErrorDetails  string `json:"lastErrorDetails,omitempty"`
}

// ConfigSection echoes a subset of the active configuration for
// diagnostics display.
type ConfigSection struct {
	Prefix       string   `json:"prefix"`
	Tables       []string `json:"tables"`
	SyncInterval string   `json:"syncInterval"`
}

// Snapshot is the full diagnostics document (spec.md §6 "Diagnostics
// snapshot").
type Snapshot struct {
	Sync      SyncSection      `json:"sync"`
	Egress    egress.Snapshot  `json:"egress"`
	Queue     QueueSection     `json:"queue"`
	Realtime  RealtimeSection  `json:"realtime"`
	Network   NetworkSection   `json:"network"`
	Engine    EngineSection    `json:"engine"`
	Conflicts ConflictsSection `json:"conflicts"`
	Errors    ErrorsSection    `json:"errors"`
	Config    ConfigSection    `json:"config"`
}

// Inputs bundles everything Collect needs; the caller that wired the
// engine and its capabilities fills it in (cmd/basild's buildSnapshot
// does so), since diagnostics itself holds no durable state of its own.
type Inputs struct {
	Sync      SyncSection
	Egress    egress.Snapshot
	Queue     outbox.GroupCounts
	PendingN  int
	Stuck     []outbox.Item
	Realtime  capability.ConnectionState
	LastRealtimeErr string
	Network   capability.Network
	Engine    EngineSection
	Conflicts []resolve.HistoryEntry
	Errors    ErrorsSection
	Config    ConfigSection
}

// Collect builds a Snapshot from the given Inputs.
func Collect(in Inputs) Snapshot {
	return Snapshot{
		Sync:   in.Sync,
		Egress: in.Egress,
		Queue: QueueSection{
			PendingCount: in.PendingN,
			ByTable:      in.Queue.ByTable,
			ByOperation:  in.Queue.ByOperation,
			StuckItems:   in.Stuck,
		},
		Realtime: RealtimeSection{
			State:     in.Realtime.String(),
			LastError: in.LastRealtimeErr,
		},
		Network: NetworkSection{
			Online: in.Network != nil && in.Network.IsOnline(),
		},
		Engine:    in.Engine,
		Conflicts: ConflictsSection{Recent: in.Conflicts},
		Errors:    in.Errors,
		Config:    in.Config,
	}
}
