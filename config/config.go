// Package config declares the engine's initialization schema: the
// configured table set, tuning knobs, auth options, and lifecycle
// callbacks. It mirrors server/cmd/server/main.go's plain config struct
// populated by flags/env — cmd/basild is what wires cobra onto this type.
package config

import (
	"time"

	"github.com/basilsync/engine/capability"
)

// TableConfig declares one synced entity table.
type TableConfig struct {
	// Name is the table/collection name, used both locally and in the
	// remote wire model.
	Name string
	// Columns is the full projected column set fetched on pull.
	Columns []string
	// OwnershipFilter is the column used to scope rows to the current
	// user (usually "user_id"); empty means the table is not
	// owner-scoped.
	OwnershipFilter string
	// IsSingleton marks a table with exactly one row per user, keyed by a
	// fixed string rather than a generated id.
	IsSingleton bool
	// ExcludeFromConflict lists fields the resolver never overwrites via
	// LWW (they keep whichever side already has them locally).
	ExcludeFromConflict []string
	// NumericMergeFields lists fields resolved via additive merge instead
	// of last-write-wins.
	NumericMergeFields []string
}

// SingleUserOptions configures the PIN/password gate (C3).
type SingleUserOptions struct {
	// GateType is "code" (numeric PIN) or "password" (freeform).
	GateType string
	// CodeLength is 4 or 6, meaningful only when GateType == "code".
	CodeLength int
}

// DeviceVerificationOptions configures the trusted-device + OTP flow.
type DeviceVerificationOptions struct {
	Enabled bool
	// TrustDurationDays defaults to 90 when zero.
	TrustDurationDays int
}

// AuthOptions groups every auth-gate tuning knob.
type AuthOptions struct {
	SingleUser         *SingleUserOptions
	DeviceVerification *DeviceVerificationOptions
	// ProfileExtractor derives a display profile from a backend user
	// metadata map, e.g. for caching in the offline credentials record.
	ProfileExtractor func(metadata map[string]any) map[string]any
	// ProfileToMetadata is the inverse: turns a local profile back into a
	// metadata map suitable for AuthProvider.UpdateUserMetadata.
	ProfileToMetadata func(profile map[string]any) map[string]any
	// ConfirmRedirectPath is the path appended to the OTP confirmation
	// link (see spec.md §6 "Confirmation redirect").
	ConfirmRedirectPath string
}

// DemoOptions configures the sandboxed demo mode, which keeps C7/C6
// entirely offline against a local-only dataset.
type DemoOptions struct {
	Active bool
}

// Config is the engine's single initialization input.
type Config struct {
	// Prefix namespaces storage keys and multi-tenant device rows
	// (e.g. "basil").
	Prefix string

	Tables []TableConfig

	// SyncDebounce is the debounce window for scheduleSyncPush.
	SyncDebounce time.Duration
	// SyncInterval is the periodic full-sync tick period.
	SyncInterval time.Duration
	// TombstoneMaxAge is how long a deleted=true row survives locally
	// before tombstone GC removes it.
	TombstoneMaxAge time.Duration
	// VisibilitySyncMinAway is the minimum time away before an
	// app-became-visible event triggers a sync.
	VisibilitySyncMinAway time.Duration
	// OnlineReconnectCooldown limits how often an online transition may
	// re-trigger an immediate sync.
	OnlineReconnectCooldown time.Duration

	Auth AuthOptions
	Demo DemoOptions

	// OnAuthStateChange, if set, is invoked on every auth-state
	// transition (sign-in, sign-out, refresh).
	OnAuthStateChange func(mode string, session *capability.Session)
	// OnAuthKicked, if set, is invoked when the remote backend rejects
	// the current session mid-flight.
	OnAuthKicked func(reason string)

	// PreserveOutboxOnKick overrides the stricter default (outbox
	// cleared unconditionally on kick, see spec.md §9 open question 3)
	// when the caller explicitly opts in.
	PreserveOutboxOnKick bool
}

// Defaults fills zero-valued tuning knobs with spec.md §6's documented
// defaults. Call after populating Config from flags/env so unset fields
// pick up the engine's defaults rather than firing immediately.
func (c *Config) Defaults() {
	if c.SyncDebounce == 0 {
		c.SyncDebounce = 300 * time.Millisecond
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.TombstoneMaxAge == 0 {
		c.TombstoneMaxAge = 30 * 24 * time.Hour
	}
	if c.VisibilitySyncMinAway == 0 {
		c.VisibilitySyncMinAway = 60 * time.Second
	}
	if c.OnlineReconnectCooldown == 0 {
		c.OnlineReconnectCooldown = 5 * time.Second
	}
	if c.Auth.DeviceVerification != nil && c.Auth.DeviceVerification.TrustDurationDays == 0 {
		c.Auth.DeviceVerification.TrustDurationDays = 90
	}
}

// Table looks up a configured table by name.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// TableNames returns every configured table name, in declared order.
func (c *Config) TableNames() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}
