// Package capability declares the behavioral contracts the sync engine is
// built against: a local store, a remote store, a realtime change channel,
// an auth provider, a small key-value store, and the clock/crypto/network
// primitives. No implementation detail (HTTP, SQL, a specific wire format)
// leaks into these interfaces — the engine is constructed with instances of
// them rather than reaching for package-level singletons.
package capability

import (
	"context"
	"time"
)

// Row is a single record exchanged with a LocalStore or RemoteStore. Tables
// are caller-configured (see config.TableConfig), so rows are dynamic rather
// than fixed Go structs.
type Row = map[string]any

// Filter narrows a range query against a table.
type Filter struct {
	// Column is the row field being filtered.
	Column string
	// Op is one of "eq", "gte", "lt".
	Op string
	// Value is compared against Column using Op.
	Value any
}

func Eq(column string, value any) Filter  { return Filter{Column: column, Op: "eq", Value: value} }
func Gte(column string, value any) Filter { return Filter{Column: column, Op: "gte", Value: value} }
func Lt(column string, value any) Filter  { return Filter{Column: column, Op: "lt", Value: value} }

// Query describes a projected, filtered, ordered read against one table.
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
	// OrderBy is a column name; rows are returned ascending on it unless
	// Descending is set.
	OrderBy    string
	Descending bool
	Limit      int
}

// LocalStore is the embedded, always-available database the application
// reads and writes against directly. Every blocking method takes a context
// so callers can bound or cancel slow opens/migrations.
type LocalStore interface {
	// WaitReady blocks until the store has finished opening and applying
	// any pending upgrade/migration. The engine awaits this before any
	// other access ("wait-for-db").
	WaitReady(ctx context.Context) error

	// Get reads a single row by primary key. Returns (nil, nil) if absent.
	Get(ctx context.Context, table, id string) (Row, error)

	// Put writes (inserts or replaces) a single row.
	Put(ctx context.Context, table string, row Row) error

	// PutBulk writes many rows to one table in a single transaction.
	PutBulk(ctx context.Context, table string, rows []Row) error

	// Query runs a range/filtered read, e.g. updated_at >= cursor.
	Query(ctx context.Context, q Query) ([]Row, error)

	// Delete removes a row by primary key.
	Delete(ctx context.Context, table, id string) error

	// DeleteWhere removes rows from a table matching all the given filters
	// (used for trusted-device's composite natural key).
	DeleteWhere(ctx context.Context, table string, filters []Filter) error

	// ClearUserTables empties every row in the given tables, atomically,
	// scoped to the given user id where the table declares ownership.
	ClearUserTables(ctx context.Context, tables []string, userID string) error
}

// KeyValueStore holds small opaque string values: the sync cursor, debug
// flags, and crash-recovery breadcrumbs.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// RemoteStore is the backend relational store reached over the network.
type RemoteStore interface {
	// Fetch runs a projected, filtered, ordered read against one table.
	Fetch(ctx context.Context, q Query) ([]Row, error)

	// Upsert writes rows to a table, merging on the table's natural key
	// where the backend supports it (PostgREST-style
	// Prefer: resolution=merge-duplicates).
	Upsert(ctx context.Context, table string, rows []Row) error

	// DeleteByID removes a single row by primary key.
	DeleteByID(ctx context.Context, table, id string) error

	// Call invokes a scoped remote procedure (used for the account reset
	// RPC and server config lookup).
	Call(ctx context.Context, name string, args map[string]any) (Row, error)
}

// ConnectionState is the coarse state of a RealtimeChannel.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType is the kind of change a RealtimeChannel delivers.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is a single realtime row change.
type ChangeEvent struct {
	Table     string
	EventType EventType
	Record    Row
	OldRecord Row
}

// RealtimeChannel is a subscription to per-table change events, filtered by
// owner. Implementations report their own coarse connection state.
type RealtimeChannel interface {
	// Subscribe starts listening to changes on the given tables for the
	// given owning user id. Events are delivered on the returned channel
	// until the context is cancelled or Unsubscribe is called.
	Subscribe(ctx context.Context, tables []string, userID string) (<-chan ChangeEvent, error)

	// State returns the channel's current coarse connection state.
	State() ConnectionState

	// OnStateChange registers a callback invoked whenever State() changes.
	OnStateChange(func(ConnectionState))

	// Unsubscribe tears the subscription down.
	Unsubscribe() error
}

// Session is an authenticated backend session.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Email        string
	ExpiresAt    time.Time
	// Metadata mirrors the backend account's user metadata at the time
	// the session was issued/refreshed/verified — the only place pending
	// trusted-device keys (pending_<prefix>_device_id/_label) surface,
	// since AuthProvider exposes no separate read-metadata call.
	Metadata map[string]any
}

// Expired reports whether the session's access token has passed its expiry.
func (s Session) Expired(now time.Time) bool {
	return s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt)
}

// AuthProvider is the backend account authentication surface.
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignUp(ctx context.Context, email, password string) (Session, error)
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	CurrentSession(ctx context.Context) (Session, bool, error)
	UpdateUserMetadata(ctx context.Context, metadata map[string]any) error
	SendOneTimeCode(ctx context.Context, email string) error
	VerifyOneTimeCode(ctx context.Context, tokenHash string) (Session, error)
	SignOut(ctx context.Context) error
}

// Clock abstracts wall-clock time so tests can control it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real, monotonic-backed Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Crypto provides the two primitives the engine needs: hashing and random
// id generation. Kept separate from the standard library call sites so
// tests can substitute deterministic implementations.
type Crypto interface {
	// HashHex returns the 64-char lowercase hex SHA-256 digest of s.
	HashHex(s string) string
	// NewUUID returns a new random (v4) UUID string.
	NewUUID() string
}

// NetworkState is the coarse current connectivity as seen by Network.
type NetworkState struct {
	Online bool
}

// Network reports current connectivity and its transitions.
type Network interface {
	IsOnline() bool
	// OnOnline registers a callback fired when connectivity transitions
	// to online.
	OnOnline(func())
	// OnOffline registers a callback fired when connectivity transitions
	// to offline.
	OnOffline(func())
	// OnVisibilityChange registers a callback fired when the host
	// application's foreground visibility changes; visible reports the
	// new state.
	OnVisibilityChange(func(visible bool))
}
