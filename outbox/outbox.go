// Package outbox implements the persisted intent queue and its
// deterministic pre-push coalescing, generalized from
// server/internal/repositories/job.go's repository-over-store shape to the
// intent-typed rows of spec.md §3.
package outbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/basilsync/engine/capability"
)

// Table is the system table name the queue is persisted under.
const Table = "sync_queue"

// OperationType is the kind of intent a queued item carries.
type OperationType string

const (
	OpIncrement OperationType = "increment"
	OpSet       OperationType = "set"
	OpCreate    OperationType = "create"
	OpDelete    OperationType = "delete"
)

// Item is one queued intent-typed operation.
type Item struct {
	// ID is a monotonic local enqueue id; total order within a
	// (Table, EntityID) group is defined by ID.
	ID        int64
	Table     string
	EntityID  string
	Operation OperationType
	// Field is set for single-field Set/Increment; empty for Create,
	// Delete, and multi-field Set (whose payload is a map in Value).
	Field string
	Value any
	// DeltaFields lists the fields of a coalesced OpSet's payload whose
	// Value is a pure increment delta sum rather than an absolute value
	// (set only on items Coalesce produces; never persisted). The pusher
	// must add these onto the entity's current stored value rather than
	// upserting them as-is.
	DeltaFields []string
	EnqueuedAt  time.Time
	Retries     int
	LastRetryAt time.Time
}

func (it Item) toRow() capability.Row {
	row := capability.Row{
		"id":          strconv.FormatInt(it.ID, 10),
		"table":       it.Table,
		"entity_id":   it.EntityID,
		"operation":   string(it.Operation),
		"field":       it.Field,
		"value":       it.Value,
		"enqueued_at": it.EnqueuedAt.Format(time.RFC3339Nano),
		"retries":     it.Retries,
	}
	if !it.LastRetryAt.IsZero() {
		row["last_retry_at"] = it.LastRetryAt.Format(time.RFC3339Nano)
	}
	return row
}

func itemFromRow(row capability.Row) Item {
	id, _ := strconv.ParseInt(asString(row["id"]), 10, 64)
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, asString(row["enqueued_at"]))
	var lastRetry time.Time
	if s := asString(row["last_retry_at"]); s != "" {
		lastRetry, _ = time.Parse(time.RFC3339Nano, s)
	}
	retries := int(toFloat(row["retries"]))
	return Item{
		ID:          id,
		Table:       asString(row["table"]),
		EntityID:    asString(row["entity_id"]),
		Operation:   OperationType(asString(row["operation"])),
		Field:       asString(row["field"]),
		Value:       row["value"],
		EnqueuedAt:  enqueuedAt,
		Retries:     retries,
		LastRetryAt: lastRetry,
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// Queue is the persisted outbox, backed by a LocalStore.
type Queue struct {
	store capability.LocalStore

	// nextID is an in-memory monotonic counter seeded from the highest
	// persisted id at construction. It is only ever advanced, never
	// queried across process restarts beyond that seed read.
	nextID int64
}

// NewQueue constructs a Queue and seeds its id counter from whatever rows
// are already persisted (e.g. after a restart).
func NewQueue(ctx context.Context, store capability.LocalStore) (*Queue, error) {
	rows, err := store.Query(ctx, capability.Query{Table: Table})
	if err != nil {
		return nil, fmt.Errorf("outbox: loading existing queue: %w", err)
	}
	var maxID int64
	for _, row := range rows {
		if it := itemFromRow(row); it.ID > maxID {
			maxID = it.ID
		}
	}
	return &Queue{store: store, nextID: maxID + 1}, nil
}

// Enqueue persists a new intent-typed item and returns it with its
// assigned id.
func (q *Queue) Enqueue(ctx context.Context, table, entityID string, op OperationType, field string, value any, now time.Time) (Item, error) {
	item := Item{
		ID:         q.nextID,
		Table:      table,
		EntityID:   entityID,
		Operation:  op,
		Field:      field,
		Value:      value,
		EnqueuedAt: now,
	}
	q.nextID++

	if err := q.store.Put(ctx, Table, item.toRow()); err != nil {
		return Item{}, fmt.Errorf("outbox: enqueuing item: %w", err)
	}
	return item, nil
}

// All returns every pending item, ordered by enqueue id ascending.
func (q *Queue) All(ctx context.Context) ([]Item, error) {
	rows, err := q.store.Query(ctx, capability.Query{Table: Table})
	if err != nil {
		return nil, fmt.Errorf("outbox: querying queue: %w", err)
	}
	items := make([]Item, len(rows))
	for i, row := range rows {
		items[i] = itemFromRow(row)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Remove deletes the given items (by id) after a successful push.
func (q *Queue) Remove(ctx context.Context, items []Item) error {
	for _, it := range items {
		if err := q.store.Delete(ctx, Table, strconv.FormatInt(it.ID, 10)); err != nil {
			return fmt.Errorf("outbox: removing item %d: %w", it.ID, err)
		}
	}
	return nil
}

// MarkRetry persists an incremented retry count and current timestamp for
// an item that failed to push.
func (q *Queue) MarkRetry(ctx context.Context, it Item, now time.Time) error {
	it.Retries++
	it.LastRetryAt = now
	if err := q.store.Put(ctx, Table, it.toRow()); err != nil {
		return fmt.Errorf("outbox: marking retry for item %d: %w", it.ID, err)
	}
	return nil
}

// Clear empties the queue entirely (used by clearLocalCache).
func (q *Queue) Clear(ctx context.Context) error {
	items, err := q.All(ctx)
	if err != nil {
		return err
	}
	return q.Remove(ctx, items)
}

// PendingCount returns the number of queued items.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	items, err := q.All(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// PendingEntityIDs returns the set of entity ids with at least one pending
// op, feeding the engine's recently-modified pull-guard.
func (q *Queue) PendingEntityIDs(ctx context.Context) (map[string]bool, error) {
	items, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, it := range items {
		out[it.EntityID] = true
	}
	return out, nil
}

// GroupCounts tallies pending items by table and by operation type.
type GroupCounts struct {
	ByTable     map[string]int
	ByOperation map[OperationType]int
}

// Counts computes GroupCounts over every pending item.
func (q *Queue) Counts(ctx context.Context) (GroupCounts, error) {
	items, err := q.All(ctx)
	if err != nil {
		return GroupCounts{}, err
	}
	gc := GroupCounts{ByTable: map[string]int{}, ByOperation: map[OperationType]int{}}
	for _, it := range items {
		gc.ByTable[it.Table]++
		gc.ByOperation[it.Operation]++
	}
	return gc, nil
}

// StuckItems returns items whose retry count exceeds threshold, for
// diagnostics surfacing.
func (q *Queue) StuckItems(ctx context.Context, threshold int) ([]Item, error) {
	items, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	var stuck []Item
	for _, it := range items {
		if it.Retries > threshold {
			stuck = append(stuck, it)
		}
	}
	return stuck, nil
}
