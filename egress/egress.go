// Package egress tracks per-table byte/record counters for every push,
// pull, and realtime payload that crosses the wire. Grounded in
// infrastructure/cache/cache.go's mutex-guarded counter map (r3e pack
// repo) — the teacher itself has no byte-accounting analogue.
package egress

import (
	"encoding/json"
	"sync"
	"time"
)

// TableCounters is the byte/record tally for one table.
type TableCounters struct {
	Bytes   int64
	Records int64
}

// Snapshot is a point-in-time read of the accumulated counters.
type Snapshot struct {
	SessionStart time.Time
	TotalBytes   int64
	TotalRecords int64
	ByTable      map[string]TableCounters
}

// TablePercent returns table's share of TotalBytes, 0 if nothing has been
// recorded yet.
func (s Snapshot) TablePercent(table string) float64 {
	if s.TotalBytes == 0 {
		return 0
	}
	return float64(s.ByTable[table].Bytes) / float64(s.TotalBytes) * 100
}

// Counters accumulates egress counters across the process lifetime.
type Counters struct {
	mu      sync.Mutex
	start   time.Time
	total   TableCounters
	byTable map[string]TableCounters
}

// New starts a fresh counter set with SessionStart = now.
func New(now time.Time) *Counters {
	return &Counters{start: now, byTable: make(map[string]TableCounters)}
}

// RecordRows adds the serialized-JSON byte length of each row to table's
// counters, matching spec.md §4.10's "byte accounting uses the serialized
// length of the outbound/inbound JSON body per record".
func (c *Counters) RecordRows(table string, rows []map[string]any) {
	var bytes int64
	for _, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			continue
		}
		bytes += int64(len(b))
	}
	c.Record(table, bytes, int64(len(rows)))
}

// Record adds bytes/records directly, for callers that already know the
// serialized size (e.g. a realtime payload already received as raw JSON).
func (c *Counters) Record(table string, bytes, records int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc := c.byTable[table]
	tc.Bytes += bytes
	tc.Records += records
	c.byTable[table] = tc
	c.total.Bytes += bytes
	c.total.Records += records
}

// Snapshot returns a copy of the current counters.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	byTable := make(map[string]TableCounters, len(c.byTable))
	for k, v := range c.byTable {
		byTable[k] = v
	}
	return Snapshot{
		SessionStart: c.start,
		TotalBytes:   c.total.Bytes,
		TotalRecords: c.total.Records,
		ByTable:      byTable,
	}
}

// Reset clears every counter and restarts the session clock at now.
func (c *Counters) Reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = now
	c.total = TableCounters{}
	c.byTable = make(map[string]TableCounters)
}
