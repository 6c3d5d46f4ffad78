// Package resolve implements the field-level three-tier conflict resolver:
// tombstone dominance, numeric additive merge, then last-write-wins. It has
// no teacher analogue — the teacher's domain has no concurrent-edit model —
// so it is built fresh in the pack's pure-function idiom: explicit inputs
// and outputs, no side effects, no panics.
package resolve

import (
	"time"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
)

// Winner records which side a field-level decision favored.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// HistoryEntry is one append-only conflict-history record.
type HistoryEntry struct {
	EntityID      string
	EntityType    string
	Field         string
	LocalValue    any
	RemoteValue   any
	ResolvedValue any
	Winner        Winner
	Strategy      string
	Timestamp     time.Time
}

// systemFields are never individually field-resolved; they are decided as
// part of the overall merge (id never changes, deleted/updated_at are
// derived from the winning side).
var systemFields = map[string]bool{
	"id":         true,
	"updated_at": true,
	"deleted":    true,
}

// Resolve merges a locally-held row with a newly pulled remote row for the
// same entity, returning the merged row and the history entries generated.
// local may be nil (no prior local row — the caller should not invoke
// Resolve in that case, but Resolve degrades to "remote wins" regardless).
// baselines holds the last-synced value of each numeric-merge field, as
// produced by the previous successful pull (see DESIGN.md's Open Question
// 2 decision); a field absent from baselines falls back to LWW.
func Resolve(local, remote capability.Row, baselines map[string]any, table config.TableConfig, now time.Time) (capability.Row, []HistoryEntry) {
	if local == nil {
		return cloneRow(remote), nil
	}

	// Tier 1: tombstone dominance.
	localDeleted, _ := local["deleted"].(bool)
	remoteDeleted, _ := remote["deleted"].(bool)
	if localDeleted || remoteDeleted {
		winner := local
		w := WinnerLocal
		if remoteDeleted {
			// Remote is authoritative on ties (both deleted).
			winner = remote
			w = WinnerRemote
		}
		merged := cloneRow(winner)
		merged["deleted"] = true
		entry := HistoryEntry{
			EntityID:      idOf(local, remote),
			EntityType:    table.Name,
			Field:         "deleted",
			LocalValue:    localDeleted,
			RemoteValue:   remoteDeleted,
			ResolvedValue: true,
			Winner:        w,
			Strategy:      "tombstone_dominance",
			Timestamp:     now,
		}
		return merged, []HistoryEntry{entry}
	}

	excluded := toSet(table.ExcludeFromConflict)
	numeric := toSet(table.NumericMergeFields)

	merged := cloneRow(local)
	var history []HistoryEntry

	fields := unionFields(local, remote)
	for _, field := range fields {
		if systemFields[field] {
			continue
		}
		if excluded[field] {
			// Keep the local value; no history entry for an
			// intentionally-excluded field.
			continue
		}

		localVal, localHas := local[field]
		remoteVal, remoteHas := remote[field]
		if !localHas && !remoteHas {
			continue
		}

		if numeric[field] {
			if base, ok := baselines[field]; ok {
				resolved := toFloat(localVal) + (toFloat(remoteVal) - toFloat(base))
				merged[field] = resolved
				history = append(history, HistoryEntry{
					EntityID:      idOf(local, remote),
					EntityType:    table.Name,
					Field:         field,
					LocalValue:    localVal,
					RemoteValue:   remoteVal,
					ResolvedValue: resolved,
					Winner:        WinnerMerged,
					Strategy:      "numeric_additive",
					Timestamp:     now,
				})
				continue
			}
			// No baseline available: fall back to LWW below.
		}

		if localVal == remoteVal {
			continue
		}

		localUpdated := parseTime(local["updated_at"])
		remoteUpdated := parseTime(remote["updated_at"])

		// Ties break toward remote — it is authoritative.
		if remoteUpdated.Before(localUpdated) {
			continue
		}

		merged[field] = remoteVal
		history = append(history, HistoryEntry{
			EntityID:      idOf(local, remote),
			EntityType:    table.Name,
			Field:         field,
			LocalValue:    localVal,
			RemoteValue:   remoteVal,
			ResolvedValue: remoteVal,
			Winner:        WinnerRemote,
			Strategy:      "last_write_wins",
			Timestamp:     now,
		})
	}

	// updated_at on the merged row reflects the latest contributing side.
	localUpdated := parseTime(local["updated_at"])
	remoteUpdated := parseTime(remote["updated_at"])
	if !remoteUpdated.Before(localUpdated) {
		merged["updated_at"] = remote["updated_at"]
	}

	return merged, history
}

func idOf(local, remote capability.Row) string {
	if id, ok := local["id"].(string); ok && id != "" {
		return id
	}
	if id, ok := remote["id"].(string); ok {
		return id
	}
	return ""
}

func unionFields(a, b capability.Row) []string {
	seen := make(map[string]bool)
	var out []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func toFloat(v any) float64 {
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

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

func cloneRow(row capability.Row) capability.Row {
	out := make(capability.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
