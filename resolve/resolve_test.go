package resolve

import (
	"testing"
	"time"

	"github.com/basilsync/engine/capability"
	"github.com/basilsync/engine/config"
)

func TestResolve_TombstoneDominance(t *testing.T) {
	now := time.Now()
	table := config.TableConfig{Name: "widgets"}

	cases := []struct {
		name   string
		local  capability.Row
		remote capability.Row
	}{
		{"local deleted", capability.Row{"id": "1", "deleted": true, "updated_at": "2024-01-01T00:00:00Z"}, capability.Row{"id": "1", "deleted": false, "updated_at": "2024-01-02T00:00:00Z"}},
		{"remote deleted", capability.Row{"id": "1", "deleted": false, "updated_at": "2024-01-02T00:00:00Z"}, capability.Row{"id": "1", "deleted": true, "updated_at": "2024-01-01T00:00:00Z"}},
		{"both deleted", capability.Row{"id": "1", "deleted": true}, capability.Row{"id": "1", "deleted": true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			merged, history := Resolve(c.local, c.remote, nil, table, now)
			if merged["deleted"] != true {
				t.Errorf("expected deleted=true, got %v", merged["deleted"])
			}
			if len(history) != 1 || history[0].Strategy != "tombstone_dominance" {
				t.Errorf("unexpected history: %+v", history)
			}
		})
	}
}

func TestResolve_NumericAdditiveMerge_S3(t *testing.T) {
	// Base remote {current_value:10} synced to local. Offline local +3 ->
	// 13. Concurrently remote moves to 15. Expected merged = 18.
	table := config.TableConfig{Name: "counters", NumericMergeFields: []string{"current_value"}}
	local := capability.Row{"id": "g2", "current_value": 13.0, "updated_at": "2024-01-01T00:00:00Z"}
	remote := capability.Row{"id": "g2", "current_value": 15.0, "updated_at": "2024-01-02T00:00:00Z"}
	baselines := map[string]any{"current_value": 10.0}

	merged, history := Resolve(local, remote, baselines, table, time.Now())
	if merged["current_value"] != 18.0 {
		t.Fatalf("current_value = %v, want 18", merged["current_value"])
	}
	if len(history) != 1 || history[0].Winner != WinnerMerged || history[0].Strategy != "numeric_additive" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestResolve_NumericMerge_NoBaselineFallsBackToLWW(t *testing.T) {
	table := config.TableConfig{Name: "counters", NumericMergeFields: []string{"current_value"}}
	local := capability.Row{"id": "g2", "current_value": 13.0, "updated_at": "2024-01-01T00:00:00Z"}
	remote := capability.Row{"id": "g2", "current_value": 15.0, "updated_at": "2024-01-02T00:00:00Z"}

	merged, history := Resolve(local, remote, nil, table, time.Now())
	if merged["current_value"] != 15.0 {
		t.Fatalf("current_value = %v, want 15 (LWW fallback)", merged["current_value"])
	}
	if len(history) != 1 || history[0].Strategy != "last_write_wins" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestResolve_LWWPerField_S4(t *testing.T) {
	table := config.TableConfig{Name: "widgets"}
	local := capability.Row{"id": "1", "name": "A", "color": "red", "updated_at": "2024-01-01T00:00:00Z"}
	remote := capability.Row{"id": "1", "name": "B", "color": "red", "updated_at": "2024-01-02T00:00:00Z"}

	merged, history := Resolve(local, remote, nil, table, time.Now())
	if merged["name"] != "B" || merged["color"] != "red" {
		t.Fatalf("unexpected merge: %+v", merged)
	}
	if len(history) != 1 || history[0].Field != "name" || history[0].Winner != WinnerRemote {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestResolve_ExcludedFieldKeepsLocal(t *testing.T) {
	table := config.TableConfig{Name: "widgets", ExcludeFromConflict: []string{"local_only"}}
	local := capability.Row{"id": "1", "local_only": "keepme", "updated_at": "2024-01-01T00:00:00Z"}
	remote := capability.Row{"id": "1", "local_only": "overwritten", "updated_at": "2024-01-02T00:00:00Z"}

	merged, history := Resolve(local, remote, nil, table, time.Now())
	if merged["local_only"] != "keepme" {
		t.Fatalf("expected excluded field to stay local, got %v", merged["local_only"])
	}
	for _, h := range history {
		if h.Field == "local_only" {
			t.Fatalf("excluded field should not produce a history entry")
		}
	}
}

func TestResolve_TieBreaksTowardRemote(t *testing.T) {
	table := config.TableConfig{Name: "widgets"}
	local := capability.Row{"id": "1", "name": "A", "updated_at": "2024-01-01T00:00:00Z"}
	remote := capability.Row{"id": "1", "name": "B", "updated_at": "2024-01-01T00:00:00Z"}

	merged, _ := Resolve(local, remote, nil, table, time.Now())
	if merged["name"] != "B" {
		t.Fatalf("expected tie to favor remote, got %v", merged["name"])
	}
}

func TestResolve_IsDeterministic(t *testing.T) {
	table := config.TableConfig{Name: "widgets"}
	local := capability.Row{"id": "1", "name": "A", "updated_at": "2024-01-01T00:00:00Z"}
	remote := capability.Row{"id": "1", "name": "B", "updated_at": "2024-01-02T00:00:00Z"}
	now := time.Now()

	m1, h1 := Resolve(local, remote, nil, table, now)
	m2, h2 := Resolve(local, remote, nil, table, now)
	if m1["name"] != m2["name"] || len(h1) != len(h2) {
		t.Fatalf("resolve is not deterministic: %+v/%+v vs %+v/%+v", m1, h1, m2, h2)
	}
}
