package outbox

import (
	"testing"
	"time"
)

func TestCoalesce_CreateDeleteAnnihilate(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "widgets", EntityID: "x", Operation: OpCreate, Value: map[string]any{"name": "x"}},
		{ID: 2, Table: "widgets", EntityID: "x", Operation: OpDelete},
	}
	out := Coalesce(items)
	if len(out) != 0 {
		t.Fatalf("expected annihilation, got %+v", out)
	}
}

func TestCoalesce_DeleteWins(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "name", Value: "a"},
		{ID: 2, Table: "widgets", EntityID: "x", Operation: OpDelete},
	}
	out := Coalesce(items)
	if len(out) != 1 || out[0].Operation != OpDelete {
		t.Fatalf("expected single delete, got %+v", out)
	}
}

func TestCoalesce_CreateAbsorbsSetsAndIncrements(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "widgets", EntityID: "x", Operation: OpCreate, Value: map[string]any{"current_value": 0.0}},
		{ID: 2, Table: "widgets", EntityID: "x", Operation: OpIncrement, Field: "current_value", Value: 1.0},
		{ID: 3, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "name", Value: "final"},
	}
	out := Coalesce(items)
	if len(out) != 1 || out[0].Operation != OpCreate {
		t.Fatalf("expected single create, got %+v", out)
	}
	payload, ok := out[0].Value.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", out[0].Value)
	}
	if payload["current_value"] != 1.0 {
		t.Errorf("current_value = %v, want 1", payload["current_value"])
	}
	if payload["name"] != "final" {
		t.Errorf("name = %v, want final", payload["name"])
	}
}

func TestCoalesce_IncrementsSum(t *testing.T) {
	now := time.Now()
	var items []Item
	for i := 0; i < 50; i++ {
		items = append(items, Item{
			ID: int64(i), Table: "counters", EntityID: "g1",
			Operation: OpIncrement, Field: "current_value", Value: 1.0,
			EnqueuedAt: now,
		})
	}
	out := Coalesce(items)
	if len(out) != 1 {
		t.Fatalf("expected one coalesced item, got %d", len(out))
	}
	if out[0].Operation != OpSet || out[0].Field != "current_value" {
		t.Fatalf("expected single-field set, got %+v", out[0])
	}
	if out[0].Value != 50.0 {
		t.Errorf("value = %v, want 50", out[0].Value)
	}
	if len(out[0].DeltaFields) != 1 || out[0].DeltaFields[0] != "current_value" {
		t.Errorf("expected current_value marked as a delta field, got %+v", out[0].DeltaFields)
	}
}

func TestCoalesce_SetThenIncrementIsNotADeltaField(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "counters", EntityID: "g1", Operation: OpSet, Field: "current_value", Value: 5.0},
		{ID: 2, Table: "counters", EntityID: "g1", Operation: OpIncrement, Field: "current_value", Value: 1.0},
		{ID: 3, Table: "counters", EntityID: "g1", Operation: OpIncrement, Field: "current_value", Value: 1.0},
	}
	out := Coalesce(items)
	if len(out) != 1 {
		t.Fatalf("expected one coalesced item, got %d", len(out))
	}
	if out[0].Value != 7.0 {
		t.Errorf("value = %v, want 7 (set baseline 5 plus two +1 increments)", out[0].Value)
	}
	if len(out[0].DeltaFields) != 0 {
		t.Errorf("expected no delta fields once a Set establishes an absolute baseline, got %+v", out[0].DeltaFields)
	}
}

func TestCoalesce_DisjointSetsCombine(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "name", Value: "a"},
		{ID: 2, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "color", Value: "red"},
	}
	out := Coalesce(items)
	if len(out) != 1 || out[0].Field != "" {
		t.Fatalf("expected one multi-field set, got %+v", out)
	}
	payload, ok := out[0].Value.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", out[0].Value)
	}
	if payload["name"] != "a" || payload["color"] != "red" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestCoalesce_SameFieldSetsCollapseToLatest(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "name", Value: "a"},
		{ID: 2, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "name", Value: "b"},
	}
	out := Coalesce(items)
	if len(out) != 1 || out[0].Value != "b" {
		t.Fatalf("expected latest value b, got %+v", out)
	}
}

func TestCoalesce_IsIdempotent(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "name", Value: "a"},
		{ID: 2, Table: "widgets", EntityID: "x", Operation: OpSet, Field: "color", Value: "red"},
		{ID: 3, Table: "counters", EntityID: "g1", Operation: OpIncrement, Field: "v", Value: 3.0},
	}
	once := Coalesce(items)
	twice := Coalesce(once)
	if len(once) != len(twice) {
		t.Fatalf("coalesce not idempotent: %+v vs %+v", once, twice)
	}
	for i := range once {
		if once[i].Operation != twice[i].Operation || once[i].Field != twice[i].Field {
			t.Errorf("coalesce not idempotent at %d: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestCoalesce_SeparateTablesFormSeparateGroups(t *testing.T) {
	items := []Item{
		{ID: 1, Table: "a", EntityID: "1", Operation: OpSet, Field: "f", Value: 1},
		{ID: 2, Table: "b", EntityID: "1", Operation: OpSet, Field: "f", Value: 2},
	}
	out := Coalesce(items)
	if len(out) != 2 {
		t.Fatalf("expected two independent groups, got %+v", out)
	}
}
