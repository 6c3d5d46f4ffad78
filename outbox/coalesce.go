package outbox

import "sort"

// Coalesce reduces the full pending set into one coalesced Item per
// (Table, EntityID) group, applying spec.md §4.4's four rules in order.
// The result is deterministic given each group's total enqueue-id order,
// and idempotent: Coalesce(Coalesce(x)) == Coalesce(x).
func Coalesce(items []Item) []Item {
	groups := make(map[string][]Item)
	var order []string
	for _, it := range items {
		key := it.Table + "\x00" + it.EntityID
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}

	var out []Item
	for _, key := range order {
		group := groups[key]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		if merged, ok := coalesceGroup(group); ok {
			out = append(out, merged)
		}
	}
	return out
}

// coalesceGroup applies the four coalescing rules to one (table, id)
// group, already sorted by enqueue id ascending. Returns (Item{}, false)
// when the group annihilates to nothing.
func coalesceGroup(group []Item) (Item, bool) {
	table, entityID := group[0].Table, group[0].EntityID

	hasCreate := false
	hasDelete := false
	for _, it := range group {
		switch it.Operation {
		case OpCreate:
			hasCreate = true
		case OpDelete:
			hasDelete = true
		}
	}

	// Rule 1: create+delete annihilate.
	if hasCreate && hasDelete {
		return Item{}, false
	}

	// Rule 2: any delete (without an offsetting create) becomes a single
	// delete, carrying the id and enqueue time of the group's last item.
	if hasDelete {
		last := group[len(group)-1]
		return Item{
			ID:         last.ID,
			Table:      table,
			EntityID:   entityID,
			Operation:  OpDelete,
			EnqueuedAt: last.EnqueuedAt,
		}, true
	}

	// Rule 3: a create absorbs every subsequent set (LWW per field) and
	// increment (folded additively into the payload).
	if hasCreate {
		payload := map[string]any{}
		var createItem Item
		for _, it := range group {
			switch it.Operation {
			case OpCreate:
				createItem = it
				if m, ok := it.Value.(map[string]any); ok {
					for k, v := range m {
						payload[k] = v
					}
				}
			case OpSet:
				applySet(payload, it)
			case OpIncrement:
				applyIncrement(payload, it)
			}
		}
		return Item{
			ID:         createItem.ID,
			Table:      table,
			EntityID:   entityID,
			Operation:  OpCreate,
			Value:      payload,
			EnqueuedAt: createItem.EnqueuedAt,
		}, true
	}

	// Rule 4: no create, no delete — increments sum per field, sets
	// collapse to latest value per field, disjoint sets combine into one
	// multi-field set. A field touched only by increments (never an
	// absolute Set within this group) carries a pure delta sum, which has
	// no absolute meaning until added to the entity's current stored
	// value — DeltaFields marks those so the pusher can apply them
	// against a freshly read snapshot instead of upserting the sum
	// as-is (spec.md §8 invariant 2: additive for increment).
	payload := map[string]any{}
	everSet := map[string]bool{}
	var lastID int64
	var lastTime = group[0].EnqueuedAt
	for _, it := range group {
		switch it.Operation {
		case OpSet:
			applySet(payload, it)
			// Fields an already-coalesced item marks as delta sums stay
			// deltas, so re-coalescing keeps its DeltaFields.
			isDelta := map[string]bool{}
			for _, f := range it.DeltaFields {
				isDelta[f] = true
			}
			if it.Field != "" {
				if !isDelta[it.Field] {
					everSet[it.Field] = true
				}
			} else if m, ok := it.Value.(map[string]any); ok {
				for k := range m {
					if !isDelta[k] {
						everSet[k] = true
					}
				}
			}
		case OpIncrement:
			applyIncrement(payload, it)
		}
		if it.ID > lastID {
			lastID = it.ID
			lastTime = it.EnqueuedAt
		}
	}
	if len(payload) == 0 {
		return Item{}, false
	}
	var deltaFields []string
	for field := range payload {
		if !everSet[field] {
			deltaFields = append(deltaFields, field)
		}
	}
	sort.Strings(deltaFields)
	if len(payload) == 1 {
		for field, value := range payload {
			return Item{
				ID:          lastID,
				Table:       table,
				EntityID:    entityID,
				Operation:   OpSet,
				Field:       field,
				Value:       value,
				DeltaFields: deltaFields,
				EnqueuedAt:  lastTime,
			}, true
		}
	}
	return Item{
		ID:          lastID,
		Table:       table,
		EntityID:    entityID,
		Operation:   OpSet,
		Value:       payload,
		DeltaFields: deltaFields,
		EnqueuedAt:  lastTime,
	}, true
}

// applySet folds a single-field or multi-field Set into payload, last
// value wins per field.
func applySet(payload map[string]any, it Item) {
	if it.Field != "" {
		payload[it.Field] = it.Value
		return
	}
	if m, ok := it.Value.(map[string]any); ok {
		for k, v := range m {
			payload[k] = v
		}
	}
}

// applyIncrement folds a numeric delta into payload, summing against
// whatever is already staged for that field (defaulting to 0).
func applyIncrement(payload map[string]any, it Item) {
	if it.Field == "" {
		return
	}
	delta := toFloat(it.Value)
	current := toFloat(payload[it.Field])
	payload[it.Field] = current + delta
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
