package model

import "sort"

// ActionState is the derived projection over one profile's events: at most
// one active action per category, plus a resolved history sorted newest
// first. It is recomputed on demand and is never a source of truth.
type ActionState struct {
	Active  map[Category]CareEvent
	History []CareEvent
}

// BuildActionState classifies a raw event collection.
//
// Rules:
//   - duplicates by identifier are dropped, first occurrence wins;
//   - events with a nil end date on a non-instant category are active,
//     keeping only the most recently started one per category;
//   - everything else goes to history, sorted descending by start date.
func BuildActionState(events []CareEvent) ActionState {
	state := ActionState{Active: make(map[Category]CareEvent)}

	seen := make(map[string]struct{}, len(events))
	for _, raw := range events {
		if _, dup := seen[raw.ID]; dup {
			continue
		}
		seen[raw.ID] = struct{}{}

		e := raw.Normalized()
		if e.Active() {
			if cur, ok := state.Active[e.Category]; !ok || e.StartedAt.After(cur.StartedAt) {
				state.Active[e.Category] = e
			}
			continue
		}
		state.History = append(state.History, e)
	}

	sort.SliceStable(state.History, func(i, j int) bool {
		return state.History[i].StartedAt.After(state.History[j].StartedAt)
	})

	return state
}
