// Package resolver picks a winner between two versions of the same event.
// It is a pure function so two devices resolve identically without
// coordination, which is what makes merge convergence hold.
package resolver

import "github.com/dmitrijs2005/carelog/internal/model"

// Winner identifies which input won the resolution.
type Winner int

const (
	WinnerLocal Winner = iota
	WinnerRemote
)

// Resolve decides between a local and a remote version of one event:
//
//  1. the strictly newer UpdatedAt wins;
//  2. on an exact tie, the later end date wins (a deterministic tie-break
//     so detached devices converge);
//  3. if still equal, remote wins, favoring the server-confirmed state.
//
// The end-date tie-break mirrors the historical behavior; a monotonic
// revision counter would be more robust, but changing it alters which edits
// survive and needs a product decision first.
func Resolve(local, remote model.CareEvent) Winner {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return WinnerRemote
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return WinnerLocal
	}

	switch {
	case remote.EndedAt != nil && local.EndedAt == nil:
		return WinnerRemote
	case local.EndedAt != nil && remote.EndedAt == nil:
		return WinnerLocal
	case local.EndedAt != nil && remote.EndedAt != nil:
		if remote.EndedAt.After(*local.EndedAt) {
			return WinnerRemote
		}
		if local.EndedAt.After(*remote.EndedAt) {
			return WinnerLocal
		}
	}

	return WinnerRemote
}

// Pick returns the winning event value.
func Pick(local, remote model.CareEvent) model.CareEvent {
	if Resolve(local, remote) == WinnerRemote {
		return remote
	}
	return local
}
