package model

import (
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/carelog/internal/common"
)

// SnapshotFormatVersion is written into every exported snapshot. Parsers
// reject anything newer than they understand.
const SnapshotFormatVersion = 1

// Snapshot is a full export of one profile plus its event history. The same
// shape backs the JSON file export and the peer-to-peer full-sync message.
type Snapshot struct {
	FormatVersion int         `json:"format_version"`
	Profile       CareProfile `json:"profile"`
	Events        []CareEvent `json:"events"`
}

// ExportSnapshot serializes a profile and its events.
func ExportSnapshot(p CareProfile, events []CareEvent) ([]byte, error) {
	snap := Snapshot{
		FormatVersion: SnapshotFormatVersion,
		Profile:       p.Normalized(),
		Events:        make([]CareEvent, 0, len(events)),
	}
	for _, e := range events {
		snap.Events = append(snap.Events, e.Normalized())
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// ParseSnapshot decodes and validates an exported snapshot.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: malformed snapshot: %v", common.ErrValidation, err)
	}
	if snap.FormatVersion > SnapshotFormatVersion {
		return nil, fmt.Errorf("%w: snapshot format %d is newer than supported %d",
			common.ErrValidation, snap.FormatVersion, SnapshotFormatVersion)
	}
	if snap.Profile.ID == "" {
		return nil, fmt.Errorf("%w: snapshot has no profile identifier", common.ErrValidation)
	}
	for i := range snap.Events {
		snap.Events[i] = snap.Events[i].Normalized()
	}
	return &snap, nil
}
