package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ShareMetadata is the locally cached description of a profile's share:
// enough to resolve the share without a remote round-trip. It exists only
// for profiles that have been shared and is evicted when sharing stops.
type ShareMetadata struct {
	ProfileID  string `json:"profile_id"`
	ZoneID     string `json:"zone_id"`
	RootRecord string `json:"root_record"`
	ShareID    string `json:"share_id"`
	Shared     bool   `json:"shared"`
}

func shareMetaKey(profileID string) string { return shareMetaPrefix + profileID }

// ShareMetadata returns the cached share metadata for a profile, or nil if
// none is cached.
func (s *Store) ShareMetadata(ctx context.Context, profileID string) (*ShareMetadata, error) {
	v, err := s.kv.Get(ctx, shareMetaKey(profileID))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}

	var meta ShareMetadata
	if err := json.Unmarshal(v, &meta); err != nil {
		return nil, fmt.Errorf("decode share metadata for %s: %w", profileID, err)
	}
	return &meta, nil
}

// SetShareMetadata caches share metadata for a profile.
func (s *Store) SetShareMetadata(ctx context.Context, meta ShareMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode share metadata for %s: %w", meta.ProfileID, err)
	}
	return s.kv.Set(ctx, shareMetaKey(meta.ProfileID), data)
}

// DeleteShareMetadata evicts a profile's cached share metadata.
func (s *Store) DeleteShareMetadata(ctx context.Context, profileID string) error {
	return s.kv.Delete(ctx, shareMetaKey(profileID))
}

// AllShareMetadata lists every cached share, keyed by profile identifier.
func (s *Store) AllShareMetadata(ctx context.Context) (map[string]ShareMetadata, error) {
	raw, err := s.kv.ListPrefix(ctx, shareMetaPrefix)
	if err != nil {
		return nil, err
	}

	result := make(map[string]ShareMetadata, len(raw))
	for key, v := range raw {
		var meta ShareMetadata
		if err := json.Unmarshal(v, &meta); err != nil {
			return nil, fmt.Errorf("decode share metadata at %s: %w", key, err)
		}
		result[strings.TrimPrefix(key, shareMetaPrefix)] = meta
	}
	return result, nil
}
