package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kwv/routemesh/route"
)

// MatchCacheStore persists the ProcessingCache as a single versioned row.
// Point arrays are stripped on save; callers restore them from the GPS store.
type MatchCacheStore struct {
	db *sql.DB
}

// NewMatchCacheStore creates a MatchCacheStore on db.
func NewMatchCacheStore(db *sql.DB) *MatchCacheStore {
	return &MatchCacheStore{db: db}
}

// Save replaces the stored cache with a point-stripped copy of c.
func (s *MatchCacheStore) Save(c *route.ProcessingCache) error {
	stripped := c.StripPoints()
	stripped.Version = route.CurrentCacheVersion
	payload, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("encode route cache: %w", err)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO route_cache (id, version, payload, updated_at) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				version = excluded.version,
				payload = excluded.payload,
				updated_at = excluded.updated_at`,
			route.CurrentCacheVersion, payload, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("save route cache: %w", err)
		}
		return nil
	})
}

// Load returns the stored cache. A missing row, a version mismatch, an
// undecodable payload or a cache failing its invariants all yield a fresh
// empty cache; only database errors are returned.
func (s *MatchCacheStore) Load() (*route.ProcessingCache, error) {
	var (
		version int
		payload []byte
	)
	err := s.db.QueryRow(`SELECT version, payload FROM route_cache WHERE id = 1`).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return route.NewProcessingCache(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load route cache: %w", err)
	}
	if version != route.CurrentCacheVersion {
		Logf("[STORE] route cache version %d != %d, starting empty", version, route.CurrentCacheVersion)
		return route.NewProcessingCache(), nil
	}

	var c route.ProcessingCache
	if err := json.Unmarshal(payload, &c); err != nil {
		Logf("[STORE] route cache payload unreadable (%v), starting empty", err)
		return route.NewProcessingCache(), nil
	}
	if c.Version != route.CurrentCacheVersion {
		Logf("[STORE] route cache payload version %d != %d, starting empty", c.Version, route.CurrentCacheVersion)
		return route.NewProcessingCache(), nil
	}
	c.Normalize()
	if err := c.CheckInvariants(); err != nil {
		Logf("[STORE] route cache inconsistent (%v), starting empty", err)
		return route.NewProcessingCache(), nil
	}
	return &c, nil
}

// Clear deletes the stored cache.
func (s *MatchCacheStore) Clear() error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM route_cache`)
		return err
	})
}
