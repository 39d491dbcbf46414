package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kwv/routemesh/route"
)

// BoundsRecord is one row of the bounds cache: activity metadata plus its
// bounding box.
type BoundsRecord struct {
	route.ActivityMeta
	Bounds route.Bounds `json:"bounds"`
}

// Entry returns the spatial pre-filter view of the record.
func (r BoundsRecord) Entry() route.BoundsEntry {
	return route.BoundsEntry{
		ID:           r.ID,
		Bounds:       r.Bounds,
		ActivityType: r.Type,
		Distance:     r.Distance,
	}
}

// SyncState is the sync bookkeeping kept next to the bounds cache.
type SyncState struct {
	OldestSynced time.Time `json:"oldestSynced"`
	NewestSynced time.Time `json:"newestSynced"`
	LastSync     time.Time `json:"lastSync"`
}

// BoundsStore persists per-activity metadata and bounding boxes.
type BoundsStore struct {
	db *sql.DB
}

// NewBoundsStore creates a BoundsStore on db.
func NewBoundsStore(db *sql.DB) *BoundsStore {
	return &BoundsStore{db: db}
}

// Upsert inserts or replaces the given records in one transaction.
func (s *BoundsStore) Upsert(records []BoundsRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().Unix()
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin bounds upsert: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO activity_bounds (
				id, min_lat, max_lat, min_lng, max_lng,
				activity_type, name, start_date, distance, duration, has_gps, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				min_lat = excluded.min_lat, max_lat = excluded.max_lat,
				min_lng = excluded.min_lng, max_lng = excluded.max_lng,
				activity_type = excluded.activity_type, name = excluded.name,
				start_date = excluded.start_date, distance = excluded.distance,
				duration = excluded.duration, has_gps = excluded.has_gps,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("prepare bounds upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			b := r.Bounds
			if _, err := stmt.Exec(
				r.ID, b.MinLat, b.MaxLat, b.MinLng, b.MaxLng,
				r.Type, r.Name, unixOrZero(r.StartDate), r.Distance, r.Duration, r.HasGPS, now,
			); err != nil {
				return fmt.Errorf("upsert bounds %s: %w", r.ID, err)
			}
		}
		return tx.Commit()
	})
}

// Merge upserts newly synced records and widens the sync window to cover
// their start dates.
func (s *BoundsStore) Merge(records []BoundsRecord, syncedAt time.Time) error {
	if err := s.Upsert(records); err != nil {
		return err
	}
	state, err := s.SyncState()
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.StartDate.IsZero() {
			continue
		}
		if state.OldestSynced.IsZero() || r.StartDate.Before(state.OldestSynced) {
			state.OldestSynced = r.StartDate
		}
		if r.StartDate.After(state.NewestSynced) {
			state.NewestSynced = r.StartDate
		}
	}
	state.LastSync = syncedAt
	return s.SaveSyncState(state)
}

const boundsColumns = `id, min_lat, max_lat, min_lng, max_lng,
	activity_type, name, start_date, distance, duration, has_gps`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBounds(row rowScanner) (BoundsRecord, error) {
	var (
		r     BoundsRecord
		start int64
	)
	err := row.Scan(&r.ID, &r.Bounds.MinLat, &r.Bounds.MaxLat, &r.Bounds.MinLng, &r.Bounds.MaxLng,
		&r.Type, &r.Name, &start, &r.Distance, &r.Duration, &r.HasGPS)
	r.StartDate = timeOrZero(start)
	return r, err
}

// Get returns the record for id or ErrNotFound.
func (s *BoundsStore) Get(id string) (*BoundsRecord, error) {
	row := s.db.QueryRow(`SELECT `+boundsColumns+` FROM activity_bounds WHERE id = ?`, id)
	r, err := scanBounds(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bounds %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan bounds %s: %w", id, err)
	}
	return &r, nil
}

// List returns every record ordered by start date then id.
func (s *BoundsStore) List() ([]BoundsRecord, error) {
	rows, err := s.db.Query(`SELECT ` + boundsColumns + ` FROM activity_bounds ORDER BY start_date, id`)
	if err != nil {
		return nil, fmt.Errorf("query bounds: %w", err)
	}
	defer rows.Close()

	var out []BoundsRecord
	for rows.Next() {
		r, err := scanBounds(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bounds: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Entries returns the pre-filter view of every record.
func (s *BoundsStore) Entries() ([]route.BoundsEntry, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	entries := make([]route.BoundsEntry, len(records))
	for i, r := range records {
		entries[i] = r.Entry()
	}
	return entries, nil
}

// Count returns the number of stored records.
func (s *BoundsStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM activity_bounds`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count bounds: %w", err)
	}
	return n, nil
}

// SyncState returns the stored sync bookkeeping; the zero value when none.
func (s *BoundsStore) SyncState() (SyncState, error) {
	var oldest, newest, last int64
	err := s.db.QueryRow(`SELECT oldest_synced, newest_synced, last_sync FROM sync_state WHERE id = 1`).
		Scan(&oldest, &newest, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncState{}, nil
	}
	if err != nil {
		return SyncState{}, fmt.Errorf("query sync state: %w", err)
	}
	return SyncState{
		OldestSynced: timeOrZero(oldest),
		NewestSynced: timeOrZero(newest),
		LastSync:     timeOrZero(last),
	}, nil
}

// SaveSyncState replaces the sync bookkeeping.
func (s *BoundsStore) SaveSyncState(state SyncState) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO sync_state (id, oldest_synced, newest_synced, last_sync) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				oldest_synced = excluded.oldest_synced,
				newest_synced = excluded.newest_synced,
				last_sync = excluded.last_sync`,
			unixOrZero(state.OldestSynced), unixOrZero(state.NewestSynced), unixOrZero(state.LastSync))
		if err != nil {
			return fmt.Errorf("save sync state: %w", err)
		}
		return nil
	})
}

// Clear removes all records and the sync state.
func (s *BoundsStore) Clear() error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM activity_bounds; DELETE FROM sync_state;`)
		return err
	})
}
