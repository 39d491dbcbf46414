package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kwv/routemesh/route"
)

// GPSStore holds one raw trace blob per activity, kept out of the metadata
// and match caches so those stay small.
type GPSStore struct {
	db *sql.DB
}

// NewGPSStore creates a GPSStore on db.
func NewGPSStore(db *sql.DB) *GPSStore {
	return &GPSStore{db: db}
}

// SanitizeKey maps an activity id to a storage key made of letters, digits
// and '-'. Other bytes, '_' included, are escaped as _XX so distinct ids
// never share a key.
func SanitizeKey(id string) string {
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}

// Save stores the raw [lat, lng] pairs for id, replacing any previous blob.
func (s *GPSStore) Save(id string, points []route.RoutePoint) error {
	payload, err := json.Marshal(route.PairsFromPoints(points))
	if err != nil {
		return fmt.Errorf("encode track %s: %w", id, err)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO gps_tracks (track_key, activity_id, point_count, points, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(track_key) DO UPDATE SET
				point_count = excluded.point_count,
				points = excluded.points,
				updated_at = excluded.updated_at`,
			SanitizeKey(id), id, len(points), payload, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("save track %s: %w", id, err)
		}
		return nil
	})
}

// Load returns the stored points for id or ErrNotFound.
func (s *GPSStore) Load(id string) ([]route.RoutePoint, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT points FROM gps_tracks WHERE track_key = ?`, SanitizeKey(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("track %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load track %s: %w", id, err)
	}
	var pairs [][2]float64
	if err := json.Unmarshal(payload, &pairs); err != nil {
		return nil, fmt.Errorf("decode track %s: %w", id, err)
	}
	return route.PointsFromPairs(pairs), nil
}

// Has reports whether a track is stored for id.
func (s *GPSStore) Has(id string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM gps_tracks WHERE track_key = ?`, SanitizeKey(id)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check track %s: %w", id, err)
	}
	return n > 0, nil
}

// IDs returns the activity ids with a stored track, sorted.
func (s *GPSStore) IDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT activity_id FROM gps_tracks ORDER BY activity_id`)
	if err != nil {
		return nil, fmt.Errorf("query track index: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan track index: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the track for id. Deleting a missing track is not an error.
func (s *GPSStore) Delete(id string) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM gps_tracks WHERE track_key = ?`, SanitizeKey(id))
		return err
	})
}

// Clear removes every stored track.
func (s *GPSStore) Clear() error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM gps_tracks`)
		return err
	})
}
