package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kwv/routemesh/route"
)

// Checkpoint records the pending work of an interrupted pipeline run.
type Checkpoint struct {
	RunID      string                        `json:"runId"`
	Generation int                           `json:"generation"`
	PendingIDs []string                      `json:"pendingIds"`
	Metadata   map[string]route.ActivityMeta `json:"metadata"`
	CreatedAt  time.Time                     `json:"createdAt"`
}

// CheckpointStore persists at most one Checkpoint.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a CheckpointStore on db.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Save replaces the stored checkpoint.
func (s *CheckpointStore) Save(cp *Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO pipeline_checkpoint (id, run_id, generation, payload, created_at) VALUES (1, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				run_id = excluded.run_id,
				generation = excluded.generation,
				payload = excluded.payload,
				created_at = excluded.created_at`,
			cp.RunID, cp.Generation, payload, cp.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
}

// Load returns the stored checkpoint or ErrNotFound. An undecodable
// checkpoint is cleared and reported as ErrNotFound.
func (s *CheckpointStore) Load() (*Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM pipeline_checkpoint WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		Logf("[STORE] checkpoint unreadable (%v), discarding", err)
		if cerr := s.Clear(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("checkpoint: %w", ErrNotFound)
	}
	if cp.Metadata == nil {
		cp.Metadata = make(map[string]route.ActivityMeta)
	}
	return &cp, nil
}

// Clear deletes the stored checkpoint.
func (s *CheckpointStore) Clear() error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM pipeline_checkpoint`)
		return err
	})
}
