package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/routemesh/route"
)

func record(id string, start time.Time, distance float64) BoundsRecord {
	return BoundsRecord{
		ActivityMeta: route.ActivityMeta{
			ID:        id,
			Type:      "Run",
			Name:      "Morning run " + id,
			StartDate: start,
			Distance:  distance,
			Duration:  distance / 3,
			HasGPS:    true,
		},
		Bounds: route.Bounds{MinLat: 47, MaxLat: 47.01, MinLng: 8, MaxLng: 8.02},
	}
}

func TestBoundsStore_UpsertGetList(t *testing.T) {
	s := setupTestDB(t).Stores().Bounds
	day := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)

	require.NoError(t, s.Upsert([]BoundsRecord{
		record("b", day.Add(24*time.Hour), 5000),
		record("a", day, 4000),
	}))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, record("a", day, 4000), *got)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID, "ordered by start date")

	// Upsert replaces existing rows.
	updated := record("a", day, 4200)
	updated.HasGPS = false
	require.NoError(t, s.Upsert([]BoundsRecord{updated}))
	got, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 4200.0, got.Distance)
	assert.False(t, got.HasGPS)

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBoundsStore_Entries(t *testing.T) {
	s := setupTestDB(t).Stores().Bounds
	r := record("a", time.Unix(1700000000, 0).UTC(), 4000)
	require.NoError(t, s.Upsert([]BoundsRecord{r}))

	entries, err := s.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, route.BoundsEntry{ID: "a", Bounds: r.Bounds, ActivityType: "Run", Distance: 4000}, entries[0])
}

func TestBoundsStore_MergeTracksSyncWindow(t *testing.T) {
	s := setupTestDB(t).Stores().Bounds
	state, err := s.SyncState()
	require.NoError(t, err)
	assert.Equal(t, SyncState{}, state)

	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	synced := time.Date(2024, 3, 11, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Merge([]BoundsRecord{record("a", mar, 1), record("b", jan, 1)}, synced))

	state, err = s.SyncState()
	require.NoError(t, err)
	assert.Equal(t, jan, state.OldestSynced)
	assert.Equal(t, mar, state.NewestSynced)
	assert.Equal(t, synced, state.LastSync)

	// A later sync only widens the window.
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	later := synced.Add(time.Hour)
	require.NoError(t, s.Merge([]BoundsRecord{record("c", feb, 1)}, later))
	state, err = s.SyncState()
	require.NoError(t, err)
	assert.Equal(t, jan, state.OldestSynced)
	assert.Equal(t, mar, state.NewestSynced)
	assert.Equal(t, later, state.LastSync)

	require.NoError(t, s.Clear())
	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}
