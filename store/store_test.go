package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/routemesh/route"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	orig := Logf
	Logf = func(string, ...interface{}) {}
	t.Cleanup(func() { Logf = orig })

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_AppliesMigrations(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, db.MigrateUp())

	for _, table := range []string{"activity_bounds", "sync_state", "gps_tracks", "route_cache", "pipeline_checkpoint"} {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s", table)
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.Stores().GPS.Save("a", []route.RoutePoint{{Lat: 1, Lng: 2}, {Lat: 3, Lng: 4}}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	has, err := db.Stores().GPS.Has("a")
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, path, db.Path())
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"12345", "12345"},
		{"abc-DEF", "abc-DEF"},
		{"a/b", "a_2fb"},
		{"a_b", "a_5fb"},
		{"../etc", "_2e_2e_2fetc"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeKey(tt.in), "SanitizeKey(%q)", tt.in)
	}
	assert.NotEqual(t, SanitizeKey("a/b"), SanitizeKey("a_2fb"))
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(errors.New("no such table")))

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestTimeConversion(t *testing.T) {
	assert.Equal(t, int64(0), unixOrZero(time.Time{}))
	assert.True(t, timeOrZero(0).IsZero())
	ts := time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)
	assert.Equal(t, ts, timeOrZero(unixOrZero(ts)))
}
