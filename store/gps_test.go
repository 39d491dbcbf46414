package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/routemesh/route"
)

func TestGPSStore_RoundTrip(t *testing.T) {
	s := setupTestDB(t).Stores().GPS
	points := []route.RoutePoint{{Lat: 47.1, Lng: 8.2}, {Lat: 47.2, Lng: 8.3}, {Lat: 47.3, Lng: 8.4}}

	require.NoError(t, s.Save("run/42", points))
	got, err := s.Load("run/42")
	require.NoError(t, err)
	assert.Equal(t, points, got)

	has, err := s.Has("run/42")
	require.NoError(t, err)
	assert.True(t, has)

	// Overwrite.
	require.NoError(t, s.Save("run/42", points[:2]))
	got, err = s.Load("run/42")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGPSStore_IndexAndDelete(t *testing.T) {
	s := setupTestDB(t).Stores().GPS
	pts := []route.RoutePoint{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}}
	for _, id := range []string{"c", "a", "a_b", "a/b"} {
		require.NoError(t, s.Save(id, pts))
	}

	ids, err := s.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a/b", "a_b", "c"}, ids)

	require.NoError(t, s.Delete("a/b"))
	has, err := s.Has("a/b")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = s.Has("a_b")
	require.NoError(t, err)
	assert.True(t, has, "similar ids must not collide")

	require.NoError(t, s.Delete("never-stored"))

	_, err = s.Load("a/b")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Clear())
	ids, err = s.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
