package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/kwv/routemesh/route"
	"github.com/kwv/routemesh/store"
)

const metersPerDegree = orb.EarthRadius * math.Pi / 180

var origin = route.RoutePoint{Lat: 47.0, Lng: 8.0}

func at(east, north float64) route.RoutePoint {
	lat := origin.Lat + north/metersPerDegree
	lng := origin.Lng + east/(metersPerDegree*math.Cos(origin.Lat*math.Pi/180))
	return route.RoutePoint{Lat: lat, Lng: lng}
}

// path walks through waypoints given in meters from origin every step meters.
func path(step float64, waypoints ...[2]float64) []route.RoutePoint {
	out := []route.RoutePoint{at(waypoints[0][0], waypoints[0][1])}
	for i := 1; i < len(waypoints); i++ {
		a, b := waypoints[i-1], waypoints[i]
		n := int(math.Ceil(math.Hypot(b[0]-a[0], b[1]-a[1]) / step))
		for k := 1; k <= n; k++ {
			t := float64(k) / float64(n)
			out = append(out, at(a[0]+(b[0]-a[0])*t, a[1]+(b[1]-a[1])*t))
		}
	}
	return out
}

// lRoute runs 2 km east then 2 km north, offset north by dy meters.
func lRoute(dy float64) []route.RoutePoint {
	return path(20, [2]float64{0, dy}, [2]float64{2000, dy}, [2]float64{2000, 2000 + dy})
}

// loopRoute is an 800 m square 20 km east of origin, offset north by dy.
func loopRoute(dy float64) []route.RoutePoint {
	const e = 20000
	return path(20,
		[2]float64{e, dy}, [2]float64{e + 800, dy}, [2]float64{e + 800, 800 + dy},
		[2]float64{e, 800 + dy}, [2]float64{e, dy})
}

// fixture is a set of activities with their traces and metadata.
type fixture struct {
	ids    []string
	traces map[string][]route.RoutePoint
	meta   map[string]route.ActivityMeta
	bounds []store.BoundsRecord
}

func (f *fixture) add(id string, pts []route.RoutePoint, day int) {
	f.addTyped(id, "Run", pts, day)
}

func (f *fixture) addTyped(id, typ string, pts []route.RoutePoint, day int) {
	f.ids = append(f.ids, id)
	f.traces[id] = pts
	dist := route.RouteLength(pts)
	m := route.ActivityMeta{
		ID:        id,
		Type:      typ,
		Name:      typ + " " + id,
		StartDate: time.Date(2024, 5, day, 7, 0, 0, 0, time.UTC),
		Distance:  dist,
		Duration:  dist / 3,
		HasGPS:    true,
	}
	f.meta[id] = m
	f.bounds = append(f.bounds, store.BoundsRecord{ActivityMeta: m, Bounds: route.BoundsOf(pts)})
}

// newFixture has two groups, a1..a3 (L route) and b1..b2 (loop), plus one
// activity far from everything else.
func newFixture() *fixture {
	f := &fixture{traces: map[string][]route.RoutePoint{}, meta: map[string]route.ActivityMeta{}}
	f.add("a1", lRoute(0), 1)
	f.add("a2", lRoute(3), 2)
	f.add("a3", lRoute(6), 3)
	f.add("b1", loopRoute(0), 4)
	f.add("b2", loopRoute(4), 5)
	lonely := lRoute(0)
	for i := range lonely {
		lonely[i].Lat += 9
	}
	f.add("lonely", lonely, 6)
	return f
}

var wantGroups = [][]string{{"a1", "a2", "a3"}, {"b1", "b2"}}

// fakeStreams serves fixture traces and records every request.
type fakeStreams struct {
	mu      sync.Mutex
	traces  map[string][]route.RoutePoint
	fail    map[string]bool
	calls   []string
	block   chan struct{}
	started chan struct{}
}

func newFakeStreams(traces map[string][]route.RoutePoint) *fakeStreams {
	return &fakeStreams{traces: traces, fail: map[string]bool{}}
}

// blockFirst makes the next request wait until the returned release is called.
func (f *fakeStreams) blockFirst() (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	f.started = make(chan struct{})
	block := f.block
	return f.started, func() { close(block) }
}

func (f *fakeStreams) GetActivityStreams(ctx context.Context, id string, keys []string) (*Streams, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	block, started := f.block, f.started
	f.block, f.started = nil, nil
	fail := f.fail[id]
	pts, ok := f.traces[id]
	f.mu.Unlock()

	if block != nil {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("upstream unavailable for %s", id)
	}
	if !ok {
		return nil, fmt.Errorf("activity %s not found", id)
	}
	return &Streams{LatLng: route.PairsFromPoints(pts)}, nil
}

func (f *fakeStreams) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

// fakeGeocoder names points north of 47.01 "Hilltop" and the rest "Riverside".
type fakeGeocoder struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (g *fakeGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	if lat > 47.01 {
		return "Hilltop", nil
	}
	return "Riverside", nil
}

func testConfig() *route.Config {
	cfg := route.DefaultConfig()
	cfg.Pipeline.BatchSize = 2
	cfg.Pipeline.FetchRatePerSecond = 0
	cfg.Pipeline.YieldMillis = 0
	cfg.Geocoder.RequestsPerSecond = 1000
	return cfg
}

func mute(t *testing.T) {
	t.Helper()
	origP, origS := Logf, store.Logf
	Logf = func(string, ...interface{}) {}
	store.Logf = func(string, ...interface{}) {}
	t.Cleanup(func() {
		Logf = origP
		store.Logf = origS
	})
}

func openDB(t *testing.T, path string) *store.DB {
	t.Helper()
	db, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type harness struct {
	db      *store.DB
	p       *Pipeline
	streams *fakeStreams
	geo     *fakeGeocoder
}

// newHarness creates a pipeline on a database at path, or a fresh temp
// database when path is empty.
func newHarness(t *testing.T, path string, f *fixture, geo *fakeGeocoder) *harness {
	t.Helper()
	mute(t)
	if path == "" {
		path = filepath.Join(t.TempDir(), "pipeline.db")
	}
	db := openDB(t, path)
	streams := newFakeStreams(f.traces)
	opts := Options{Config: testConfig(), Stores: db.Stores(), Streams: streams}
	if geo != nil {
		opts.Geocoder = geo
	}
	p, err := New(opts)
	require.NoError(t, err)
	return &harness{db: db, p: p, streams: streams, geo: geo}
}

func (h *harness) queue(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	if ids == nil {
		ids = f.ids
	}
	require.NoError(t, h.p.QueueActivities(context.Background(), ids, f.meta, f.bounds))
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.p.Wait(ctx))
}

// memberships returns the sorted member lists of the cache's groups.
func memberships(c *route.ProcessingCache) [][]string {
	var out [][]string
	for _, g := range c.Groups {
		out = append(out, append([]string(nil), g.ActivityIDs...))
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

var errGeocoder = errors.New("geocoder down")
