package route

import (
	"math"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
)

// CandidatePolicy decides whether two activities are plausibly the same route
// before any expensive alignment is attempted.
type CandidatePolicy struct {
	MinOverlapRatio   float64 `yaml:"minOverlapRatio" json:"minOverlapRatio"`     // of the smaller box
	DistanceTolerance float64 `yaml:"distanceTolerance" json:"distanceTolerance"` // relative, 0.5 = 50%
	BoundsPadding     float64 `yaml:"boundsPadding" json:"boundsPadding"`         // meters added to each box
}

// DefaultCandidatePolicy returns the standard pre-filter thresholds.
func DefaultCandidatePolicy() CandidatePolicy {
	return CandidatePolicy{
		MinOverlapRatio:   0.3,
		DistanceTolerance: 0.5,
		BoundsPadding:     25,
	}
}

// Accept reports whether a and b pass the pre-filter. Activity types must
// match when both are known; unknown distances are accepted.
func (p CandidatePolicy) Accept(a, b BoundsEntry) bool {
	if a.ActivityType != "" && b.ActivityType != "" && a.ActivityType != b.ActivityType {
		return false
	}
	if a.Bounds.OverlapRatio(b.Bounds, p.BoundsPadding) < p.MinOverlapRatio {
		return false
	}
	return distancesCompatible(a.Distance, b.Distance, p.DistanceTolerance)
}

func distancesCompatible(a, b, tolerance float64) bool {
	if a <= 0 || b <= 0 {
		return true
	}
	return math.Abs(a-b)/math.Max(a, b) <= tolerance
}

// SpatialIndex is an R-tree over activity bounding boxes. It is built in bulk
// from cached metadata and may be rebuilt whenever the candidate set changes.
type SpatialIndex struct {
	mu      sync.RWMutex
	tree    *rtreego.Rtree
	entries map[string]BoundsEntry
	padding float64
	ready   bool
}

// indexItem adapts a BoundsEntry to rtreego.Spatial.
type indexItem struct {
	id   string
	rect rtreego.Rect
}

func (it indexItem) Bounds() rtreego.Rect {
	return it.rect
}

// NewSpatialIndex returns an empty index that is not ready until Build runs.
func NewSpatialIndex() *SpatialIndex {
	return &SpatialIndex{entries: make(map[string]BoundsEntry)}
}

// Build replaces the index contents. Boxes are padded by policy.BoundsPadding
// so that lookups cover every pair the policy could accept.
func (si *SpatialIndex) Build(entries []BoundsEntry, policy CandidatePolicy) {
	items := make([]rtreego.Spatial, 0, len(entries))
	byID := make(map[string]BoundsEntry, len(entries))
	for _, e := range entries {
		if e.Bounds.IsZero() {
			continue
		}
		rect, err := toRect(e.Bounds.Pad(policy.BoundsPadding))
		if err != nil {
			continue
		}
		byID[e.ID] = e
		items = append(items, indexItem{id: e.ID, rect: rect})
	}

	var tree *rtreego.Rtree
	if len(items) > 0 {
		tree = rtreego.NewTree(2, 25, 50, items...)
	}

	si.mu.Lock()
	defer si.mu.Unlock()
	si.tree = tree
	si.entries = byID
	si.padding = policy.BoundsPadding
	si.ready = true
}

// Ready reports whether Build has completed at least once.
func (si *SpatialIndex) Ready() bool {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.ready
}

// Len returns the number of indexed entries.
func (si *SpatialIndex) Len() int {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return len(si.entries)
}

// Reset drops the index contents and clears the ready flag.
func (si *SpatialIndex) Reset() {
	si.mu.Lock()
	defer si.mu.Unlock()
	si.tree = nil
	si.entries = make(map[string]BoundsEntry)
	si.ready = false
}

// Query returns the ids of indexed boxes intersecting b (padded by the build
// padding), sorted.
func (si *SpatialIndex) Query(b Bounds) []string {
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.queryLocked(b)
}

func (si *SpatialIndex) queryLocked(b Bounds) []string {
	if si.tree == nil || b.IsZero() {
		return nil
	}
	// rtreego treats touching rectangles as disjoint while Bounds.Intersects
	// counts shared edges, so the query reaches slightly past the box.
	q := b.Pad(si.padding)
	q.MinLat -= minExtent
	q.MinLng -= minExtent
	q.MaxLat += minExtent
	q.MaxLng += minExtent
	rect, err := toRect(q)
	if err != nil {
		return nil
	}
	hits := si.tree.SearchIntersect(rect)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.(indexItem).id)
	}
	sort.Strings(ids)
	return ids
}

// Candidates returns the sorted ids the policy accepts as counterparts of
// entry, excluding entry itself.
func (si *SpatialIndex) Candidates(entry BoundsEntry, policy CandidatePolicy) []string {
	si.mu.RLock()
	defer si.mu.RUnlock()

	var out []string
	for _, id := range si.queryLocked(entry.Bounds) {
		if id == entry.ID {
			continue
		}
		if policy.Accept(entry, si.entries[id]) {
			out = append(out, id)
		}
	}
	return out
}

// BruteForceCandidates is the O(n) scan equivalent of SpatialIndex.Candidates.
func BruteForceCandidates(entry BoundsEntry, entries []BoundsEntry, policy CandidatePolicy) []string {
	var out []string
	for _, e := range entries {
		if e.ID == entry.ID || e.Bounds.IsZero() || entry.Bounds.IsZero() {
			continue
		}
		if policy.Accept(entry, e) {
			out = append(out, e.ID)
		}
	}
	sort.Strings(out)
	return out
}

// FindCandidates uses the index when it is ready and falls back to the brute
// force scan otherwise. Both paths return the same set.
func FindCandidates(si *SpatialIndex, entry BoundsEntry, entries []BoundsEntry, policy CandidatePolicy) []string {
	if si != nil && si.Ready() {
		return si.Candidates(entry, policy)
	}
	return BruteForceCandidates(entry, entries, policy)
}

// minExtent is the smallest rectangle side, in degrees, handed to rtreego.
const minExtent = 1e-9

// toRect converts bounds to an rtreego rectangle in (lng, lat) space. Zero
// extents are widened slightly because rtreego rejects empty rectangles.
func toRect(b Bounds) (rtreego.Rect, error) {
	width := math.Max(b.MaxLng-b.MinLng, minExtent)
	height := math.Max(b.MaxLat-b.MinLat, minExtent)
	return rtreego.NewRect(rtreego.Point{b.MinLng, b.MinLat}, []float64{width, height})
}
