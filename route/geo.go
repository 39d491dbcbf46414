package route

import (
	"math"
	"sort"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"gonum.org/v1/gonum/stat"
)

const (
	// metersPerDegree is the length of one degree of latitude on the
	// spherical earth model used by the orb/geo haversine functions.
	metersPerDegree = orb.EarthRadius * math.Pi / 180

	// DefaultRegionLevel is the s2 cell level used for endpoint region
	// hashes. Level 14 cells have edges of roughly 500 m.
	DefaultRegionLevel = 14
)

// Bounds is an axis-aligned bounding box in degrees.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLng float64 `json:"minLng"`
	MaxLng float64 `json:"maxLng"`
}

// BoundsOf returns the bounding box of points. The zero Bounds is returned for
// an empty slice.
func BoundsOf(points []RoutePoint) Bounds {
	if len(points) == 0 {
		return Bounds{}
	}
	b := Bounds{
		MinLat: points[0].Lat, MaxLat: points[0].Lat,
		MinLng: points[0].Lng, MaxLng: points[0].Lng,
	}
	for _, p := range points[1:] {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	return b
}

// Orb converts the box to an orb.Bound.
func (b Bounds) Orb() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLng, b.MinLat},
		Max: orb.Point{b.MaxLng, b.MaxLat},
	}
}

// BoundsFromOrb converts an orb.Bound into Bounds.
func BoundsFromOrb(ob orb.Bound) Bounds {
	return Bounds{
		MinLat: ob.Min.Lat(), MaxLat: ob.Max.Lat(),
		MinLng: ob.Min.Lon(), MaxLng: ob.Max.Lon(),
	}
}

// IsZero reports whether the box was never set.
func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

// Pad grows the box by meters on every side.
func (b Bounds) Pad(meters float64) Bounds {
	if meters <= 0 {
		return b
	}
	return BoundsFromOrb(geo.BoundPad(b.Orb(), meters))
}

// Area returns the approximate surface area of the box in square meters.
func (b Bounds) Area() float64 {
	ob := b.Orb()
	return geo.BoundWidth(ob) * geo.BoundHeight(ob)
}

// Intersects reports whether the two boxes share any area or edge.
func (b Bounds) Intersects(o Bounds) bool {
	return b.Orb().Intersects(o.Orb())
}

// Intersection returns the overlapping box and whether one exists.
func (b Bounds) Intersection(o Bounds) (Bounds, bool) {
	if !b.Intersects(o) {
		return Bounds{}, false
	}
	return Bounds{
		MinLat: math.Max(b.MinLat, o.MinLat),
		MaxLat: math.Min(b.MaxLat, o.MaxLat),
		MinLng: math.Max(b.MinLng, o.MinLng),
		MaxLng: math.Min(b.MaxLng, o.MaxLng),
	}, true
}

// OverlapRatio returns the intersection area as a fraction of the smaller of
// the two boxes. Both boxes are padded by padMeters first so that straight
// north-south or east-west traces still have area.
func (b Bounds) OverlapRatio(o Bounds, padMeters float64) float64 {
	pb, po := b.Pad(padMeters), o.Pad(padMeters)
	inter, ok := pb.Intersection(po)
	if !ok {
		return 0
	}
	smaller := math.Min(pb.Area(), po.Area())
	if smaller <= 0 {
		return 1
	}
	return math.Min(1, inter.Area()/smaller)
}

// Center returns the midpoint of the box.
func (b Bounds) Center() RoutePoint {
	return RoutePoint{Lat: (b.MinLat + b.MaxLat) / 2, Lng: (b.MinLng + b.MaxLng) / 2}
}

// BoundsEntry is the lightweight per-activity record used by the spatial
// pre-filter. It is built from cached metadata, never from full GPS traces.
type BoundsEntry struct {
	ID           string  `json:"id"`
	Bounds       Bounds  `json:"bounds"`
	ActivityType string  `json:"activityType,omitempty"`
	Distance     float64 `json:"distance,omitempty"` // meters, 0 when unknown
}

// Haversine returns the great-circle distance between two points in meters.
func Haversine(a, b RoutePoint) float64 {
	return geo.DistanceHaversine(a.Orb(), b.Orb())
}

// RouteLength sums consecutive great-circle distances.
func RouteLength(points []RoutePoint) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Haversine(points[i-1], points[i])
	}
	return total
}

// CumulativeDistances returns the running distance at each point, starting at 0.
func CumulativeDistances(points []RoutePoint) []float64 {
	cum := make([]float64, len(points))
	for i := 1; i < len(points); i++ {
		cum[i] = cum[i-1] + Haversine(points[i-1], points[i])
	}
	return cum
}

// IsValidPoint reports whether p is a usable WGS84 coordinate.
func IsValidPoint(p RoutePoint) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// FilterValidPoints drops out-of-range and NaN coordinates, keeping order.
func FilterValidPoints(points []RoutePoint) []RoutePoint {
	valid := make([]RoutePoint, 0, len(points))
	for _, p := range points {
		if IsValidPoint(p) {
			valid = append(valid, p)
		}
	}
	return valid
}

// dedupeConsecutive removes fixes identical to their predecessor.
func dedupeConsecutive(points []RoutePoint) []RoutePoint {
	if len(points) < 2 {
		return points
	}
	out := make([]RoutePoint, 0, len(points))
	out = append(out, points[0])
	for _, p := range points[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// PointSegmentDistance returns the distance in meters from p to the segment
// a-b, using an equirectangular projection centred on a. The projection error
// is negligible at the segment lengths found in simplified traces.
func PointSegmentDistance(p, a, b RoutePoint) float64 {
	d, _ := projectToSegment(p, a, b)
	return d
}

// projectToSegment returns the distance from p to segment a-b and the
// position of the closest point as a fraction of the segment.
func projectToSegment(p, a, b RoutePoint) (float64, float64) {
	cosLat := math.Cos(a.Lat * math.Pi / 180)
	px := (p.Lng - a.Lng) * cosLat * metersPerDegree
	py := (p.Lat - a.Lat) * metersPerDegree
	bx := (b.Lng - a.Lng) * cosLat * metersPerDegree
	by := (b.Lat - a.Lat) * metersPerDegree

	lenSq := bx*bx + by*by
	if lenSq == 0 {
		return math.Hypot(px, py), 0
	}
	t := (px*bx + py*by) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(px-t*bx, py-t*by), t
}

// localDistance returns the distance from p to the polyline pts restricted to
// the segments touching vertex j.
func localDistance(p RoutePoint, pts []RoutePoint, j int) float64 {
	if len(pts) == 1 {
		return Haversine(p, pts[0])
	}
	best := math.Inf(1)
	if j > 0 {
		best = math.Min(best, PointSegmentDistance(p, pts[j-1], pts[j]))
	}
	if j < len(pts)-1 {
		best = math.Min(best, PointSegmentDistance(p, pts[j], pts[j+1]))
	}
	return best
}

// distanceToPolyline returns the minimum distance from p to any segment of pts
// and the index of the vertex starting the closest segment.
func distanceToPolyline(p RoutePoint, pts []RoutePoint) (float64, int) {
	switch len(pts) {
	case 0:
		return math.Inf(1), -1
	case 1:
		return Haversine(p, pts[0]), 0
	}
	best, bestIdx := math.Inf(1), 0
	for i := 1; i < len(pts); i++ {
		d := PointSegmentDistance(p, pts[i-1], pts[i])
		if d < best {
			best, bestIdx = d, i-1
		}
	}
	return best, bestIdx
}

// MedianFloat returns the median of values, or 0 for an empty slice.
func MedianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// RegionHash returns the s2 cell token containing p at the given level.
func RegionHash(p RoutePoint, level int) string {
	if level <= 0 || level > 30 {
		level = DefaultRegionLevel
	}
	cell := s2.CellIDFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lng)).Parent(level)
	return cell.ToToken()
}

// reversePoints returns a reversed copy of points.
func reversePoints(points []RoutePoint) []RoutePoint {
	out := make([]RoutePoint, len(points))
	for i, p := range points {
		out[len(points)-1-i] = p
	}
	return out
}
