package route

import (
	"math"
	"math/rand"
)

var origin = RoutePoint{Lat: 47.0, Lng: 8.0}

// at returns the point east and north meters away from origin.
func at(east, north float64) RoutePoint {
	return offset(origin, east, north)
}

func offset(p RoutePoint, east, north float64) RoutePoint {
	lat := p.Lat + north/metersPerDegree
	lng := p.Lng + east/(metersPerDegree*math.Cos(p.Lat*math.Pi/180))
	return RoutePoint{Lat: lat, Lng: lng}
}

// eastOf and northOf invert at for assertions.
func eastOf(p RoutePoint) float64 {
	return (p.Lng - origin.Lng) * metersPerDegree * math.Cos(origin.Lat*math.Pi/180)
}

func northOf(p RoutePoint) float64 {
	return (p.Lat - origin.Lat) * metersPerDegree
}

// path walks through waypoints given in meters from origin, emitting a point
// every step meters.
func path(step float64, waypoints ...[2]float64) []RoutePoint {
	out := []RoutePoint{at(waypoints[0][0], waypoints[0][1])}
	for i := 1; i < len(waypoints); i++ {
		a, b := waypoints[i-1], waypoints[i]
		length := math.Hypot(b[0]-a[0], b[1]-a[1])
		n := int(math.Ceil(length / step))
		for k := 1; k <= n; k++ {
			t := float64(k) / float64(n)
			out = append(out, at(a[0]+(b[0]-a[0])*t, a[1]+(b[1]-a[1])*t))
		}
	}
	return out
}

// jitter moves every point by at most maxMeters using a fixed seed.
func jitter(points []RoutePoint, maxMeters float64, seed int64) []RoutePoint {
	r := rand.New(rand.NewSource(seed))
	limit := maxMeters / math.Sqrt2
	out := make([]RoutePoint, len(points))
	for i, p := range points {
		out[i] = offset(p, (r.Float64()*2-1)*limit, (r.Float64()*2-1)*limit)
	}
	return out
}

func shift(points []RoutePoint, east, north float64) []RoutePoint {
	out := make([]RoutePoint, len(points))
	for i, p := range points {
		out[i] = offset(p, east, north)
	}
	return out
}

func sig(id string, points []RoutePoint) *RouteSignature {
	return BuildSignature(id, points, DefaultSignatureConfig())
}

// lShape runs 2 km east then 2 km north.
func lShape() []RoutePoint {
	return path(20, [2]float64{0, 0}, [2]float64{2000, 0}, [2]float64{2000, 2000})
}

func square(step, side float64) []RoutePoint {
	return path(step,
		[2]float64{0, 0}, [2]float64{side, 0}, [2]float64{side, side},
		[2]float64{0, side}, [2]float64{0, 0})
}

func nearest(p RoutePoint, points []RoutePoint) float64 {
	best := math.Inf(1)
	for _, q := range points {
		best = math.Min(best, Haversine(p, q))
	}
	return best
}
