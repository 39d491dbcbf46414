package route

import (
	"math"
	"runtime"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/sync/errgroup"
)

// SignatureConfig controls how raw traces are reduced to signatures.
type SignatureConfig struct {
	SimplifyTolerance float64 `yaml:"simplifyTolerance" json:"simplifyTolerance"` // meters, Douglas-Peucker epsilon
	TargetSpacing     float64 `yaml:"targetSpacing" json:"targetSpacing"`         // meters between signature points
	MinPoints         int     `yaml:"minPoints" json:"minPoints"`
	MaxPoints         int     `yaml:"maxPoints" json:"maxPoints"`
	LoopThreshold     float64 `yaml:"loopThreshold" json:"loopThreshold"` // meters between start and end
	RegionLevel       int     `yaml:"regionLevel" json:"regionLevel"`     // s2 level for endpoint hashes
	OutlierGapFactor  float64 `yaml:"outlierGapFactor" json:"outlierGapFactor"`
	MinOutlierGap     float64 `yaml:"minOutlierGap" json:"minOutlierGap"` // meters
	Workers           int     `yaml:"workers" json:"workers"`             // batch fan-out, 0 = GOMAXPROCS
}

// DefaultSignatureConfig returns the defaults used by the pipeline.
func DefaultSignatureConfig() SignatureConfig {
	return SignatureConfig{
		SimplifyTolerance: 5,
		TargetSpacing:     25,
		MinPoints:         10,
		MaxPoints:         200,
		LoopThreshold:     200,
		RegionLevel:       DefaultRegionLevel,
		OutlierGapFactor:  10,
		MinOutlierGap:     100,
	}
}

// BuildSignature turns a raw trace into a RouteSignature. It returns nil when
// fewer than two valid points remain after filtering.
func BuildSignature(activityID string, raw []RoutePoint, cfg SignatureConfig) *RouteSignature {
	points := dedupeConsecutive(FilterValidPoints(raw))
	if len(points) < 2 {
		return nil
	}

	steps := make([]float64, len(points)-1)
	for i := 1; i < len(points); i++ {
		steps[i-1] = Haversine(points[i-1], points[i])
	}
	outlier := outlierSteps(steps, cfg)

	total := 0.0
	for i, d := range steps {
		if !outlier[i] {
			total += d
		}
	}

	geometry := removeSpikes(points, outlier)
	if len(geometry) < 2 {
		return nil
	}

	first, last := points[0], points[len(points)-1]
	return &RouteSignature{
		ActivityID:    activityID,
		Points:        samplePath(geometry, cfg),
		TotalDistance: total,
		Bounds:        BoundsOf(geometry),
		StartRegion:   RegionHash(first, cfg.RegionLevel),
		EndRegion:     RegionHash(last, cfg.RegionLevel),
		IsLoop:        Haversine(first, last) <= cfg.LoopThreshold,
	}
}

// BuildSignatures builds one signature per trace. The result has the same
// length as traces, with nil where BuildSignature would return nil.
func BuildSignatures(traces []Trace, cfg SignatureConfig) []*RouteSignature {
	out := make([]*RouteSignature, len(traces))
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range traces {
		g.Go(func() error {
			out[i] = BuildSignature(traces[i].ActivityID, traces[i].Points, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// outlierSteps flags steps that look like GPS dropouts: much longer than the
// median step and longer than the absolute floor.
func outlierSteps(steps []float64, cfg SignatureConfig) []bool {
	flags := make([]bool, len(steps))
	if len(steps) < 3 || cfg.OutlierGapFactor <= 0 {
		return flags
	}
	median := MedianFloat(steps)
	if median <= 0 {
		return flags
	}
	limit := math.Max(median*cfg.OutlierGapFactor, cfg.MinOutlierGap)
	for i, d := range steps {
		flags[i] = d > limit
	}
	return flags
}

// removeSpikes drops single fixes that jump away and straight back, which
// would otherwise stretch the bounding box and the simplified geometry.
func removeSpikes(points []RoutePoint, outlier []bool) []RoutePoint {
	out := make([]RoutePoint, 0, len(points))
	for i, p := range points {
		if i > 0 && i < len(points)-1 && outlier[i-1] && outlier[i] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// samplePath simplifies the geometry with Douglas-Peucker, densifies long
// straight segments to the target spacing and caps the result at MaxPoints.
func samplePath(points []RoutePoint, cfg SignatureConfig) []RoutePoint {
	simplified := points
	if cfg.SimplifyTolerance > 0 && len(points) > 2 {
		ls := make(orb.LineString, len(points))
		for i, p := range points {
			ls[i] = p.Orb()
		}
		tolerance := cfg.SimplifyTolerance / metersPerDegree
		if s, ok := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone()).(orb.LineString); ok && len(s) >= 2 {
			simplified = make([]RoutePoint, len(s))
			for i, p := range s {
				simplified[i] = PointFromOrb(p)
			}
		}
	}

	length := RouteLength(simplified)
	maxPoints := cfg.MaxPoints
	if maxPoints < 2 {
		maxPoints = 2
	}
	spacing := cfg.TargetSpacing
	if spacing <= 0 || length/spacing > float64(maxPoints-1) {
		spacing = length / float64(maxPoints-1)
	}
	if cfg.MinPoints > 1 && length/spacing < float64(cfg.MinPoints-1) {
		spacing = length / float64(cfg.MinPoints-1)
	}

	dense := densify(simplified, spacing)
	if len(dense) > maxPoints {
		return resampleUniform(dense, maxPoints)
	}
	return dense
}

// densify inserts interpolated points so no segment is longer than spacing.
func densify(points []RoutePoint, spacing float64) []RoutePoint {
	if len(points) < 2 || spacing <= 0 {
		return append([]RoutePoint(nil), points...)
	}
	out := []RoutePoint{points[0]}
	for i := 1; i < len(points); i++ {
		a, b := points[i-1], points[i]
		steps := int(math.Ceil(Haversine(a, b) / spacing))
		if steps < 1 {
			steps = 1
		}
		for s := 1; s <= steps; s++ {
			out = append(out, lerp(a, b, float64(s)/float64(steps)))
		}
	}
	return out
}

// resampleUniform returns n points evenly spaced by arc length along points.
func resampleUniform(points []RoutePoint, n int) []RoutePoint {
	if len(points) < 2 || n < 2 {
		return append([]RoutePoint(nil), points...)
	}
	cum := CumulativeDistances(points)
	total := cum[len(cum)-1]
	if total == 0 {
		return []RoutePoint{points[0], points[len(points)-1]}
	}

	out := make([]RoutePoint, 0, n)
	seg := 1
	for k := 0; k < n; k++ {
		target := total * float64(k) / float64(n-1)
		for seg < len(points)-1 && cum[seg] < target {
			seg++
		}
		span := cum[seg] - cum[seg-1]
		t := 0.0
		if span > 0 {
			t = (target - cum[seg-1]) / span
		}
		out = append(out, lerp(points[seg-1], points[seg], math.Max(0, math.Min(1, t))))
	}
	return out
}

func lerp(a, b RoutePoint, t float64) RoutePoint {
	return RoutePoint{Lat: a.Lat + (b.Lat-a.Lat)*t, Lng: a.Lng + (b.Lng-a.Lng)*t}
}

// Preview returns at most maxPoints points evenly spaced along points, for
// thumbnails and summaries.
func Preview(points []RoutePoint, maxPoints int) []RoutePoint {
	if maxPoints < 2 || len(points) <= maxPoints {
		return append([]RoutePoint(nil), points...)
	}
	return resampleUniform(points, maxPoints)
}
