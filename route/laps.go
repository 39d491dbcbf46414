package route

import (
	"math"
)

// LapConfig controls lap segmentation of a single activity.
type LapConfig struct {
	OnRouteThreshold  float64 `yaml:"onRouteThreshold" json:"onRouteThreshold"`   // meters from consensus
	MinLapDistance    float64 `yaml:"minLapDistance" json:"minLapDistance"`       // meters
	MergeGap          float64 `yaml:"mergeGap" json:"mergeGap"`                   // meters between runs
	EndpointProximity float64 `yaml:"endpointProximity" json:"endpointProximity"` // meters
	LoopThreshold     float64 `yaml:"loopThreshold" json:"loopThreshold"`         // meters between consensus ends
}

// DefaultLapConfig returns the lap detection defaults.
func DefaultLapConfig() LapConfig {
	return LapConfig{
		OnRouteThreshold:  50,
		MinLapDistance:    500,
		MergeGap:          30,
		EndpointProximity: 50,
		LoopThreshold:     200,
	}
}

type span struct{ start, end int } // inclusive

// DetectLaps splits trace into traversals of consensus. avgSpeed is the
// activity's average speed in m/s and is used only to estimate durations.
func DetectLaps(trace, consensus []RoutePoint, avgSpeed float64, cfg LapConfig) []RouteLap {
	trace = FilterValidPoints(trace)
	if len(trace) < 2 || len(consensus) < 2 {
		return nil
	}
	consensusLen := RouteLength(consensus)
	if consensusLen == 0 {
		return nil
	}
	first, last := consensus[0], consensus[len(consensus)-1]
	isLoop := Haversine(first, last) <= cfg.LoopThreshold
	cum := CumulativeDistances(trace)

	onRoute := make([]bool, len(trace))
	for i, p := range trace {
		d, _ := distanceToPolyline(p, consensus)
		onRoute[i] = d <= cfg.OnRouteThreshold
	}

	runs := mergeRuns(onRouteRuns(onRoute), trace, cfg.MergeGap)

	var laps []span
	for _, r := range runs {
		laps = append(laps, splitAtEndpoints(r, trace, cum, first, last, consensusLen, cfg)...)
	}

	minDistance := math.Min(cfg.MinLapDistance, 0.5*consensusLen)
	consensusCum := CumulativeDistances(consensus)
	var out []RouteLap
	for _, l := range laps {
		distance := cum[l.end] - cum[l.start]
		if distance < minDistance {
			continue
		}
		points := append([]RoutePoint(nil), trace[l.start:l.end+1]...)
		lap := RouteLap{
			LapNumber:  len(out) + 1,
			StartIndex: l.start,
			EndIndex:   l.end,
			Distance:   distance,
			Points:     points,
		}
		if avgSpeed > 0 {
			lap.Duration = distance / avgSpeed
		}
		if isLoop {
			lap.Direction = loopDirection(points, consensus, consensusCum)
		} else if Haversine(points[0], first) <= Haversine(points[0], last) {
			lap.Direction = DirectionSame
		} else {
			lap.Direction = DirectionReverse
		}
		out = append(out, lap)
	}
	return out
}

// onRouteRuns returns the maximal runs of true flags.
func onRouteRuns(flags []bool) []span {
	var runs []span
	start := -1
	for i, f := range flags {
		switch {
		case f && start < 0:
			start = i
		case !f && start >= 0:
			runs = append(runs, span{start, i - 1})
			start = -1
		}
	}
	if start >= 0 {
		runs = append(runs, span{start, len(flags) - 1})
	}
	return runs
}

// mergeRuns joins consecutive runs whose facing ends are within gap meters.
func mergeRuns(runs []span, trace []RoutePoint, gap float64) []span {
	if len(runs) < 2 {
		return runs
	}
	out := []span{runs[0]}
	for _, r := range runs[1:] {
		prev := &out[len(out)-1]
		if Haversine(trace[prev.end], trace[r.start]) <= gap {
			prev.end = r.end
			continue
		}
		out = append(out, r)
	}
	return out
}

// splitAtEndpoints cuts a run each time the trace returns to either end of
// the consensus after covering at least half its length. The cut is placed
// at the closest approach to that end.
func splitAtEndpoints(r span, trace []RoutePoint, cum []float64, first, last RoutePoint, consensusLen float64, cfg LapConfig) []span {
	endpointDist := func(i int) float64 {
		return math.Min(Haversine(trace[i], first), Haversine(trace[i], last))
	}

	var out []span
	lapStart := r.start
	for i := r.start + 1; i <= r.end; i++ {
		if cum[i]-cum[lapStart] < 0.5*consensusLen || endpointDist(i) > cfg.EndpointProximity {
			continue
		}
		closest := i
		for j := i + 1; j <= r.end && endpointDist(j) <= cfg.EndpointProximity; j++ {
			if endpointDist(j) < endpointDist(closest) {
				closest = j
			}
			i = j
		}
		out = append(out, span{lapStart, closest})
		lapStart = closest
	}
	if lapStart < r.end {
		out = append(out, span{lapStart, r.end})
	}
	return out
}

// loopDirection reports whether points progress forward or backward along a
// closed consensus path.
func loopDirection(points, consensus []RoutePoint, consensusCum []float64) Direction {
	total := consensusCum[len(consensusCum)-1]
	position := func(p RoutePoint) float64 {
		_, seg := distanceToPolyline(p, consensus)
		_, t := projectToSegment(p, consensus[seg], consensus[seg+1])
		return consensusCum[seg] + t*(consensusCum[seg+1]-consensusCum[seg])
	}

	progress := 0.0
	prev := position(points[0])
	for _, p := range points[1:] {
		pos := position(p)
		delta := pos - prev
		switch {
		case delta > total/2:
			delta -= total
		case delta < -total/2:
			delta += total
		}
		progress += delta
		prev = pos
	}
	if progress < 0 {
		return DirectionReverse
	}
	return DirectionSame
}
