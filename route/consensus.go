package route

import (
	"math"
	"sort"
)

// ConsensusConfig controls the point-wise vote that builds a group's
// representative path.
type ConsensusConfig struct {
	ProximityThreshold float64 `yaml:"proximityThreshold" json:"proximityThreshold"` // meters
	Quorum             float64 `yaml:"quorum" json:"quorum"`                         // fraction of members
	NeighborWindow     int     `yaml:"neighborWindow" json:"neighborWindow"`         // positions
	GapMedianFactor    float64 `yaml:"gapMedianFactor" json:"gapMedianFactor"`
	MaxGap             float64 `yaml:"maxGap" json:"maxGap"` // meters
}

// DefaultConsensusConfig returns the consensus defaults.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		ProximityThreshold: 50,
		Quorum:             0.8,
		NeighborWindow:     2,
		GapMedianFactor:    5,
		MaxGap:             100,
	}
}

// ConsensusRoute returns the points of the longest member that a quorum of
// the group's members pass through, trimmed of speckle and of long straight
// gaps. A single member's points are returned unchanged.
//
// The base member votes for its own points, so with five members and an 80%
// quorum a point needs three other members within ProximityThreshold.
func ConsensusRoute(sigs []*RouteSignature, cfg ConsensusConfig) []RoutePoint {
	members := make([]*RouteSignature, 0, len(sigs))
	for _, s := range sigs {
		if s != nil && len(s.Points) >= 2 {
			members = append(members, s)
		}
	}
	if len(members) == 0 {
		return nil
	}
	base := longestMember(members)
	if len(members) == 1 {
		return append([]RoutePoint(nil), base.Points...)
	}

	required := int(math.Ceil(float64(len(members))*cfg.Quorum - 1e-9))
	kept := make([]bool, len(base.Points))
	for i, p := range base.Points {
		votes := 1
		for _, m := range members {
			if m == base {
				continue
			}
			if d, _ := distanceToPolyline(p, m.Points); d <= cfg.ProximityThreshold {
				votes++
			}
		}
		kept[i] = votes >= required
	}

	kept = dropSpeckle(kept, cfg.NeighborWindow)
	var points []RoutePoint
	for i, k := range kept {
		if k {
			points = append(points, base.Points[i])
		}
	}
	return longestRun(points, cfg)
}

// longestMember picks the member with the greatest distance, breaking ties by
// point count and then by activity id.
func longestMember(members []*RouteSignature) *RouteSignature {
	sorted := append([]*RouteSignature(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.TotalDistance != b.TotalDistance {
			return a.TotalDistance > b.TotalDistance
		}
		if len(a.Points) != len(b.Points) {
			return len(a.Points) > len(b.Points)
		}
		return a.ActivityID < b.ActivityID
	})
	return sorted[0]
}

// dropSpeckle clears kept points with no other kept point within window
// positions on either side.
func dropSpeckle(kept []bool, window int) []bool {
	if window <= 0 {
		return kept
	}
	out := make([]bool, len(kept))
	for i, k := range kept {
		if !k {
			continue
		}
		for j := max(0, i-window); j <= min(len(kept)-1, i+window); j++ {
			if j != i && kept[j] {
				out[i] = true
				break
			}
		}
	}
	return out
}

// longestRun splits points wherever consecutive points are further apart
// than min(GapMedianFactor x median step, MaxGap) and returns the run with
// the greatest length.
func longestRun(points []RoutePoint, cfg ConsensusConfig) []RoutePoint {
	if len(points) < 2 {
		return points
	}
	steps := make([]float64, len(points)-1)
	for i := 1; i < len(points); i++ {
		steps[i-1] = Haversine(points[i-1], points[i])
	}
	limit := math.Inf(1)
	if median := MedianFloat(steps); median > 0 && cfg.GapMedianFactor > 0 {
		limit = median * cfg.GapMedianFactor
	}
	if cfg.MaxGap > 0 {
		limit = math.Min(limit, cfg.MaxGap)
	}

	bestStart, bestEnd, bestLen := 0, 0, -1.0
	start, length := 0, 0.0
	for i := 1; i <= len(points); i++ {
		if i < len(points) && steps[i-1] <= limit {
			length += steps[i-1]
			continue
		}
		if length > bestLen {
			bestStart, bestEnd, bestLen = start, i, length
		}
		start, length = i, 0
	}
	return append([]RoutePoint(nil), points[bestStart:bestEnd]...)
}
