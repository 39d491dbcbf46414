package route

import (
	"math"
)

// MatchConfig holds the thresholds used by Compare. All distances are meters
// and all percentages are on a 0-100 scale.
type MatchConfig struct {
	DistanceThreshold       float64         `yaml:"distanceThreshold" json:"distanceThreshold"`
	MaxPointDistance        float64         `yaml:"maxPointDistance" json:"maxPointDistance"` // DTW cost cap
	MinMatchPercentage      float64         `yaml:"minMatchPercentage" json:"minMatchPercentage"`
	SameDirectionPercentage float64         `yaml:"sameDirectionPercentage" json:"sameDirectionPercentage"`
	MinShapeScore           float64         `yaml:"minShapeScore" json:"minShapeScore"`
	MinPointsForConfidence  int             `yaml:"minPointsForConfidence" json:"minPointsForConfidence"`
	Policy                  CandidatePolicy `yaml:"policy" json:"policy"`
}

// DefaultMatchConfig returns the matcher defaults.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		DistanceThreshold:       50,
		MaxPointDistance:        150,
		MinMatchPercentage:      20,
		SameDirectionPercentage: 80,
		MinShapeScore:           60,
		MinPointsForConfidence:  20,
		Policy:                  DefaultCandidatePolicy(),
	}
}

// alignment is the outcome of one DTW run between x and y, where y may have
// been visited in reverse order. Matched flags are indexed by the original
// (unreversed) point order of each route.
type alignment struct {
	reversed   bool
	matchedX   []bool
	matchedY   []bool
	percentage float64 // min coverage, unrounded
	shape      float64 // 0-100, unrounded
}

// Compare aligns two signatures and returns nil when they do not match. The
// result is expressed relative to a: ActivityID1 is a, and the overlap range
// is a position along a.
//
// The pair is always aligned in activity id order so that Compare(a, b) and
// Compare(b, a) agree on percentage, direction and confidence.
func Compare(a, b *RouteSignature, cfg MatchConfig) *MatchResult {
	if a == nil || b == nil || len(a.Points) < 2 || len(b.Points) < 2 {
		return nil
	}
	if !cfg.Policy.Accept(a.BoundsEntry(), b.BoundsEntry()) {
		return nil
	}

	x, y := a, b
	swapped := b.ActivityID < a.ActivityID
	if swapped {
		x, y = b, a
	}

	best := bestAlignment(x.Points, y.Points, cfg)
	if best.percentage < cfg.MinMatchPercentage {
		return nil
	}

	direction := DirectionPartial
	if best.percentage >= cfg.SameDirectionPercentage && best.shape >= cfg.MinShapeScore {
		direction = DirectionSame
		if best.reversed {
			direction = DirectionReverse
		}
	}

	baseMatched := best.matchedX
	if swapped {
		baseMatched = best.matchedY
	}
	start, end, overlap := overlapRange(a.Points, baseMatched)

	return &MatchResult{
		ActivityID1:     a.ActivityID,
		ActivityID2:     b.ActivityID,
		MatchPercentage: math.Round(best.percentage),
		Direction:       direction,
		OverlapStart:    start,
		OverlapEnd:      end,
		OverlapDistance: overlap,
		ShapeScore:      math.Round(best.shape),
		Confidence:      confidence(x.Points, y.Points, best, cfg),
	}
}

// bestAlignment runs DTW forward and with y reversed and keeps whichever has
// the higher coverage. Ties go to the forward run.
func bestAlignment(x, y []RoutePoint, cfg MatchConfig) alignment {
	costs := costMatrix(x, y, cfg.MaxPointDistance)
	forward := align(x, y, costs, false, cfg)
	reverse := align(x, y, costs, true, cfg)
	if reverse.percentage > forward.percentage {
		return reverse
	}
	return forward
}

// costMatrix holds capped haversine distances for every (x, y) pair, row
// major with len(y) columns.
func costMatrix(x, y []RoutePoint, capMeters float64) []float64 {
	m := len(y)
	costs := make([]float64, len(x)*m)
	for i := range x {
		for j := range y {
			d := Haversine(x[i], y[j])
			if capMeters > 0 && d > capMeters {
				d = capMeters
			}
			costs[i*m+j] = d
		}
	}
	return costs
}

// align runs DTW over the precomputed costs and scores the optimal path.
func align(x, y []RoutePoint, costs []float64, reversed bool, cfg MatchConfig) alignment {
	n, m := len(x), len(y)
	yIndex := func(j int) int {
		if reversed {
			return m - 1 - j
		}
		return j
	}
	cost := func(i, j int) float64 {
		return costs[i*m+yIndex(j)]
	}

	acc := make([]float64, n*m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			c := cost(i, j)
			switch {
			case i == 0 && j == 0:
				acc[0] = c
			case i == 0:
				acc[j] = c + acc[j-1]
			case j == 0:
				acc[i*m] = c + acc[(i-1)*m]
			default:
				acc[i*m+j] = c + math.Min(acc[(i-1)*m+j-1], math.Min(acc[(i-1)*m+j], acc[i*m+j-1]))
			}
		}
	}

	// Backtrack from the end, preferring the diagonal on ties.
	type step struct{ i, j int }
	path := []step{{n - 1, m - 1}}
	for i, j := n-1, m-1; i > 0 || j > 0; {
		switch {
		case i == 0:
			j--
		case j == 0:
			i--
		default:
			diag, up, left := acc[(i-1)*m+j-1], acc[(i-1)*m+j], acc[i*m+j-1]
			switch {
			case diag <= up && diag <= left:
				i, j = i-1, j-1
			case up <= left:
				i--
			default:
				j--
			}
		}
		path = append(path, step{i, j})
	}

	bestX := filled(n, math.Inf(1))
	bestY := filled(m, math.Inf(1))
	for _, s := range path {
		yj := yIndex(s.j)
		bestX[s.i] = math.Min(bestX[s.i], localDistance(x[s.i], y, yj))
		bestY[yj] = math.Min(bestY[yj], localDistance(y[yj], x, s.i))
	}

	res := alignment{
		reversed: reversed,
		matchedX: make([]bool, n),
		matchedY: make([]bool, m),
	}
	worst := 0.0
	coveredX, coveredY := 0, 0
	for i, d := range bestX {
		worst = math.Max(worst, d)
		if d <= cfg.DistanceThreshold {
			res.matchedX[i] = true
			coveredX++
		}
	}
	for j, d := range bestY {
		worst = math.Max(worst, d)
		if d <= cfg.DistanceThreshold {
			res.matchedY[j] = true
			coveredY++
		}
	}

	res.percentage = math.Min(
		100*float64(coveredX)/float64(n),
		100*float64(coveredY)/float64(m),
	)
	res.shape = shapeScore(worst, cfg)
	return res
}

// shapeScore maps the worst aligned distance to 0-100. Anything within the
// match threshold scores 100, falling linearly to 0 at MaxPointDistance.
func shapeScore(worst float64, cfg MatchConfig) float64 {
	if worst <= cfg.DistanceThreshold {
		return 100
	}
	span := cfg.MaxPointDistance - cfg.DistanceThreshold
	if span <= 0 {
		return 0
	}
	return 100 * math.Max(0, 1-(worst-cfg.DistanceThreshold)/span)
}

// confidence blends point density with alignment quality and penalizes
// matches broken into many disjoint ranges.
func confidence(x, y []RoutePoint, al alignment, cfg MatchConfig) float64 {
	density := 1.0
	if cfg.MinPointsForConfidence > 0 {
		density = math.Min(1, float64(min(len(x), len(y)))/float64(cfg.MinPointsForConfidence))
	}
	quality := (al.percentage + al.shape) / 200

	fragments := max(matchedRuns(al.matchedX), matchedRuns(al.matchedY))
	penalty := 1.0
	if fragments > 1 {
		penalty = 1 / (1 + 0.25*float64(fragments-1))
	}

	c := (0.3*density + 0.7*quality) * penalty
	return math.Round(math.Max(0, math.Min(1, c))*1000) / 1000
}

// matchedRuns counts maximal runs of true values.
func matchedRuns(flags []bool) int {
	runs := 0
	for i, f := range flags {
		if f && (i == 0 || !flags[i-1]) {
			runs++
		}
	}
	return runs
}

// overlapRange returns the normalized position of the first and last matched
// points along points, and the length of segments with both ends matched.
func overlapRange(points []RoutePoint, matched []bool) (start, end, distance float64) {
	cum := CumulativeDistances(points)
	total := cum[len(cum)-1]
	first, last := -1, -1
	for i, m := range matched {
		if !m {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
		if i > 0 && matched[i-1] {
			distance += cum[i] - cum[i-1]
		}
	}
	if first < 0 || total == 0 {
		return 0, 0, distance
	}
	return cum[first] / total, cum[last] / total, distance
}

func filled(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
