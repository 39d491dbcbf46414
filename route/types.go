package route

import (
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// RoutePoint is a single WGS84 fix from a recorded trace.
type RoutePoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Orb returns the point as an orb.Point (lng, lat order).
func (p RoutePoint) Orb() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// PointFromOrb converts an orb.Point back into a RoutePoint.
func PointFromOrb(p orb.Point) RoutePoint {
	return RoutePoint{Lat: p.Lat(), Lng: p.Lon()}
}

// PointsFromPairs converts raw [lat, lng] pairs as delivered by the upstream
// stream API into RoutePoints. No validation is performed.
func PointsFromPairs(pairs [][2]float64) []RoutePoint {
	points := make([]RoutePoint, len(pairs))
	for i, pair := range pairs {
		points[i] = RoutePoint{Lat: pair[0], Lng: pair[1]}
	}
	return points
}

// PairsFromPoints is the inverse of PointsFromPairs.
func PairsFromPoints(points []RoutePoint) [][2]float64 {
	pairs := make([][2]float64, len(points))
	for i, p := range points {
		pairs[i] = [2]float64{p.Lat, p.Lng}
	}
	return pairs
}

// Direction describes how two matched routes relate to each other.
type Direction string

const (
	DirectionSame    Direction = "same"
	DirectionReverse Direction = "reverse"
	DirectionPartial Direction = "partial"
)

// RouteSignature is the compact, comparable form of one activity's trace.
// It is immutable once built.
type RouteSignature struct {
	ActivityID    string       `json:"activityId"`
	Points        []RoutePoint `json:"points,omitempty"`
	TotalDistance float64      `json:"totalDistance"` // meters
	Bounds        Bounds       `json:"bounds"`
	StartRegion   string       `json:"startRegion"`
	EndRegion     string       `json:"endRegion"`
	IsLoop        bool         `json:"isLoop"`
	ActivityType  string       `json:"activityType,omitempty"` // empty when unknown
}

// BoundsEntry returns the lightweight pre-filter record for the signature.
func (s *RouteSignature) BoundsEntry() BoundsEntry {
	return BoundsEntry{
		ID:           s.ActivityID,
		ActivityType: s.ActivityType,
		Bounds:       s.Bounds,
		Distance:     s.TotalDistance,
	}
}

// MatchResult is the outcome of comparing two signatures.
type MatchResult struct {
	ActivityID1     string    `json:"activityId1"`
	ActivityID2     string    `json:"activityId2"`
	MatchPercentage float64   `json:"matchPercentage"` // 0-100, rounded
	Direction       Direction `json:"direction"`
	OverlapStart    float64   `json:"overlapStart"`    // 0-1 along ActivityID1
	OverlapEnd      float64   `json:"overlapEnd"`      // 0-1 along ActivityID1
	OverlapDistance float64   `json:"overlapDistance"` // meters
	ShapeScore      float64   `json:"shapeScore"`      // 0-100, rounded
	Confidence      float64   `json:"confidence"`      // 0-1
}

// Other returns the activity on the opposite side of the match from id.
func (m MatchResult) Other(id string) string {
	if m.ActivityID1 == id {
		return m.ActivityID2
	}
	return m.ActivityID1
}

// RouteGroup is a cluster of activities believed to follow the same route.
type RouteGroup struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	RepresentativeID    string          `json:"representativeId"`
	Representative      *RouteSignature `json:"representative,omitempty"`
	ActivityIDs         []string        `json:"activityIds"`
	ConsensusPoints     []RoutePoint    `json:"consensusPoints,omitempty"`
	ActivityCount       int             `json:"activityCount"`
	FirstDate           time.Time       `json:"firstDate"`
	LastDate            time.Time       `json:"lastDate"`
	ActivityType        string          `json:"activityType"`
	AverageMatchQuality float64         `json:"averageMatchQuality"`
	DistanceMeters      float64         `json:"distanceMeters"`
	PreviewPoints       []RoutePoint    `json:"previewPoints,omitempty"`
}

// PlaceholderNamePrefix marks group names that enrichment may replace.
const PlaceholderNamePrefix = "Unnamed route"

// HasPlaceholderName reports whether the group still carries a generated name.
func (g *RouteGroup) HasPlaceholderName() bool {
	return g.Name == "" || strings.HasPrefix(g.Name, PlaceholderNamePrefix)
}

// HasActivity reports whether id is a member of the group.
func (g *RouteGroup) HasActivity(id string) bool {
	for _, a := range g.ActivityIDs {
		if a == id {
			return true
		}
	}
	return false
}

// RouteLap is one traversal of a consensus path inside a single activity.
type RouteLap struct {
	LapNumber  int          `json:"lapNumber"`
	StartIndex int          `json:"startIndex"`
	EndIndex   int          `json:"endIndex"` // inclusive
	Distance   float64      `json:"distance"` // meters
	Duration   float64      `json:"duration"` // seconds, estimated
	Direction  Direction    `json:"direction"`
	Points     []RoutePoint `json:"points"`
}

// ActivityMeta is the per-activity metadata supplied with a sync. It is kept
// in the bounds cache and in pipeline checkpoints.
type ActivityMeta struct {
	ID        string    `json:"id"`
	Type      string    `json:"type,omitempty"`
	Name      string    `json:"name,omitempty"`
	StartDate time.Time `json:"startDate"`
	Distance  float64   `json:"distance,omitempty"` // meters
	Duration  float64   `json:"duration,omitempty"` // moving time, seconds
	HasGPS    bool      `json:"hasGps"`
}

// AverageSpeed returns distance over duration in m/s, or 0 when unknown.
func (m ActivityMeta) AverageSpeed() float64 {
	if m.Duration <= 0 {
		return 0
	}
	return m.Distance / m.Duration
}

// Trace is one activity's raw ordered point list.
type Trace struct {
	ActivityID string
	Points     []RoutePoint
}
