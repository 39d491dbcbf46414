package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/kwv/routemesh/route"
)

// previewPointLimit caps the thumbnail geometry stored with each group.
const previewPointLimit = 64

// mergeGroups turns the clusters of res into route groups, reusing the id
// and name of the existing group each cluster overlaps most.
func (p *Pipeline) mergeGroups(c *route.ProcessingCache, res *route.ClusterResult, meta map[string]route.ActivityMeta) []*route.RouteGroup {
	used := make(map[string]bool)
	var out []*route.RouteGroup
	for _, members := range res.Groups() {
		prev := overlapping(c.Groups, members)

		g := &route.RouteGroup{ActivityIDs: members}
		for _, o := range prev {
			if !used[o.ID] {
				g.ID = o.ID
				break
			}
		}
		if g.ID == "" {
			g.ID = "group-" + members[0]
			if used[g.ID] || c.Group(g.ID) != nil {
				g.ID += "-" + uuid.NewString()[:8]
			}
		}
		used[g.ID] = true

		p.describeGroup(g, c, res, meta)
		inheritMetadata(g, prev)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// overlapping returns the groups sharing at least one member with members,
// most shared members first, then by id.
func overlapping(groups []*route.RouteGroup, members []string) []*route.RouteGroup {
	in := make(map[string]bool, len(members))
	for _, id := range members {
		in[id] = true
	}
	shared := make(map[string]int)
	var out []*route.RouteGroup
	for _, g := range groups {
		n := 0
		for _, id := range g.ActivityIDs {
			if in[id] {
				n++
			}
		}
		if n > 0 {
			shared[g.ID] = n
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if shared[out[i].ID] != shared[out[j].ID] {
			return shared[out[i].ID] > shared[out[j].ID]
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// inheritMetadata keeps what earlier runs or enrichment attached to the
// groups a cluster grew out of. Preview and distance are only carried over
// when describeGroup could not derive them.
func inheritMetadata(g *route.RouteGroup, prev []*route.RouteGroup) {
	g.Name = route.PlaceholderNamePrefix
	for _, o := range prev {
		if !o.HasPlaceholderName() {
			g.Name = o.Name
			break
		}
	}
	if len(prev) == 0 {
		return
	}
	best := prev[0]
	if len(g.PreviewPoints) == 0 && len(best.PreviewPoints) > 0 {
		g.PreviewPoints = append([]route.RoutePoint(nil), best.PreviewPoints...)
	}
	if g.DistanceMeters == 0 && best.DistanceMeters > 0 {
		g.DistanceMeters = best.DistanceMeters
	}
}

// describeGroup fills the derived fields of g from its member signatures.
func (p *Pipeline) describeGroup(g *route.RouteGroup, c *route.ProcessingCache, res *route.ClusterResult, meta map[string]route.ActivityMeta) {
	members := make(map[string]bool, len(g.ActivityIDs))
	sigs := make([]*route.RouteSignature, 0, len(g.ActivityIDs))
	for _, id := range g.ActivityIDs {
		members[id] = true
		if s := c.Signatures[id]; s != nil {
			sigs = append(sigs, s)
		}
	}

	score := make(map[string]float64)
	var quality []float64
	for _, m := range res.Matches {
		if members[m.ActivityID1] && members[m.ActivityID2] {
			score[m.ActivityID1] += m.MatchPercentage
			score[m.ActivityID2] += m.MatchPercentage
			quality = append(quality, m.MatchPercentage)
		}
	}

	repID := g.ActivityIDs[0]
	for _, id := range g.ActivityIDs[1:] {
		if score[id] > score[repID] {
			repID = id
		}
	}
	g.RepresentativeID = repID
	if rep := c.Signatures[repID]; rep != nil {
		cp := *rep
		cp.Points = append([]route.RoutePoint(nil), rep.Points...)
		g.Representative = &cp
		g.DistanceMeters = rep.TotalDistance
	}

	g.ConsensusPoints = route.ConsensusRoute(sigs, p.cfg.Consensus)
	switch {
	case len(g.ConsensusPoints) >= 2:
		g.PreviewPoints = route.Preview(g.ConsensusPoints, previewPointLimit)
	case g.Representative != nil:
		g.PreviewPoints = route.Preview(g.Representative.Points, previewPointLimit)
	}

	g.ActivityCount = len(g.ActivityIDs)
	if len(quality) > 0 {
		sum := 0.0
		for _, q := range quality {
			sum += q
		}
		g.AverageMatchQuality = math.Round(sum/float64(len(quality))*10) / 10
	}

	types := make(map[string]int)
	for _, id := range g.ActivityIDs {
		m, ok := meta[id]
		if !ok {
			continue
		}
		if m.Type != "" {
			types[m.Type]++
		}
		if m.StartDate.IsZero() {
			continue
		}
		if g.FirstDate.IsZero() || m.StartDate.Before(g.FirstDate) {
			g.FirstDate = m.StartDate
		}
		if m.StartDate.After(g.LastDate) {
			g.LastDate = m.StartDate
		}
	}
	for t, n := range types {
		if n > types[g.ActivityType] || (n == types[g.ActivityType] && t < g.ActivityType) {
			g.ActivityType = t
		}
	}
}

// GroupConsensus returns the consensus path of a group, computing it from the
// members' stored traces when the cached group carries none.
func (p *Pipeline) GroupConsensus(ctx context.Context, groupID string) ([]route.RoutePoint, error) {
	c := p.GetCache()
	g := c.Group(groupID)
	if g == nil {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}
	return p.groupConsensus(ctx, c, g)
}

func (p *Pipeline) groupConsensus(ctx context.Context, c *route.ProcessingCache, g *route.RouteGroup) ([]route.RoutePoint, error) {
	if len(g.ConsensusPoints) >= 2 {
		return append([]route.RoutePoint(nil), g.ConsensusPoints...), nil
	}
	sigs := make([]*route.RouteSignature, 0, len(g.ActivityIDs))
	for _, id := range g.ActivityIDs {
		if s := c.Signatures[id]; s != nil && len(s.Points) >= 2 {
			sigs = append(sigs, s)
			continue
		}
		pts, err := p.trace(ctx, id)
		if err != nil {
			Logf("[PIPELINE] consensus for %s: skipping %s: %v", g.ID, id, err)
			continue
		}
		if s := route.BuildSignature(id, pts, p.cfg.Signature); s != nil {
			sigs = append(sigs, s)
		}
	}
	return route.ConsensusRoute(sigs, p.cfg.Consensus), nil
}

// Laps splits an activity's trace into traversals of the group's consensus
// path.
func (p *Pipeline) Laps(ctx context.Context, groupID, activityID string) ([]route.RouteLap, error) {
	c := p.GetCache()
	g := c.Group(groupID)
	if g == nil {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrGroupNotFound)
	}
	consensus, err := p.groupConsensus(ctx, c, g)
	if err != nil {
		return nil, err
	}
	trace, err := p.trace(ctx, activityID)
	if err != nil {
		return nil, fmt.Errorf("laps for %s: %w", activityID, err)
	}

	speed := 0.0
	if rec, err := p.stores.Bounds.Get(activityID); err == nil {
		speed = rec.AverageSpeed()
	}
	return route.DetectLaps(trace, consensus, speed, p.cfg.Laps), nil
}
