package route

import (
	"fmt"
	"sort"
)

// CurrentCacheVersion is the schema version of ProcessingCache. Persisted
// caches with any other version are discarded on load.
const CurrentCacheVersion = 3

// ProcessingCache is the durable aggregate of all matching work. Only the
// pipeline mutates it; everything else works on clones.
type ProcessingCache struct {
	Version         int                        `json:"version"`
	Signatures      map[string]*RouteSignature `json:"signatures"`
	Groups          []*RouteGroup              `json:"groups"`
	Matches         map[string][]MatchResult   `json:"matches"`
	Processed       map[string]bool            `json:"processed"`
	ActivityToGroup map[string]string          `json:"activityToGroup"`
}

// NewProcessingCache returns an empty cache at the current version.
func NewProcessingCache() *ProcessingCache {
	return &ProcessingCache{
		Version:         CurrentCacheVersion,
		Signatures:      make(map[string]*RouteSignature),
		Matches:         make(map[string][]MatchResult),
		Processed:       make(map[string]bool),
		ActivityToGroup: make(map[string]string),
	}
}

// Normalize replaces nil maps with empty ones, as left by decoding a cache
// written with empty fields.
func (c *ProcessingCache) Normalize() {
	if c.Signatures == nil {
		c.Signatures = make(map[string]*RouteSignature)
	}
	if c.Matches == nil {
		c.Matches = make(map[string][]MatchResult)
	}
	if c.Processed == nil {
		c.Processed = make(map[string]bool)
	}
	if c.ActivityToGroup == nil {
		c.ActivityToGroup = make(map[string]string)
	}
}

// IsProcessed reports whether id has already been analyzed.
func (c *ProcessingCache) IsProcessed(id string) bool {
	return c.Processed[id]
}

// Group returns the group with the given id, or nil.
func (c *ProcessingCache) Group(id string) *RouteGroup {
	for _, g := range c.Groups {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// GroupFor returns the group containing activity id, or nil.
func (c *ProcessingCache) GroupFor(activityID string) *RouteGroup {
	gid, ok := c.ActivityToGroup[activityID]
	if !ok {
		return nil
	}
	return c.Group(gid)
}

// RebuildIndex recomputes ActivityToGroup from Groups.
func (c *ProcessingCache) RebuildIndex() {
	c.ActivityToGroup = make(map[string]string)
	for _, g := range c.Groups {
		for _, id := range g.ActivityIDs {
			c.ActivityToGroup[id] = g.ID
		}
	}
}

// MatchCount returns the number of distinct matched pairs.
func (c *ProcessingCache) MatchCount() int {
	n := 0
	for _, ms := range c.Matches {
		n += len(ms)
	}
	return n / 2
}

// CheckInvariants verifies that every activity referenced by a match or a
// group is processed and that the reverse index agrees with the groups.
func (c *ProcessingCache) CheckInvariants() error {
	for id, ms := range c.Matches {
		if !c.Processed[id] {
			return fmt.Errorf("matched activity %s is not processed", id)
		}
		for _, m := range ms {
			if !c.Processed[m.Other(id)] {
				return fmt.Errorf("match partner %s of %s is not processed", m.Other(id), id)
			}
		}
	}
	seen := make(map[string]string)
	for _, g := range c.Groups {
		for _, id := range g.ActivityIDs {
			if !c.Processed[id] {
				return fmt.Errorf("group %s member %s is not processed", g.ID, id)
			}
			if other, dup := seen[id]; dup {
				return fmt.Errorf("activity %s is in groups %s and %s", id, other, g.ID)
			}
			seen[id] = g.ID
			if c.ActivityToGroup[id] != g.ID {
				return fmt.Errorf("index maps %s to %q, want %s", id, c.ActivityToGroup[id], g.ID)
			}
		}
	}
	if len(seen) != len(c.ActivityToGroup) {
		return fmt.Errorf("index has %d entries for %d grouped activities", len(c.ActivityToGroup), len(seen))
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers.
func (c *ProcessingCache) Clone() *ProcessingCache {
	out := NewProcessingCache()
	out.Version = c.Version
	for id, s := range c.Signatures {
		out.Signatures[id] = cloneSignature(s)
	}
	for _, g := range c.Groups {
		out.Groups = append(out.Groups, cloneGroup(g))
	}
	for id, ms := range c.Matches {
		out.Matches[id] = append([]MatchResult(nil), ms...)
	}
	for id, v := range c.Processed {
		out.Processed[id] = v
	}
	for id, gid := range c.ActivityToGroup {
		out.ActivityToGroup[id] = gid
	}
	return out
}

// StripPoints returns a clone with point arrays removed from signatures and
// group representatives. Consensus and preview geometry are kept since they
// cannot be recomputed without the whole group.
func (c *ProcessingCache) StripPoints() *ProcessingCache {
	out := c.Clone()
	for _, s := range out.Signatures {
		s.Points = nil
	}
	for _, g := range out.Groups {
		if g.Representative != nil {
			g.Representative.Points = nil
		}
	}
	return out
}

// MissingPoints returns the sorted ids of signatures loaded without points.
func (c *ProcessingCache) MissingPoints() []string {
	var ids []string
	for id, s := range c.Signatures {
		if len(s.Points) == 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SortedSignatures returns the cached signatures ordered by activity id.
func (c *ProcessingCache) SortedSignatures() []*RouteSignature {
	ids := make([]string, 0, len(c.Signatures))
	for id := range c.Signatures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*RouteSignature, len(ids))
	for i, id := range ids {
		out[i] = c.Signatures[id]
	}
	return out
}

func cloneSignature(s *RouteSignature) *RouteSignature {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Points = append([]RoutePoint(nil), s.Points...)
	return &cp
}

func cloneGroup(g *RouteGroup) *RouteGroup {
	cp := *g
	cp.Representative = cloneSignature(g.Representative)
	cp.ActivityIDs = append([]string(nil), g.ActivityIDs...)
	cp.ConsensusPoints = append([]RoutePoint(nil), g.ConsensusPoints...)
	cp.PreviewPoints = append([]RoutePoint(nil), g.PreviewPoints...)
	return &cp
}
