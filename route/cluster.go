package route

import (
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// GroupingConfig sets the bar a match must clear before two activities are
// unioned into the same route group.
type GroupingConfig struct {
	MinGroupPercentage float64 `yaml:"minGroupPercentage" json:"minGroupPercentage"`
	AllowPartial       bool    `yaml:"allowPartial" json:"allowPartial"`
	Workers            int     `yaml:"workers" json:"workers"` // 0 = GOMAXPROCS
}

// DefaultGroupingConfig returns the grouping defaults.
func DefaultGroupingConfig() GroupingConfig {
	return GroupingConfig{MinGroupPercentage: 80}
}

// ShouldGroup reports whether m is strong enough to merge its two activities.
func ShouldGroup(m *MatchResult, cfg GroupingConfig) bool {
	if m == nil || m.MatchPercentage < cfg.MinGroupPercentage {
		return false
	}
	return cfg.AllowPartial || m.Direction != DirectionPartial
}

// ClusterResult is the output of Cluster.
type ClusterResult struct {
	// Clusters maps each root activity id to its sorted members, singletons
	// included. The root is the smallest id in the cluster.
	Clusters map[string][]string
	// Matches holds every accepted comparison, ActivityID1 < ActivityID2.
	Matches []MatchResult
}

// Groups returns the clusters with at least two members, ordered by root.
func (r *ClusterResult) Groups() [][]string {
	roots := make([]string, 0, len(r.Clusters))
	for root, members := range r.Clusters {
		if len(members) >= 2 {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	out := make([][]string, len(roots))
	for i, root := range roots {
		out[i] = r.Clusters[root]
	}
	return out
}

// MatchesFor returns the accepted matches involving id.
func (r *ClusterResult) MatchesFor(id string) []MatchResult {
	var out []MatchResult
	for _, m := range r.Matches {
		if m.ActivityID1 == id || m.ActivityID2 == id {
			out = append(out, m)
		}
	}
	return out
}

// unionFind implements a disjoint-set over indexes with path compression.
// The smaller index always becomes the root.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	switch {
	case ra < rb:
		uf.parent[rb] = ra
	case rb < ra:
		uf.parent[ra] = rb
	}
}

type pair struct{ i, j int }

// Cluster groups signatures by running Compare over every candidate pair the
// spatial pre-filter admits and unioning the pairs that pass ShouldGroup.
// Comparisons run in parallel; unions are applied afterwards in pair order.
func Cluster(sigs []*RouteSignature, mc MatchConfig, gc GroupingConfig) *ClusterResult {
	byID := make(map[string]*RouteSignature, len(sigs))
	for _, s := range sigs {
		if s != nil && len(s.Points) >= 2 {
			byID[s.ActivityID] = s
		}
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	position := make(map[string]int, len(ids))
	entries := make([]BoundsEntry, len(ids))
	for i, id := range ids {
		position[id] = i
		entries[i] = byID[id].BoundsEntry()
	}

	index := NewSpatialIndex()
	index.Build(entries, mc.Policy)
	var pairs []pair
	for i, e := range entries {
		for _, other := range index.Candidates(e, mc.Policy) {
			if j := position[other]; j > i {
				pairs = append(pairs, pair{i, j})
			}
		}
	}

	results := make([]*MatchResult, len(pairs))
	workers := gc.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for k, p := range pairs {
		g.Go(func() error {
			results[k] = Compare(byID[ids[p.i]], byID[ids[p.j]], mc)
			return nil
		})
	}
	_ = g.Wait()

	uf := newUnionFind(len(ids))
	var matches []MatchResult
	for k, m := range results {
		if m == nil {
			continue
		}
		matches = append(matches, *m)
		if ShouldGroup(m, gc) {
			uf.union(pairs[k].i, pairs[k].j)
		}
	}

	clusters := make(map[string][]string, len(ids))
	for i, id := range ids {
		root := ids[uf.find(i)]
		clusters[root] = append(clusters[root], id)
	}
	return &ClusterResult{Clusters: clusters, Matches: matches}
}
