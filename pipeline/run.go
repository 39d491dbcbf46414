package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/routemesh/route"
	"github.com/kwv/routemesh/store"
)

// run executes one request to completion, cancellation or error. It is only
// called from drain.
func (p *Pipeline) run(ctx context.Context, req *request) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	pc := p.cfg.Pipeline
	p.emit(Progress{State: StateFiltering, Total: len(req.ids)})

	if len(req.bounds) > 0 {
		if err := p.stores.Bounds.Upsert(req.bounds); err != nil {
			return fmt.Errorf("merge bounds: %w", err)
		}
	}
	records, err := p.stores.Bounds.List()
	if err != nil {
		return fmt.Errorf("list bounds: %w", err)
	}
	meta := make(map[string]route.ActivityMeta, len(records)+len(req.meta))
	entries := make([]route.BoundsEntry, 0, len(records))
	entryByID := make(map[string]route.BoundsEntry, len(records))
	for _, r := range records {
		meta[r.ID] = r.ActivityMeta
		e := r.Entry()
		entries = append(entries, e)
		entryByID[r.ID] = e
	}
	for id, m := range req.meta {
		meta[id] = m
	}

	c := p.GetCache()

	cp, err := p.resumableCheckpoint()
	if err != nil {
		return err
	}

	var work []string
	queued := make(map[string]bool)
	if cp != nil {
		for _, id := range cp.PendingIDs {
			if !queued[id] && !c.IsProcessed(id) {
				queued[id] = true
				work = append(work, id)
			}
		}
		for id, m := range cp.Metadata {
			if _, ok := meta[id]; !ok {
				meta[id] = m
			}
		}
	}
	resumed := len(work)

	policy := p.cfg.Match.Policy
	p.index.Build(entries, policy)
	isolated := 0
	for _, id := range req.ids {
		if queued[id] || c.IsProcessed(id) {
			continue
		}
		if m, ok := meta[id]; ok && !m.HasGPS {
			continue
		}
		// Without bounds there is nothing to pre-filter on; the trace decides.
		if e, ok := entryByID[id]; ok && len(route.FindCandidates(p.index, e, entries, policy)) == 0 {
			isolated++
			continue
		}
		queued[id] = true
		work = append(work, id)
	}
	Logf("[PIPELINE] %d to process (%d resumed), %d without a plausible counterpart", len(work), resumed, isolated)

	if len(work) == 0 {
		if cp != nil {
			if err := p.stores.Checkpoints.Clear(); err != nil {
				return fmt.Errorf("clear checkpoint: %w", err)
			}
		}
		p.emit(Progress{
			State:        StateComplete,
			RoutesFound:  len(c.Groups),
			MatchesFound: c.MatchCount(),
			Message:      "nothing to process",
		})
		return nil
	}

	checkpoint := &store.Checkpoint{
		RunID:      uuid.NewString(),
		Generation: pc.PrefilterGeneration,
		PendingIDs: work,
		Metadata:   make(map[string]route.ActivityMeta, len(work)),
		CreatedAt:  time.Now().UTC(),
	}
	if cp != nil && resumed > 0 {
		checkpoint.RunID = cp.RunID
		checkpoint.CreatedAt = cp.CreatedAt
	}
	for _, id := range work {
		if m, ok := meta[id]; ok {
			checkpoint.Metadata[id] = m
		}
	}
	if err := p.stores.Checkpoints.Save(checkpoint); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	runID := checkpoint.RunID

	batchSize := pc.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	total := len(work)
	for start := 0; start < total; start += batchSize {
		if p.canceled.Load() || ctx.Err() != nil {
			p.reportCanceled(runID, start, total)
			return nil
		}
		end := min(start+batchSize, total)
		batch := work[start:end]

		p.emit(Progress{RunID: runID, State: StateProcessing, Phase: PhaseFetching, Completed: start, Total: total})
		traces, err := p.loadTraces(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				p.reportCanceled(runID, start, total)
				return nil
			}
			return err
		}

		p.emit(Progress{RunID: runID, State: StateProcessing, Phase: PhaseMatching, Completed: start, Total: total})
		sigs := route.BuildSignatures(traces, p.cfg.Signature)
		for i, tr := range traces {
			c.Processed[tr.ActivityID] = true
			if sigs[i] == nil {
				Logf("[PIPELINE] %s has no usable trace, marking processed", tr.ActivityID)
				continue
			}
			sigs[i].ActivityType = meta[tr.ActivityID].Type
			c.Signatures[tr.ActivityID] = sigs[i]
		}

		p.emit(Progress{RunID: runID, State: StateProcessing, Phase: PhasePersisting, Completed: end, Total: total})
		if err := p.stores.Matches.Save(c); err != nil {
			return fmt.Errorf("persist batch: %w", err)
		}
		checkpoint.PendingIDs = work[end:]
		if err := p.stores.Checkpoints.Save(checkpoint); err != nil {
			return fmt.Errorf("update checkpoint: %w", err)
		}
		p.publish(c.Clone())

		if pc.YieldMillis > 0 && end < total {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(pc.YieldMillis) * time.Millisecond):
			}
		}
	}

	p.emit(Progress{RunID: runID, State: StateProcessing, Phase: PhaseMatching, Completed: total, Total: total, Message: "grouping routes"})
	p.restorePoints(c)
	labelTypes(c, meta)
	res := route.Cluster(c.SortedSignatures(), p.cfg.Match, p.cfg.Grouping)
	c.Matches = matchIndex(res.Matches)
	c.Groups = p.mergeGroups(c, res, meta)
	c.RebuildIndex()
	if err := c.CheckInvariants(); err != nil {
		return fmt.Errorf("merged cache is inconsistent: %w", err)
	}

	p.emit(Progress{RunID: runID, State: StateProcessing, Phase: PhasePersisting, Completed: total, Total: total})
	if err := p.stores.Matches.Save(c); err != nil {
		return fmt.Errorf("persist groups: %w", err)
	}
	if err := p.stores.Checkpoints.Clear(); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	p.publish(c.Clone())

	Logf("[PIPELINE] run %s complete: %d groups, %d matches", runID, len(c.Groups), c.MatchCount())
	p.emit(Progress{
		RunID:        runID,
		State:        StateComplete,
		Completed:    total,
		Total:        total,
		RoutesFound:  len(c.Groups),
		MatchesFound: c.MatchCount(),
	})
	p.startEnrichment(ctx, c)
	return nil
}

func (p *Pipeline) reportCanceled(runID string, completed, total int) {
	Logf("[PIPELINE] run %s canceled after %d/%d, checkpoint kept", runID, completed, total)
	p.emit(Progress{RunID: runID, State: StateIdle, Completed: completed, Total: total, Message: "canceled"})
}

// resumableCheckpoint loads the checkpoint of an interrupted run. A large
// checkpoint from another pre-filter generation is discarded.
func (p *Pipeline) resumableCheckpoint() (*store.Checkpoint, error) {
	cp, err := p.stores.Checkpoints.Load()
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pc := p.cfg.Pipeline
	if cp.Generation != pc.PrefilterGeneration && len(cp.PendingIDs) > pc.CheckpointCap {
		Logf("[PIPELINE] discarding stale checkpoint %s (generation %d, %d pending)", cp.RunID, cp.Generation, len(cp.PendingIDs))
		if err := p.stores.Checkpoints.Clear(); err != nil {
			return nil, fmt.Errorf("clear checkpoint: %w", err)
		}
		return nil, nil
	}
	Logf("[PIPELINE] resuming run %s with %d pending", cp.RunID, len(cp.PendingIDs))
	return cp, nil
}

// loadTraces returns the traces of batch in batch order, preferring the GPS
// store. Activities whose fetch fails are left out so a later sync retries
// them.
func (p *Pipeline) loadTraces(ctx context.Context, batch []string) ([]route.Trace, error) {
	points := make(map[string][]route.RoutePoint, len(batch))
	var missing []string
	for _, id := range batch {
		pts, err := p.stores.GPS.Load(id)
		switch {
		case err == nil:
			points[id] = pts
		case errors.Is(err, store.ErrNotFound):
			missing = append(missing, id)
		default:
			return nil, fmt.Errorf("load trace %s: %w", id, err)
		}
	}

	if len(missing) > 0 {
		fetched, err := p.fetchMissing(ctx, missing)
		if err != nil {
			return nil, err
		}
		for id, pts := range fetched {
			points[id] = pts
		}
	}

	traces := make([]route.Trace, 0, len(points))
	for _, id := range batch {
		if pts, ok := points[id]; ok {
			traces = append(traces, route.Trace{ActivityID: id, Points: pts})
		}
	}
	return traces, nil
}

// fetchMissing downloads traces concurrently under the fetch concurrency and
// rate limits. Only context errors are returned; per-activity failures are
// logged and omitted.
func (p *Pipeline) fetchMissing(ctx context.Context, ids []string) (map[string][]route.RoutePoint, error) {
	if p.streams == nil {
		Logf("[PIPELINE] %d activities have no stored trace and no stream provider is configured", len(ids))
		return nil, nil
	}

	results := make([][]route.RoutePoint, len(ids))
	ok := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.cfg.Pipeline.FetchConcurrency))
	for i, id := range ids {
		g.Go(func() error {
			pts, err := p.fetchTrace(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				Logf("[PIPELINE] fetch %s failed, retrying next sync: %v", id, err)
				return nil
			}
			results[i], ok[i] = pts, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string][]route.RoutePoint, len(ids))
	for i, id := range ids {
		if ok[i] {
			out[id] = results[i]
		}
	}
	return out, nil
}

// fetchTrace downloads one trace and writes it back to the GPS store.
func (p *Pipeline) fetchTrace(ctx context.Context, id string) ([]route.RoutePoint, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	s, err := p.streams.GetActivityStreams(ctx, id, []string{StreamLatLng})
	if err != nil {
		return nil, err
	}
	pts := route.FilterValidPoints(s.Points())
	if len(pts) > 0 {
		if err := p.stores.GPS.Save(id, pts); err != nil {
			Logf("[PIPELINE] caching trace %s: %v", id, err)
		}
	}
	return pts, nil
}

// trace returns one activity's stored trace, fetching it when missing.
func (p *Pipeline) trace(ctx context.Context, id string) ([]route.RoutePoint, error) {
	pts, err := p.stores.GPS.Load(id)
	if err == nil || !errors.Is(err, store.ErrNotFound) || p.streams == nil {
		return pts, err
	}
	return p.fetchTrace(ctx, id)
}

// restorePoints resamples signatures loaded without points from the GPS
// store. Signatures whose trace is gone are dropped and unmarked so the next
// sync analyzes them again.
func (p *Pipeline) restorePoints(c *route.ProcessingCache) {
	missing := c.MissingPoints()
	if len(missing) == 0 {
		return
	}
	restored := 0
	for _, id := range missing {
		pts, err := p.stores.GPS.Load(id)
		if err != nil {
			Logf("[PIPELINE] no stored trace for %s (%v), will reprocess", id, err)
			delete(c.Signatures, id)
			delete(c.Processed, id)
			continue
		}
		s := route.BuildSignature(id, pts, p.cfg.Signature)
		if s == nil {
			delete(c.Signatures, id)
			continue
		}
		s.ActivityType = c.Signatures[id].ActivityType
		c.Signatures[id] = s
		restored++
	}
	Logf("[PIPELINE] restored points for %d/%d signatures", restored, len(missing))
}

// labelTypes sets the activity type of cached signatures that were built
// without one, so clustering keeps different sports apart.
func labelTypes(c *route.ProcessingCache, meta map[string]route.ActivityMeta) {
	for id, s := range c.Signatures {
		m, ok := meta[id]
		if s == nil || s.ActivityType != "" || !ok || m.Type == "" {
			continue
		}
		cp := *s
		cp.ActivityType = m.Type
		c.Signatures[id] = &cp
	}
}

// matchIndex files each match under both of its activities.
func matchIndex(matches []route.MatchResult) map[string][]route.MatchResult {
	idx := make(map[string][]route.MatchResult)
	for _, m := range matches {
		idx[m.ActivityID1] = append(idx[m.ActivityID1], m)
		idx[m.ActivityID2] = append(idx[m.ActivityID2], m)
	}
	return idx
}
