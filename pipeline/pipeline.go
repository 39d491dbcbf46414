// Package pipeline drives the resumable background analysis that turns
// synced activities into route groups: pre-filter, fetch, signature, match,
// cluster, persist and enrich.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kwv/routemesh/route"
	"github.com/kwv/routemesh/store"
)

// Logf is the pipeline logger. Tests replace it to silence output.
var Logf = log.Printf

var (
	// ErrBusy is returned by operations that cannot run while analysis is in
	// progress.
	ErrBusy = errors.New("pipeline is busy")

	// ErrGroupNotFound is returned for unknown route group ids.
	ErrGroupNotFound = errors.New("route group not found")
)

// State is the pipeline's top-level state.
type State string

const (
	StateIdle       State = "idle"
	StateFiltering  State = "filtering"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateError      State = "error"
)

// Phase is the sub-phase of StateProcessing.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseFetching   Phase = "fetching"
	PhaseMatching   Phase = "matching"
	PhasePersisting Phase = "persisting"
)

// Progress is a snapshot of the pipeline state delivered to observers.
type Progress struct {
	RunID        string    `json:"runId,omitempty"`
	State        State     `json:"state"`
	Phase        Phase     `json:"phase,omitempty"`
	Completed    int       `json:"completed"`
	Total        int       `json:"total"`
	RoutesFound  int       `json:"routesFound"`
	MatchesFound int       `json:"matchesFound"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Busy reports whether the state is one of the running states.
func (p Progress) Busy() bool {
	return p.State == StateFiltering || p.State == StateProcessing
}

// Options wires a Pipeline to its collaborators.
type Options struct {
	Config *route.Config
	Stores store.Stores

	// Streams fetches traces missing from the GPS store. Nil means only
	// stored traces are analyzed.
	Streams StreamProvider

	// Geocoder names new groups. Nil disables enrichment.
	Geocoder Geocoder
}

// request is one queued unit of work.
type request struct {
	ids    []string
	meta   map[string]route.ActivityMeta
	bounds []store.BoundsRecord
}

// merge folds o into r: ids and metadata are unioned, bounds replaced by the
// more recent set.
func (r *request) merge(o *request) {
	seen := make(map[string]bool, len(r.ids))
	for _, id := range r.ids {
		seen[id] = true
	}
	for _, id := range o.ids {
		if !seen[id] {
			seen[id] = true
			r.ids = append(r.ids, id)
		}
	}
	if r.meta == nil {
		r.meta = make(map[string]route.ActivityMeta)
	}
	for id, m := range o.meta {
		r.meta[id] = m
	}
	if o.bounds != nil {
		r.bounds = o.bounds
	}
}

// Pipeline owns the ProcessingCache. Only one run executes at a time; a
// request arriving while busy becomes a single pending follow-up.
type Pipeline struct {
	cfg      *route.Config
	stores   store.Stores
	streams  StreamProvider
	geocoder Geocoder
	limiter  *rate.Limiter
	index    *route.SpatialIndex

	// runMu is held for the duration of a run and while enrichment applies
	// names, serializing every cache mutation.
	runMu sync.Mutex

	mu        sync.Mutex
	cache     *route.ProcessingCache
	running   bool
	pending   *request
	progress  Progress
	done      chan struct{}
	nextSub   int
	progSubs  map[int]func(Progress)
	cacheSubs map[int]func(*route.ProcessingCache)

	canceled atomic.Bool
	enrichWG sync.WaitGroup
}

// New creates a pipeline and loads the persisted cache.
func New(opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = route.DefaultConfig()
	}
	if opts.Stores.Matches == nil || opts.Stores.GPS == nil || opts.Stores.Bounds == nil || opts.Stores.Checkpoints == nil {
		return nil, fmt.Errorf("pipeline: all stores are required")
	}

	cache, err := opts.Stores.Matches.Load()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	fetchRate := rate.Inf
	if cfg.Pipeline.FetchRatePerSecond > 0 {
		fetchRate = rate.Limit(cfg.Pipeline.FetchRatePerSecond)
	}

	p := &Pipeline{
		cfg:       cfg,
		stores:    opts.Stores,
		streams:   opts.Streams,
		limiter:   rate.NewLimiter(fetchRate, 1),
		index:     route.NewSpatialIndex(),
		cache:     cache,
		progress:  Progress{State: StateIdle, Timestamp: time.Now()},
		progSubs:  make(map[int]func(Progress)),
		cacheSubs: make(map[int]func(*route.ProcessingCache)),
	}
	if opts.Geocoder != nil {
		p.geocoder = newCachedGeocoder(opts.Geocoder, cfg.Geocoder)
	}
	Logf("[PIPELINE] loaded cache: %d signatures, %d groups, %d processed",
		len(cache.Signatures), len(cache.Groups), len(cache.Processed))
	return p, nil
}

var (
	defaultPipeline *Pipeline
	defaultMu       sync.Mutex
)

// SetDefault installs p as the process-wide pipeline.
func SetDefault(p *Pipeline) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultPipeline = p
}

// Default returns the process-wide pipeline, or nil before SetDefault.
func Default() *Pipeline {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultPipeline
}

// QueueActivities starts analysis of ids in the background. If a run is
// already active the request is folded into the pending follow-up and nil is
// returned. ctx bounds the whole run, including any follow-up.
//
// meta supplies per-activity metadata and bounds the activities' bounding
// boxes; both are merged into the bounds store before pre-filtering.
func (p *Pipeline) QueueActivities(ctx context.Context, ids []string, meta map[string]route.ActivityMeta, bounds []store.BoundsRecord) error {
	req := &request{ids: append([]string(nil), ids...), meta: make(map[string]route.ActivityMeta), bounds: bounds}
	for id, m := range meta {
		req.meta[id] = m
	}

	p.mu.Lock()
	if p.running {
		if p.pending == nil {
			p.pending = &request{}
		}
		p.pending.merge(req)
		n := len(p.pending.ids)
		p.mu.Unlock()
		Logf("[PIPELINE] busy, follow-up now holds %d activities", n)
		return nil
	}
	p.running = true
	p.done = make(chan struct{})
	p.canceled.Store(false)
	p.mu.Unlock()

	go p.drain(ctx, req)
	return nil
}

// drain executes req and then any follow-ups queued meanwhile.
func (p *Pipeline) drain(ctx context.Context, req *request) {
	for {
		p.safeRun(ctx, req)

		p.mu.Lock()
		next := p.pending
		p.pending = nil
		p.canceled.Store(false)
		if next == nil || ctx.Err() != nil {
			p.running = false
			close(p.done)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		req = next
	}
}

// safeRun converts a panic in run into an error state.
func (p *Pipeline) safeRun(ctx context.Context, req *request) {
	defer func() {
		if r := recover(); r != nil {
			Logf("[PIPELINE] run panicked: %v", r)
			p.emit(Progress{State: StateError, Message: fmt.Sprintf("internal error: %v", r)})
		}
	}()
	if err := p.run(ctx, req); err != nil {
		Logf("[PIPELINE] run failed: %v", err)
		p.emit(Progress{State: StateError, Message: err.Error()})
	}
}

// Wait blocks until the pipeline is idle or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitEnrichment blocks until background group naming has finished.
func (p *Pipeline) WaitEnrichment() {
	p.enrichWG.Wait()
}

// Running reports whether a run is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Cancel asks the active run to stop at the next batch boundary and drops
// any pending follow-up. The checkpoint is kept for a later resume.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.canceled.Store(true)
	p.pending = nil
	Logf("[PIPELINE] cancel requested")
}

// Progress returns the most recent progress snapshot.
func (p *Pipeline) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// GetCache returns a deep copy of the current cache.
func (p *Pipeline) GetCache() *route.ProcessingCache {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Clone()
}

// OnProgress registers fn for progress updates and returns a function that
// removes it. fn runs on the pipeline goroutine and must not block.
func (p *Pipeline) OnProgress(fn func(Progress)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.progSubs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.progSubs, id)
	}
}

// OnCacheUpdate registers fn for every persisted cache change. fn receives
// its own copy.
func (p *Pipeline) OnCacheUpdate(fn func(*route.ProcessingCache)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.cacheSubs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.cacheSubs, id)
	}
}

// emit records pr as current and notifies observers in subscription order.
func (p *Pipeline) emit(pr Progress) {
	if pr.Timestamp.IsZero() {
		pr.Timestamp = time.Now()
	}
	p.mu.Lock()
	p.progress = pr
	subs := make([]func(Progress), 0, len(p.progSubs))
	for _, id := range sortedKeys(p.progSubs) {
		subs = append(subs, p.progSubs[id])
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(pr)
	}
}

// publish swaps in c as the current cache and notifies cache observers.
func (p *Pipeline) publish(c *route.ProcessingCache) {
	p.mu.Lock()
	p.cache = c
	subs := make([]func(*route.ProcessingCache), 0, len(p.cacheSubs))
	for _, id := range sortedKeys(p.cacheSubs) {
		subs = append(subs, p.cacheSubs[id])
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(c.Clone())
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// ClearCache discards all analysis results and any checkpoint. Raw GPS and
// bounds data are kept.
func (p *Pipeline) ClearCache(ctx context.Context) error {
	if !p.runMu.TryLock() {
		return ErrBusy
	}
	defer p.runMu.Unlock()
	if p.Running() {
		return ErrBusy
	}
	return p.clearLocked()
}

func (p *Pipeline) clearLocked() error {
	if err := p.stores.Matches.Clear(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if err := p.stores.Checkpoints.Clear(); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	p.index.Reset()
	p.publish(route.NewProcessingCache())
	p.emit(Progress{State: StateIdle, Message: "cache cleared"})
	Logf("[PIPELINE] cache cleared")
	return nil
}

// ReanalyzeAll clears the cache and queues every activity known to the bounds
// or GPS stores.
func (p *Pipeline) ReanalyzeAll(ctx context.Context) error {
	if !p.runMu.TryLock() {
		return ErrBusy
	}
	if p.Running() {
		p.runMu.Unlock()
		return ErrBusy
	}
	err := p.clearLocked()
	p.runMu.Unlock()
	if err != nil {
		return err
	}

	records, err := p.stores.Bounds.List()
	if err != nil {
		return fmt.Errorf("reanalyze: %w", err)
	}
	gpsIDs, err := p.stores.GPS.IDs()
	if err != nil {
		return fmt.Errorf("reanalyze: %w", err)
	}

	meta := make(map[string]route.ActivityMeta, len(records))
	ids := make([]string, 0, len(records)+len(gpsIDs))
	for _, r := range records {
		meta[r.ID] = r.ActivityMeta
		ids = append(ids, r.ID)
	}
	for _, id := range gpsIDs {
		if _, ok := meta[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	Logf("[PIPELINE] reanalyzing %d activities", len(ids))
	return p.QueueActivities(ctx, ids, meta, nil)
}

// HandleCommand executes a remote control command.
func (p *Pipeline) HandleCommand(ctx context.Context, command string) error {
	switch command {
	case "cancel":
		p.Cancel()
		return nil
	case "reanalyze":
		return p.ReanalyzeAll(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
