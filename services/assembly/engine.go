package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Config holds engine bounds and filters.
type Config struct {
	// MaxSessions bounds tracked sessions; least-recently-active sessions
	// are evicted beyond it.
	MaxSessions int
	// MaxLinks bounds the parent-link table; only orphaned entries are
	// ever pruned.
	MaxLinks int
	// Actions is the action-name filter for the feed and bulk queries.
	Actions []string
	// Filter gates raw records before normalization.
	Filter Filter
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 200
	}
	if c.MaxLinks <= 0 {
		c.MaxLinks = 1000
	}
	if len(c.Actions) == 0 {
		c.Actions = DefaultActions
	}
}

// Update is pushed to watchers on every published change.
type Update struct {
	Revision uint64   `json:"revision"`
	Promoted []string `json:"promoted,omitempty"`
}

// Stats describes engine state for health reporting.
type Stats struct {
	Revision  uint64 `json:"revision"`
	Sessions  int    `json:"sessions"`
	Traces    int    `json:"traces"`
	Links     int    `json:"links"`
	Dropped   uint64 `json:"dropped_records"`
	Backfills int    `json:"backfills_in_flight"`
	Live      bool   `json:"live"`
}

type backfillState int

const (
	backfillPending backfillState = iota + 1
	backfillDone
)

// Engine is the session assembly engine. All mutations of the aggregation
// maps, the link table and the published forest are serialized through one
// mutex: the single-writer boundary. Backfill queries run concurrently but
// only touch shared state from their completion path, under the same
// mutex, and carry a generation stamp so a callback arriving after a
// reconfiguration is a no-op rather than a corrupting write.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	log    Log
	mirror LinkMirror
	norm   *Normalizer

	agg          *aggregator
	links        *linkTable
	backfills    map[string]backfillState
	gen          uint64
	revision     uint64
	roots        []*Session
	coordinators map[string]bool
	promoted     []string
	dropped      uint64
	live         bool
	watchers     map[chan Update]bool
}

// NewEngine creates an engine reading from log.
func NewEngine(log Log, cfg Config, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "assembly"),
		tracer:       otel.Tracer("assembly"),
		log:          log,
		norm:         NewNormalizer(logger),
		agg:          newAggregator(),
		links:        newLinkTable(),
		backfills:    make(map[string]backfillState),
		coordinators: make(map[string]bool),
		watchers:     make(map[chan Update]bool),
	}
}

// WithMirror sets the parent-link mirror.
func (e *Engine) WithMirror(m LinkMirror) *Engine {
	e.mirror = m
	return e
}

// LoadMirroredLinks seeds the link table from the mirror. Call once at
// startup, before Run.
func (e *Engine) LoadMirroredLinks(ctx context.Context) error {
	if e.mirror == nil {
		return nil
	}
	stored, err := e.mirror.LoadLinks(ctx)
	if err != nil {
		return fmt.Errorf("loading mirrored links: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	loaded := 0
	for child, parent := range stored {
		if e.links.record(child, parent) {
			loaded++
		}
	}
	if loaded > 0 {
		e.logger.Info("seeded parent links from mirror", "count", loaded)
	}
	return nil
}

// Resync fetches all spans in the window from the log, rebuilds the
// aggregation state in a single pass, seeds the link table from every
// discovered link, and publishes a fresh forest. The durable link table
// survives the rebuild.
func (e *Engine) Resync(ctx context.Context, since, until time.Time) error {
	ctx, span := e.tracer.Start(ctx, "assembly.resync")
	defer span.End()

	e.mu.Lock()
	q := Query{Since: since, Until: until, Actions: e.cfg.Actions}
	gen := e.gen
	log := e.log
	e.mu.Unlock()

	rows, err := log.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("resync query: %w", err)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		// Engine was reconfigured while the query was in flight; the rows
		// belong to the old configuration, possibly the old store.
		e.logger.Info("discarding stale resync", "rows", len(rows))
		return nil
	}
	e.gen++
	e.agg = newAggregator()
	e.backfills = make(map[string]backfillState)
	ingested := 0
	for _, rec := range rows {
		if !e.cfg.Filter.Admits(rec) {
			continue
		}
		sp, err := e.norm.Normalize(rec)
		if err != nil {
			e.dropped++
			e.logger.Warn("dropping malformed record", "error", err)
			continue
		}
		e.agg.ingest(sp)
		e.recordLinkLocked(ctx, sp)
		ingested++
	}
	e.rebuildLocked()
	e.logger.Info("resync complete",
		"rows", len(rows),
		"ingested", ingested,
		"sessions", len(e.agg.sessions),
		"revision", e.revision,
	)
	return nil
}

// Patch routes one incoming record through the aggregators and resolver
// and publishes a fresh forest. A full rebuild per patch is acceptable:
// its cost is bounded by the session cap.
func (e *Engine) Patch(ctx context.Context, rec Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Filter.Admits(rec) {
		return
	}
	sp, err := e.norm.Normalize(rec)
	if err != nil {
		e.dropped++
		e.logger.Debug("dropping malformed record", "error", err)
		return
	}
	e.agg.ingest(sp)
	e.recordLinkLocked(ctx, sp)
	e.maybeBackfillLocked(ctx, sp)
	e.rebuildLocked()
}

// Reset reconfigures the engine. A non-nil log replaces the active store
// and clears the link table (learned links belong to the old store); the
// aggregation state is always cleared. Outstanding backfill callbacks are
// invalidated by the generation bump.
func (e *Engine) Reset(log Log, cfg Config) {
	cfg.applyDefaults()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	if log != nil {
		e.log = log
		e.links = newLinkTable()
	}
	hadState := len(e.roots) > 0
	e.cfg = cfg
	e.agg = newAggregator()
	e.backfills = make(map[string]backfillState)
	e.coordinators = make(map[string]bool)
	e.promoted = nil
	if hadState {
		e.rebuildLocked()
	} else {
		e.roots = nil
	}
}

// Run subscribes to the change feed and patches the view for every
// delivered record. Blocks until ctx is cancelled or the feed closes.
// On disconnect the engine keeps serving its last-known forest; a
// subsequent Resync recovers without a restart.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	actions := e.cfg.Actions
	log := e.log
	e.mu.Unlock()

	ch, err := log.Subscribe(ctx, actions)
	if err != nil {
		return fmt.Errorf("subscribing to change feed: %w", err)
	}
	e.setLive(true)
	defer e.setLive(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				e.logger.Warn("change feed disconnected")
				return nil
			}
			e.Patch(ctx, rec)
		}
	}
}

// Snapshot returns the published root forest and its revision. The forest
// owns copies of every session and trace, so callers may read it without
// holding any lock, concurrently with further ingestion.
func (e *Engine) Snapshot() ([]*Session, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roots, e.revision
}

// Revision returns the current published revision.
func (e *Engine) Revision() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.revision
}

// ConsumePromoted returns the newly-promoted coordinator ids and clears
// them; they are valid for one cycle of UI emphasis.
func (e *Engine) ConsumePromoted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.promoted
	e.promoted = nil
	return p
}

// Stats reports engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := 0
	for _, st := range e.backfills {
		if st == backfillPending {
			pending++
		}
	}
	return Stats{
		Revision:  e.revision,
		Sessions:  len(e.agg.sessions),
		Traces:    len(e.agg.traces),
		Links:     e.links.size(),
		Dropped:   e.dropped,
		Backfills: pending,
		Live:      e.live,
	}
}

// Watch registers a watcher channel. Updates are dropped rather than
// blocking the writer when the watcher falls behind.
func (e *Engine) Watch() chan Update {
	ch := make(chan Update, 8)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watchers[ch] = true
	return ch
}

// Unwatch removes and closes a watcher channel.
func (e *Engine) Unwatch(ch chan Update) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchers[ch] {
		delete(e.watchers, ch)
		close(ch)
	}
}

// recordLinkLocked records an inline-declared parent link immediately,
// before any rebuild, so a child's place in the forest is never missed
// due to ordering within a single ingestion batch. Caller holds mu.
func (e *Engine) recordLinkLocked(ctx context.Context, sp Span) {
	if sp.ConversationID == "" || sp.ParentConversationID == "" {
		return
	}
	if !e.links.record(sp.ConversationID, sp.ParentConversationID) {
		return
	}
	if e.mirror != nil {
		child, parent := sp.ConversationID, sp.ParentConversationID
		mctx := context.WithoutCancel(ctx)
		go func() {
			if err := e.mirror.StoreLink(mctx, child, parent); err != nil {
				e.logger.Warn("link mirror write failed", "child", child, "error", err)
			}
		}()
	}
}

// maybeBackfillLocked issues at most one asynchronous lookup per
// conversation id for a parent link the live feed failed to deliver.
// Caller holds mu.
func (e *Engine) maybeBackfillLocked(ctx context.Context, sp Span) {
	conv := sp.ConversationID
	if conv == "" {
		return
	}
	if _, ok := e.links.parent(conv); ok {
		return
	}
	if e.backfills[conv] != 0 {
		return
	}
	e.backfills[conv] = backfillPending
	go e.backfill(context.WithoutCancel(ctx), e.gen, e.log, conv)
}

func (e *Engine) backfill(ctx context.Context, gen uint64, log Log, conv string) {
	ctx, span := e.tracer.Start(ctx, "assembly.backfill",
		trace.WithAttributes(attribute.String("conversation_id", conv)))
	defer span.End()

	rows, err := log.Query(ctx, Query{ConversationID: conv, Actions: CoordinationActions})

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		// Engine was reconfigured while the query was in flight.
		return
	}
	if err != nil {
		// Release the slot so a future trigger can retry.
		delete(e.backfills, conv)
		e.logger.Warn("backfill query failed", "conversation_id", conv, "error", err)
		return
	}
	e.backfills[conv] = backfillDone

	parent := ""
	for _, rec := range rows {
		if l, ok := extractLinkage(rec); ok && l.ParentConversationID != "" {
			parent = l.ParentConversationID
			break
		}
	}
	if parent == "" {
		e.logger.Debug("backfill found no parent", "conversation_id", conv)
		return
	}
	if e.links.record(conv, parent) {
		e.logger.Debug("backfilled parent link", "child", conv, "parent", parent)
		if e.mirror != nil {
			go func() {
				if err := e.mirror.StoreLink(ctx, conv, parent); err != nil {
					e.logger.Warn("link mirror write failed", "child", conv, "error", err)
				}
			}()
		}
		e.rebuildLocked()
	}
}

// rebuildLocked enforces caps, rebuilds the forest and publishes it with
// a new revision. Caller holds mu. Eviction runs strictly between
// rebuilds, before the builder touches any session, so the published
// forest never contains an evicted session.
func (e *Engine) rebuildLocked() {
	evicted, pruned := enforceCaps(e.agg, e.links, e.cfg.MaxSessions, e.cfg.MaxLinks)
	if evicted > 0 || pruned > 0 {
		e.logger.Debug("caps enforced", "sessions_evicted", evicted, "links_pruned", pruned)
	}

	roots, coordinators, promoted := buildForest(e.agg, e.links, e.coordinators)
	e.roots = roots
	e.coordinators = coordinators
	e.promoted = promoted
	e.revision++

	upd := Update{Revision: e.revision, Promoted: promoted}
	for ch := range e.watchers {
		select {
		case ch <- upd:
		default:
		}
	}
}

func (e *Engine) setLive(v bool) {
	e.mu.Lock()
	e.live = v
	e.mu.Unlock()
}
