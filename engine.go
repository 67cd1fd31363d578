package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Engine is the server-side half of the offline-first sync protocol. It
// owns the globally ordered knock log, the authoritative lead records, the
// idempotency ledger, and the derived heatmap, all on top of a pluggable
// RecordStore.
type Engine struct {
	config Config
	store  RecordStore

	// seq holds the last assigned server sequence. Assignment is a single
	// atomic increment shared across all sessions; the high-water mark is
	// persisted inside each session's transaction.
	seq atomic.Uint64

	// seqMu serializes sequence assignment with transaction commit so a
	// reader snapshot never observes sequence n before n-1 is durable.
	seqMu sync.Mutex

	ledger  *Ledger
	heatmap *Heatmap
	hub     *StreamHub
	scorer  CoachingScorer

	// clock issues timestamps for server-originated mutations (leads
	// created through the HTTP convenience endpoints).
	clock *Clock

	stats engineStats

	// ownStore is false when the store was supplied by the caller.
	ownStore bool

	mu        sync.Mutex
	closed    bool
	closeCh   chan struct{}
	lifecycle *lifecycleManager
}

type engineStats struct {
	syncSessions      atomic.Uint64
	knocksAccepted    atomic.Uint64
	leadsMerged       atomic.Uint64
	leadsRejected     atomic.Uint64
	conflictsResolved atomic.Uint64
	duplicates        atomic.Uint64
	coachingScored    atomic.Uint64
	archivedSegments  atomic.Uint64
}

// EngineStats is a point-in-time snapshot of engine counters.
type EngineStats struct {
	SyncSessions      uint64 `json:"syncSessions"`
	KnocksAccepted    uint64 `json:"knocksAccepted"`
	LeadsMerged       uint64 `json:"leadsMerged"`
	LeadsRejected     uint64 `json:"leadsRejected"`
	ConflictsResolved uint64 `json:"conflictsResolved"`
	Duplicates        uint64 `json:"duplicates"`
	CoachingScored    uint64 `json:"coachingScored"`
	ArchivedSegments  uint64 `json:"archivedSegments"`
}

// lifecycleManager manages background workers and external services.
type lifecycleManager struct {
	engine     *Engine
	httpServer *httpServer
	archiver   *Archiver
	pusher     *MetricsPusher
	mu         sync.Mutex
}

func (lm *lifecycleManager) stop() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.httpServer != nil {
		_ = lm.httpServer.Close()
		lm.httpServer = nil
	}
	if lm.pusher != nil {
		lm.pusher.Stop()
		lm.pusher = nil
	}
	if lm.archiver != nil {
		lm.archiver.Stop()
		lm.archiver = nil
	}
}

// Open creates an engine over the configured record store, rebuilds derived
// state from the knock log, and starts the configured services.
func Open(cfg Config) (*Engine, error) {
	cfg.normalize()

	e := &Engine{
		config:  cfg,
		scorer:  cfg.Scorer,
		clock:   NewClock("server"),
		closeCh: make(chan struct{}),
	}
	e.lifecycle = &lifecycleManager{engine: e}

	switch {
	case cfg.Storage.Store != nil:
		e.store = cfg.Storage.Store
	case cfg.Storage.Backend == "memory":
		e.store = NewMemoryStore()
		e.ownStore = true
	case cfg.Storage.Backend == "sqlite":
		sc := DefaultSQLiteStoreConfig(cfg.Storage.Path)
		if cfg.Storage.SQLite != nil {
			sc = *cfg.Storage.SQLite
		}
		store, err := NewSQLiteStore(sc)
		if err != nil {
			return nil, err
		}
		e.store = store
		e.ownStore = true
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	ctx := context.Background()
	hw, err := e.store.GetCounter(ctx, counterKnockSeq)
	if err != nil {
		e.closeStore()
		return nil, err
	}
	e.seq.Store(hw)

	e.ledger = NewLedger(e.store, cfg.Sync.LedgerRetention)
	e.heatmap = NewHeatmap(cfg.Heatmap)
	e.hub = NewStreamHub(cfg.Stream)

	// Heatmap state is derived; rebuild it from the hot log on open.
	if err := e.heatmap.Rebuild(ctx, e.store); err != nil {
		e.closeStore()
		return nil, err
	}

	if cfg.Archive.Enabled {
		archiver, err := NewArchiver(e, cfg.Archive)
		if err != nil {
			e.closeStore()
			return nil, err
		}
		e.lifecycle.archiver = archiver
		archiver.Start()
	}

	if cfg.Metrics.Enabled {
		e.lifecycle.pusher = NewMetricsPusher(e, cfg.Metrics)
		e.lifecycle.pusher.Start()
	}

	if cfg.HTTP.Enabled {
		server, err := startHTTPServer(e, cfg.HTTP)
		if err != nil {
			e.lifecycle.stop()
			e.closeStore()
			return nil, err
		}
		e.lifecycle.httpServer = server
	}

	go e.backgroundWorker()

	return e, nil
}

// Close stops services and closes the engine-owned store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closeCh)
	e.lifecycle.stop()
	e.hub.CloseAll()
	return e.closeStore()
}

func (e *Engine) closeStore() error {
	if e.ownStore && e.store != nil {
		return e.store.Close()
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) backgroundWorker() {
	purgeTicker := time.NewTicker(time.Hour)
	defer purgeTicker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-purgeTicker.C:
			_ = e.ledger.Purge(context.Background())
		}
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		SyncSessions:      e.stats.syncSessions.Load(),
		KnocksAccepted:    e.stats.knocksAccepted.Load(),
		LeadsMerged:       e.stats.leadsMerged.Load(),
		LeadsRejected:     e.stats.leadsRejected.Load(),
		ConflictsResolved: e.stats.conflictsResolved.Load(),
		Duplicates:        e.stats.duplicates.Load(),
		CoachingScored:    e.stats.coachingScored.Load(),
		ArchivedSegments:  e.stats.archivedSegments.Load(),
	}
}

// Heatmap returns the spatial aggregator.
func (e *Engine) Heatmap() *Heatmap {
	return e.heatmap
}

// Store returns the underlying record store.
func (e *Engine) Store() RecordStore {
	return e.store
}

// Hub returns the live knock stream hub.
func (e *Engine) Hub() *StreamHub {
	return e.hub
}

// LogKnock accepts a single knock outside a batched sync session (the
// online logging path). It runs through the same sequencing and idempotency
// machinery as a one-record sync batch.
func (e *Engine) LogKnock(ctx context.Context, k Knock) (*AcceptedKnock, error) {
	if k.KnockID == "" {
		k.KnockID = NewRecordID("knock")
	}
	if k.DeviceID == "" {
		k.DeviceID = "server"
	}
	if k.ClientTimestamp.IsZero() {
		k.ClientTimestamp = e.clock.Now()
	}
	resp, err := e.Sync(ctx, &SyncRequest{
		DeviceID: k.DeviceID,
		RepID:    k.RepID,
		Cursor:   Cursor{KnockSeq: e.seq.Load()},
		Knocks:   []Knock{k},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Accepted.Knocks) != 1 {
		return nil, errors.New("knock was not accepted")
	}
	a := resp.Accepted.Knocks[0]
	return &a, nil
}

// CreateLead creates a lead through the resolver path, minting an ID when
// the caller does not supply one. Returns the stored lead.
func (e *Engine) CreateLead(ctx context.Context, lead Lead) (*Lead, error) {
	if lead.LeadID == "" {
		lead.LeadID = NewRecordID("lead")
	}
	if lead.Status == "" {
		lead.Status = StatusNew
	}
	resp, err := e.Sync(ctx, &SyncRequest{
		DeviceID: "server",
		Cursor:   Cursor{KnockSeq: e.seq.Load()},
		LeadDeltas: []LeadDelta{{
			ClientRecordID: NewRecordID("req"),
			DeviceID:       "server",
			Timestamp:      e.clock.Now(),
			Lead:           lead,
		}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Rejected) > 0 {
		r := resp.Rejected[0]
		return nil, newSyncError(SyncErrorTypeStale, "lead creation rejected: "+r.Reason, r.LeadID, r.CurrentServerState, ErrStaleWrite)
	}
	return e.store.GetLead(ctx, lead.LeadID)
}

// GetLead returns the current server copy of a lead.
func (e *Engine) GetLead(ctx context.Context, leadID string) (*Lead, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.store.GetLead(ctx, leadID)
}

// ListLeads returns current leads, optionally filtered by owner rep and
// status.
func (e *Engine) ListLeads(ctx context.Context, ownerRepID string, status LeadStatus) ([]Lead, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return e.store.ListLeads(ctx, ownerRepID, status)
}

// KnocksByRep returns a rep's accepted knocks in a client-timestamp window.
func (e *Engine) KnocksByRep(ctx context.Context, repID string, start, end time.Time, limit int) ([]Knock, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	var startMillis, endMillis int64
	if !start.IsZero() {
		startMillis = start.UnixMilli()
	}
	if !end.IsZero() {
		endMillis = end.UnixMilli()
	}
	return e.store.KnocksByRep(ctx, repID, startMillis, endMillis, limit)
}

// QueryHeatmap returns heatmap cells in the bounding box sorted by
// descending intensity.
func (e *Engine) QueryHeatmap(bounds BoundingBox, maxCells int) []HeatmapCell {
	return e.heatmap.Query(bounds, maxCells)
}

// TerritorySummary is a per-rep activity rollup derived from the knock log.
type TerritorySummary struct {
	RepID         string               `json:"repId"`
	KnockCount    int                  `json:"knockCount"`
	OutcomeCounts map[KnockOutcome]int `json:"outcomeCounts"`
	CoveredCells  []string             `json:"coveredCells"`
	LastActivity  *Timestamp           `json:"lastActivity,omitempty"`
}

// Territory summarizes a rep's field activity.
func (e *Engine) Territory(ctx context.Context, repID string) (*TerritorySummary, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	knocks, err := e.store.KnocksByRep(ctx, repID, 0, 0, 0)
	if err != nil {
		return nil, err
	}

	sum := &TerritorySummary{
		RepID:         repID,
		KnockCount:    len(knocks),
		OutcomeCounts: make(map[KnockOutcome]int),
	}
	cells := make(map[string]bool)
	for i := range knocks {
		k := knocks[i]
		sum.OutcomeCounts[k.Outcome]++
		cells[e.heatmap.CellID(k.Location)] = true
		if sum.LastActivity == nil || sum.LastActivity.Before(k.ClientTimestamp) {
			ts := k.ClientTimestamp
			sum.LastActivity = &ts
		}
	}
	for c := range cells {
		sum.CoveredCells = append(sum.CoveredCells, c)
	}
	sort.Strings(sum.CoveredCells)
	return sum, nil
}
