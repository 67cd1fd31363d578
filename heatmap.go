package fieldsync

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"
)

const heatmapShards = 32

// HeatmapConfig configures the spatial aggregator.
type HeatmapConfig struct {
	// CellSizeDeg is the grid resolution in degrees. Default 0.0025
	// (roughly 250m at mid latitudes).
	CellSizeDeg float64 `yaml:"cell_size_deg"`
	// IntensityHalfLife controls recency weighting: a knock's contribution
	// to cell intensity halves every half-life. Default 7 days.
	IntensityHalfLife time.Duration `yaml:"intensity_half_life"`
}

// BoundingBox is a lat/lon query window.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// Contains reports whether the box contains the point.
func (b BoundingBox) Contains(p GeoPoint) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// HeatmapCell is one aggregated grid cell. Cells are derived state,
// rebuildable at any time by replaying the knock log.
type HeatmapCell struct {
	CellID string `json:"cellId"`
	// Lat/Lon are the cell's southwest corner.
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	KnockCount uint64  `json:"knockCount"`
	// Intensity is the recency-weighted activity score: the sum of
	// exp-decayed contributions of every knock in the cell.
	Intensity           float64 `json:"intensity"`
	LastUpdatedSequence uint64  `json:"lastUpdatedSequence"`
}

type heatmapCellState struct {
	latIdx, lonIdx int64
	count          uint64
	// intensity is normalized to lastMillis: the decayed sum of all
	// contributions as of the newest knock timestamp seen.
	intensity  float64
	lastMillis int64
	lastSeq    uint64
}

type heatmapShard struct {
	mu    sync.Mutex
	cells map[string]*heatmapCellState
}

// Heatmap maintains spatial bucket counts and recency intensity over the
// accepted knock stream. Cells lock independently; there is no global lock
// on the apply path.
type Heatmap struct {
	cfg    HeatmapConfig
	shards [heatmapShards]*heatmapShard
}

// NewHeatmap creates an empty aggregator.
func NewHeatmap(cfg HeatmapConfig) *Heatmap {
	if cfg.CellSizeDeg <= 0 {
		cfg.CellSizeDeg = 0.0025
	}
	if cfg.IntensityHalfLife <= 0 {
		cfg.IntensityHalfLife = 7 * 24 * time.Hour
	}
	h := &Heatmap{cfg: cfg}
	for i := range h.shards {
		h.shards[i] = &heatmapShard{cells: make(map[string]*heatmapCellState)}
	}
	return h
}

// CellID returns the grid bin key for a location.
func (h *Heatmap) CellID(p GeoPoint) string {
	latIdx, lonIdx := h.cellIdx(p)
	return fmt.Sprintf("cell_%d_%d", latIdx, lonIdx)
}

func (h *Heatmap) cellIdx(p GeoPoint) (int64, int64) {
	return int64(math.Floor(p.Lat / h.cfg.CellSizeDeg)), int64(math.Floor(p.Lon / h.cfg.CellSizeDeg))
}

func (h *Heatmap) shardFor(cellID string) *heatmapShard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(cellID))
	return h.shards[f.Sum32()%heatmapShards]
}

// decay returns the decay factor after dtMillis.
func (h *Heatmap) decay(dtMillis int64) float64 {
	if dtMillis <= 0 {
		return 1
	}
	halfLife := float64(h.cfg.IntensityHalfLife.Milliseconds())
	return math.Exp(-math.Ln2 * float64(dtMillis) / halfLife)
}

// Apply folds one accepted knock into the aggregate. The update is
// commutative over knocks, so incremental state matches a full replay
// regardless of arrival order.
func (h *Heatmap) Apply(k Knock) {
	latIdx, lonIdx := h.cellIdx(k.Location)
	cellID := fmt.Sprintf("cell_%d_%d", latIdx, lonIdx)
	shard := h.shardFor(cellID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	c, ok := shard.cells[cellID]
	if !ok {
		c = &heatmapCellState{latIdx: latIdx, lonIdx: lonIdx}
		shard.cells[cellID] = c
	}
	c.count++
	t := k.ClientTimestamp.WallMillis
	if t >= c.lastMillis {
		c.intensity = c.intensity*h.decay(t-c.lastMillis) + 1
		c.lastMillis = t
	} else {
		// Late arrival: fold in its already-decayed contribution.
		c.intensity += h.decay(c.lastMillis - t)
	}
	if k.ServerSequence > c.lastSeq {
		c.lastSeq = k.ServerSequence
	}
}

// Query returns up to maxCells cells intersecting bounds, sorted by
// descending intensity. Intensities are decayed to a common reference (the
// newest knock timestamp among the matched cells) so relative heat is
// comparable across cells.
func (h *Heatmap) Query(bounds BoundingBox, maxCells int) []HeatmapCell {
	if maxCells <= 0 {
		maxCells = 1000
	}

	var matched []HeatmapCell
	var refMillis int64
	var states []heatmapCellState

	for _, shard := range h.shards {
		shard.mu.Lock()
		for _, c := range shard.cells {
			lat := float64(c.latIdx) * h.cfg.CellSizeDeg
			lon := float64(c.lonIdx) * h.cfg.CellSizeDeg
			if lat+h.cfg.CellSizeDeg < bounds.MinLat || lat > bounds.MaxLat ||
				lon+h.cfg.CellSizeDeg < bounds.MinLon || lon > bounds.MaxLon {
				continue
			}
			states = append(states, *c)
			if c.lastMillis > refMillis {
				refMillis = c.lastMillis
			}
		}
		shard.mu.Unlock()
	}

	for _, c := range states {
		matched = append(matched, HeatmapCell{
			CellID:              fmt.Sprintf("cell_%d_%d", c.latIdx, c.lonIdx),
			Lat:                 float64(c.latIdx) * h.cfg.CellSizeDeg,
			Lon:                 float64(c.lonIdx) * h.cfg.CellSizeDeg,
			KnockCount:          c.count,
			Intensity:           c.intensity * h.decay(refMillis-c.lastMillis),
			LastUpdatedSequence: c.lastSeq,
		})
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Intensity != matched[j].Intensity {
			return matched[i].Intensity > matched[j].Intensity
		}
		return matched[i].CellID < matched[j].CellID
	})
	if len(matched) > maxCells {
		matched = matched[:maxCells]
	}
	return matched
}

// Reset discards all aggregate state.
func (h *Heatmap) Reset() {
	for _, shard := range h.shards {
		shard.mu.Lock()
		shard.cells = make(map[string]*heatmapCellState)
		shard.mu.Unlock()
	}
}

// Rebuild discards state and replays the knock log from sequence zero.
// This is the recovery path after corruption; there is no separate backup
// format for heatmap state.
func (h *Heatmap) Rebuild(ctx context.Context, store RecordStore) error {
	h.Reset()
	var seq uint64
	for {
		batch, err := store.KnocksSince(ctx, seq, 1000)
		if err != nil {
			return fmt.Errorf("heatmap rebuild failed: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, k := range batch {
			h.Apply(k)
		}
		seq = batch[len(batch)-1].ServerSequence
	}
}
