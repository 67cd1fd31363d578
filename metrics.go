package fieldsync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// MetricsConfig configures the Prometheus remote-write pusher.
type MetricsConfig struct {
	// Enabled turns on the background pusher
	Enabled bool `yaml:"enabled"`
	// Endpoint is the remote-write URL, e.g.
	// http://prometheus:9090/api/v1/write
	Endpoint string `yaml:"endpoint"`
	// Interval between pushes. Default: 15 seconds.
	Interval time.Duration `yaml:"-"`
	// Job is the job label on exported series. Default: fieldsync.
	Job string `yaml:"job"`
}

func (c *MetricsConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Job == "" {
		c.Job = "fieldsync"
	}
}

// MetricsPusher periodically exports engine counters over the Prometheus
// remote-write protocol.
type MetricsPusher struct {
	engine *Engine
	config MetricsConfig
	client *http.Client

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewMetricsPusher creates a pusher for the engine's counters.
func NewMetricsPusher(e *Engine, cfg MetricsConfig) *MetricsPusher {
	cfg.normalize()
	return &MetricsPusher{
		engine: e,
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the background push loop.
func (p *MetricsPusher) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.loop()
}

// Stop halts the push loop.
func (p *MetricsPusher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh
}

func (p *MetricsPusher) loop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			_ = p.Push(context.Background())
		}
	}
}

// buildWriteRequest converts a stats snapshot into remote-write series.
func (p *MetricsPusher) buildWriteRequest(stats EngineStats, nowMillis int64) *prompb.WriteRequest {
	counters := []struct {
		name  string
		value uint64
	}{
		{"fieldsync_sync_sessions_total", stats.SyncSessions},
		{"fieldsync_knocks_accepted_total", stats.KnocksAccepted},
		{"fieldsync_leads_merged_total", stats.LeadsMerged},
		{"fieldsync_leads_rejected_total", stats.LeadsRejected},
		{"fieldsync_conflicts_resolved_total", stats.ConflictsResolved},
		{"fieldsync_duplicate_submissions_total", stats.Duplicates},
		{"fieldsync_coaching_scored_total", stats.CoachingScored},
		{"fieldsync_archived_segments_total", stats.ArchivedSegments},
	}

	req := &prompb.WriteRequest{
		Timeseries: make([]prompb.TimeSeries, 0, len(counters)),
	}
	for _, c := range counters {
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: c.name},
				{Name: "job", Value: p.config.Job},
			},
			Samples: []prompb.Sample{
				{Value: float64(c.value), Timestamp: nowMillis},
			},
		})
	}
	return req
}

// Push sends one counter snapshot to the remote-write endpoint.
func (p *MetricsPusher) Push(ctx context.Context) error {
	req := p.buildWriteRequest(p.engine.Stats(), time.Now().UnixMilli())

	raw, err := req.Marshal()
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, raw)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote write returned %d", resp.StatusCode)
	}
	return nil
}
