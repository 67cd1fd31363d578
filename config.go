package fieldsync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// Storage selects the record store backing the engine.
	Storage StorageConfig `yaml:"storage"`

	// Sync holds sync session settings.
	Sync SyncConfig `yaml:"sync"`

	// Heatmap configures the spatial aggregator.
	Heatmap HeatmapConfig `yaml:"heatmap"`

	// HTTP configures the HTTP API server.
	HTTP HTTPConfig `yaml:"http"`

	// Stream configures WebSocket streaming of accepted knocks.
	Stream StreamConfig `yaml:"stream"`

	// Archive configures cold archival of the knock log.
	Archive ArchiveConfig `yaml:"archive"`

	// Metrics configures the Prometheus remote-write pusher.
	Metrics MetricsConfig `yaml:"metrics"`

	// Scorer is the external AI-coaching capability. Optional; when nil
	// the coaching surface is disabled. Not configurable from YAML.
	Scorer CoachingScorer `yaml:"-"`
}

// StorageConfig selects and configures the record store.
type StorageConfig struct {
	// Backend is "memory" or "sqlite". Default: memory.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file path, required for the sqlite
	// backend.
	Path string `yaml:"path"`

	// SQLite overrides the derived SQLite settings.
	SQLite *SQLiteStoreConfig `yaml:"-"`

	// Store is a caller-provided RecordStore. If set, Backend and Path
	// are ignored and the engine does not close the store.
	Store RecordStore `yaml:"-"`
}

// SyncConfig groups sync session settings.
type SyncConfig struct {
	// MaxBatchSize is the maximum records (knocks + lead deltas) accepted
	// in one submitted batch. Default: 1000.
	MaxBatchSize int `yaml:"max_batch_size"`

	// MaxDeltaBatch bounds the server-side delta returned per session;
	// when more remain the response sets hasMore. Default: 500.
	MaxDeltaBatch int `yaml:"max_delta_batch"`

	// LedgerRetention is how long recorded submission outcomes are kept
	// to absorb retried syncs. Default: 30 days.
	LedgerRetention time.Duration `yaml:"-"`
}

// HTTPConfig configures the HTTP API server.
type HTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	// Port to listen on. Default: 8099.
	Port int `yaml:"port"`
	// RateLimitPerSecond is the maximum requests per second per IP.
	// Default: 100. Set to 0 to disable rate limiting.
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
}

// normalize applies defaults in place.
func (c *Config) normalize() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Sync.MaxBatchSize <= 0 {
		c.Sync.MaxBatchSize = 1000
	}
	if c.Sync.MaxDeltaBatch <= 0 {
		c.Sync.MaxDeltaBatch = 500
	}
	if c.Sync.LedgerRetention <= 0 {
		c.Sync.LedgerRetention = 30 * 24 * time.Hour
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8099
	}
	if c.HTTP.RateLimitPerSecond == 0 {
		c.HTTP.RateLimitPerSecond = 100
	}
	c.Stream.normalize()
	c.Archive.normalize()
	c.Metrics.normalize()
}

// configFile mirrors Config for YAML parsing, with durations as strings.
type configFile struct {
	Storage StorageConfig `yaml:"storage"`
	Sync    struct {
		MaxBatchSize    int    `yaml:"max_batch_size"`
		MaxDeltaBatch   int    `yaml:"max_delta_batch"`
		LedgerRetention string `yaml:"ledger_retention"`
	} `yaml:"sync"`
	Heatmap struct {
		CellSizeDeg       float64 `yaml:"cell_size_deg"`
		IntensityHalfLife string  `yaml:"intensity_half_life"`
	} `yaml:"heatmap"`
	HTTP    HTTPConfig   `yaml:"http"`
	Stream  StreamConfig `yaml:"stream"`
	Archive struct {
		Enabled     bool              `yaml:"enabled"`
		Directory   string            `yaml:"directory"`
		S3          *S3ArchiveConfig  `yaml:"s3"`
		SegmentSize int               `yaml:"segment_size"`
		RetainHot   uint64            `yaml:"retain_hot"`
		Interval    string            `yaml:"interval"`
		Encryption  *EncryptionConfig `yaml:"encryption"`
	} `yaml:"archive"`
	Metrics struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
		Interval string `yaml:"interval"`
		Job      string `yaml:"job"`
	} `yaml:"metrics"`
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Storage = f.Storage
	cfg.Sync.MaxBatchSize = f.Sync.MaxBatchSize
	cfg.Sync.MaxDeltaBatch = f.Sync.MaxDeltaBatch
	if cfg.Sync.LedgerRetention, err = parseDuration(f.Sync.LedgerRetention); err != nil {
		return cfg, fmt.Errorf("sync.ledger_retention: %w", err)
	}
	cfg.Heatmap.CellSizeDeg = f.Heatmap.CellSizeDeg
	if cfg.Heatmap.IntensityHalfLife, err = parseDuration(f.Heatmap.IntensityHalfLife); err != nil {
		return cfg, fmt.Errorf("heatmap.intensity_half_life: %w", err)
	}
	cfg.HTTP = f.HTTP
	cfg.Stream = f.Stream
	cfg.Archive.Enabled = f.Archive.Enabled
	cfg.Archive.Directory = f.Archive.Directory
	cfg.Archive.S3 = f.Archive.S3
	cfg.Archive.SegmentSize = f.Archive.SegmentSize
	cfg.Archive.RetainHot = f.Archive.RetainHot
	cfg.Archive.Encryption = f.Archive.Encryption
	if cfg.Archive.Interval, err = parseDuration(f.Archive.Interval); err != nil {
		return cfg, fmt.Errorf("archive.interval: %w", err)
	}
	cfg.Metrics.Enabled = f.Metrics.Enabled
	cfg.Metrics.Endpoint = f.Metrics.Endpoint
	cfg.Metrics.Job = f.Metrics.Job
	if cfg.Metrics.Interval, err = parseDuration(f.Metrics.Interval); err != nil {
		return cfg, fmt.Errorf("metrics.interval: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
