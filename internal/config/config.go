package config

import (
	"fmt"
	"os"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/flush"
	"github.com/devrev/pairdb/flushengine/internal/validation"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds node identity
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Config represents the complete configuration for the flush node
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	CommitLog CommitLogConfig `yaml:"commit_log"`
	MemTable  MemTableConfig  `yaml:"mem_table"`
	Flush     FlushConfig     `yaml:"flush"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir      string   `yaml:"data_dir"`
	CommitLogDir string   `yaml:"commit_log_dir"`
	SnapshotDir  string   `yaml:"snapshot_dir"`
	Stores       []string `yaml:"stores"`

	DiskCheckInterval         time.Duration `yaml:"disk_check_interval"`
	DiskWarningPercent        float64       `yaml:"disk_warning_percent"`
	DiskCircuitBreakerPercent float64       `yaml:"disk_circuit_breaker_percent"`
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SegmentSize int64 `yaml:"segment_size"`
	SyncWrites  bool  `yaml:"sync_writes"`
}

// MemTableConfig holds memtable configuration
type MemTableConfig struct {
	MaxSize         int64 `yaml:"max_size"`
	TargetsPerStore int   `yaml:"targets_per_store"`
}

// FlushConfig holds the flush strategy thresholds and scheduler settings
type FlushConfig struct {
	MaxGlobalMemoryGain      uint64        `yaml:"max_global_memory_gain"`
	MaxGlobalLogBytes        uint64        `yaml:"max_global_log_bytes"`
	GlobalDiskBloatFactor    float64       `yaml:"global_disk_bloat_factor"`
	MaxCandidateMemoryGain   uint64        `yaml:"max_candidate_memory_gain"`
	CandidateDiskBloatFactor float64       `yaml:"candidate_disk_bloat_factor"`
	MaxCandidateAge          time.Duration `yaml:"max_candidate_age"`
	Priority                 []string      `yaml:"priority"`

	Interval      time.Duration `yaml:"interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueueSize     int           `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/pairdb"
	}
	if cfg.Storage.CommitLogDir == "" {
		cfg.Storage.CommitLogDir = cfg.Storage.DataDir + "/commitlog"
	}
	if cfg.Storage.SnapshotDir == "" {
		cfg.Storage.SnapshotDir = cfg.Storage.DataDir + "/snapshots"
	}
	if len(cfg.Storage.Stores) == 0 {
		cfg.Storage.Stores = []string{"default"}
	}

	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}
	if cfg.Storage.DiskWarningPercent == 0 {
		cfg.Storage.DiskWarningPercent = 80
	}
	if cfg.Storage.DiskCircuitBreakerPercent == 0 {
		cfg.Storage.DiskCircuitBreakerPercent = 95
	}

	if cfg.CommitLog.SegmentSize == 0 {
		cfg.CommitLog.SegmentSize = 16 * 1024 * 1024 // 16MB
	}

	if cfg.MemTable.MaxSize == 0 {
		cfg.MemTable.MaxSize = 67108864 // 64MB
	}
	if cfg.MemTable.TargetsPerStore == 0 {
		cfg.MemTable.TargetsPerStore = 2
	}

	defaults := flush.DefaultConfig()
	if cfg.Flush.MaxGlobalMemoryGain == 0 {
		cfg.Flush.MaxGlobalMemoryGain = defaults.MaxGlobalMemoryGain
	}
	if cfg.Flush.MaxGlobalLogBytes == 0 {
		cfg.Flush.MaxGlobalLogBytes = defaults.MaxGlobalLogBytes
	}
	if cfg.Flush.GlobalDiskBloatFactor == 0 {
		cfg.Flush.GlobalDiskBloatFactor = defaults.GlobalDiskBloatFactor
	}
	if cfg.Flush.MaxCandidateMemoryGain == 0 {
		cfg.Flush.MaxCandidateMemoryGain = defaults.MaxCandidateMemoryGain
	}
	if cfg.Flush.CandidateDiskBloatFactor == 0 {
		cfg.Flush.CandidateDiskBloatFactor = defaults.CandidateDiskBloatFactor
	}
	if cfg.Flush.MaxCandidateAge == 0 {
		cfg.Flush.MaxCandidateAge = defaults.MaxCandidateAge
	}
	if cfg.Flush.Interval == 0 {
		cfg.Flush.Interval = 3 * time.Second
	}
	if cfg.Flush.MaxConcurrent == 0 {
		cfg.Flush.MaxConcurrent = 2
	}
	if cfg.Flush.QueueSize == 0 {
		cfg.Flush.QueueSize = 64
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9091
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.CommitLog.SegmentSize < 0 {
		return fmt.Errorf("commit_log.segment_size must not be negative")
	}
	if c.MemTable.MaxSize < 0 {
		return fmt.Errorf("mem_table.max_size must not be negative")
	}
	if c.MemTable.TargetsPerStore < 0 {
		return fmt.Errorf("mem_table.targets_per_store must not be negative")
	}
	seen := make(map[string]bool, len(c.Storage.Stores))
	for _, store := range c.Storage.Stores {
		if seen[store] {
			return fmt.Errorf("storage.stores must be unique, %q repeats", store)
		}
		if err := validation.ValidateStoreName(store); err != nil {
			return fmt.Errorf("storage.stores: %w", err)
		}
		seen[store] = true
	}
	if c.Storage.DiskWarningPercent <= 0 || c.Storage.DiskCircuitBreakerPercent > 100 ||
		c.Storage.DiskWarningPercent > c.Storage.DiskCircuitBreakerPercent {
		return fmt.Errorf("storage disk thresholds must satisfy 0 < warning <= circuit_breaker <= 100")
	}
	if c.Flush.Interval < 0 {
		return fmt.Errorf("flush.interval must not be negative")
	}
	if c.Flush.MaxConcurrent < 0 || c.Flush.QueueSize < 0 {
		return fmt.Errorf("flush.max_concurrent and flush.queue_size must not be negative")
	}
	if _, err := c.Flush.StrategyConfig(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// StrategyConfig converts the thresholds into a flush strategy configuration
func (f FlushConfig) StrategyConfig() (flush.Config, error) {
	cfg := flush.Config{
		MaxGlobalMemoryGain:      f.MaxGlobalMemoryGain,
		MaxGlobalLogBytes:        f.MaxGlobalLogBytes,
		GlobalDiskBloatFactor:    f.GlobalDiskBloatFactor,
		MaxCandidateMemoryGain:   f.MaxCandidateMemoryGain,
		CandidateDiskBloatFactor: f.CandidateDiskBloatFactor,
		MaxCandidateAge:          f.MaxCandidateAge,
	}
	for _, name := range f.Priority {
		class, err := flush.ParseClass(name)
		if err != nil {
			return flush.Config{}, err
		}
		cfg.Priority = append(cfg.Priority, class)
	}
	if err := cfg.Validate(); err != nil {
		return flush.Config{}, err
	}
	return cfg, nil
}
