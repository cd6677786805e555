package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"go.uber.org/zap"
)

// StatFunc reports the total and available bytes of the filesystem holding dir
type StatFunc func(dir string) (total, available uint64, err error)

// DiskManager monitors the filesystem holding flushed data and refuses
// snapshot writes once usage crosses the circuit breaker threshold.
type DiskManager struct {
	config *DiskManagerConfig
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	usage         Usage
	circuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64 // percent
	CircuitBreakerThreshold float64 // percent

	// Stat defaults to statfs(2)
	Stat StatFunc
}

// Usage contains disk usage statistics
type Usage struct {
	UsagePercent   float64   `json:"usage_percent"`
	TotalBytes     uint64    `json:"total_bytes"`
	AvailableBytes uint64    `json:"available_bytes"`
	CircuitBroken  bool      `json:"circuit_broken"`
	LastCheck      time.Time `json:"last_check"`
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *DiskManagerConfig {
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager and performs an initial check
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, errors.InvalidConfig("storage.data_dir", "is required")
	}
	if cfg.Stat == nil {
		cfg.Stat = statfs
	}

	dm := &DiskManager{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}

	dm.mu.Lock()
	err := dm.checkLocked()
	dm.mu.Unlock()
	if err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

func statfs(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// refreshLocked re-checks when the cached usage is stale
func (dm *DiskManager) refreshLocked() {
	if dm.now().Sub(dm.usage.LastCheck) <= dm.config.CheckInterval {
		return
	}
	if err := dm.checkLocked(); err != nil {
		dm.logger.Warn("Disk space check failed", zap.Error(err))
	}
}

func (dm *DiskManager) checkLocked() error {
	total, available, err := dm.config.Stat(dm.config.DataDir)
	if err != nil {
		return err
	}

	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(total-min(available, total)) / float64(total) * 100.0
	}

	wasBroken := dm.circuitBroken
	dm.circuitBroken = usagePercent >= dm.config.CircuitBreakerThreshold
	dm.usage = Usage{
		UsagePercent:   usagePercent,
		TotalBytes:     total,
		AvailableBytes: available,
		CircuitBroken:  dm.circuitBroken,
		LastCheck:      dm.now(),
	}

	switch {
	case dm.circuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.config.CircuitBreakerThreshold))
	case !dm.circuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	case usagePercent >= dm.config.WarningThreshold && !dm.circuitBroken:
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("warning_threshold", dm.config.WarningThreshold))
	}
	return nil
}

// CheckBeforeWrite returns an error if a write of estimatedBytes should be refused
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.refreshLocked()
	if dm.usage.TotalBytes == 0 {
		// usage unknown until a check succeeds
		return nil
	}
	if dm.circuitBroken || estimatedBytes > dm.usage.AvailableBytes {
		return errors.DiskFull(dm.usage.UsagePercent, dm.usage.AvailableBytes)
	}
	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() Usage {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.refreshLocked()
	return dm.usage
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkLocked()
}
