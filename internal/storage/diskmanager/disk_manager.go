package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"go.uber.org/zap"
)

// StatFunc reports the total and available bytes of the filesystem
// holding path
type StatFunc func(path string) (total, available uint64, err error)

// DiskManager guards changelog appends against a filling disk. Usage is
// sampled at most once per check interval.
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	stat          StatFunc
	checkInterval time.Duration

	// percentages
	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	mu              sync.Mutex
	lastCheck       time.Time
	usagePercent    float64
	availableBytes  uint64
	totalBytes      uint64
	isThrottled     bool
	isCircuitBroken bool
}

// DiskManagerConfig holds configuration for disk manager
type DiskManagerConfig struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
	// Stat defaults to statfs(2)
	Stat StatFunc
}

// NewDiskManager creates a new disk manager with specified thresholds
func NewDiskManager(cfg *DiskManagerConfig, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.ThrottleThreshold > cfg.CircuitBreakerThreshold {
		return nil, fmt.Errorf("throttle threshold %.1f exceeds circuit breaker threshold %.1f",
			cfg.ThrottleThreshold, cfg.CircuitBreakerThreshold)
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		stat:                    cfg.Stat,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}
	if dm.stat == nil {
		dm.stat = statfs
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// DefaultConfig returns default disk manager configuration. maxUsage is
// the fraction of the disk at which appends stop.
func DefaultConfig(dataDir string, maxUsage float64) *DiskManagerConfig {
	breaker := maxUsage * 100
	if breaker <= 0 || breaker > 100 {
		breaker = 95.0
	}
	throttle := breaker - 5
	warning := breaker - 15
	return &DiskManagerConfig{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        warning,
		ThrottleThreshold:       throttle,
		CircuitBreakerThreshold: breaker,
	}
}

func statfs(path string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite rejects an append of estimatedBytes with DiskFull when
// the circuit breaker is engaged or the write cannot fit, and with
// DiskThrottled when throttling and the write is large.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes)
	}

	// small writes still go through while throttled
	if dm.isThrottled && estimatedBytes > dm.availableBytes/10 {
		return errors.DiskThrottled(dm.usagePercent).
			WithDetail("estimated_bytes", estimatedBytes)
	}

	if estimatedBytes > dm.availableBytes {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).
			WithDetail("estimated_bytes", estimatedBytes)
	}

	return nil
}

// checkDiskSpace samples usage and updates the thresholds state. Must be
// called with mu held.
func (dm *DiskManager) checkDiskSpace() error {
	total, available, err := dm.stat(dm.dataDir)
	if err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}
	if total == 0 {
		return fmt.Errorf("filesystem of %s reports zero size", dm.dataDir)
	}

	usagePercent := float64(total-available) / float64(total) * 100.0

	dm.usagePercent = usagePercent
	dm.availableBytes = available
	dm.totalBytes = total
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	switch {
	case dm.isCircuitBroken && !previouslyBroken:
		dm.logger.Error("Disk circuit breaker ENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.isCircuitBroken && previouslyBroken:
		dm.logger.Info("Disk circuit breaker DISENGAGED",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available))
	}

	switch {
	case dm.isThrottled && !previouslyThrottled:
		dm.logger.Warn("Disk write throttling ENABLED",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	case !dm.isThrottled && previouslyThrottled:
		dm.logger.Info("Disk write throttling DISABLED",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}

	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpace(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		UsedBytes:       dm.totalBytes - dm.availableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.checkDiskSpace()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64
	AvailableBytes  uint64
	UsedBytes       uint64
	IsThrottled     bool
	IsCircuitBroken bool
	LastCheck       time.Time
}
