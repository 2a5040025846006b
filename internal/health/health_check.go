package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/storage/diskmanager"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// DiskUsage reports the disk usage of the changelog volume
type DiskUsage interface {
	GetDiskUsage() diskmanager.DiskUsageStats
}

// Engine is the replication engine as seen by the health checks
type Engine interface {
	// Err is non-nil once the engine has stopped on a fatal error
	Err() error
	HealthMetrics() model.HealthMetrics
}

// Check statuses
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// HealthChecker performs health checks for the replication server
type HealthChecker struct {
	nodeID   string
	serverID uint16
	address  string
	dataDir  string
	disk     DiskUsage
	engine   Engine
	interval time.Duration
	logger   *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	metrics     model.HealthMetrics
	livenessOK  bool
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID   string
	ServerID uint16
	Address  string
	// DataDir is empty for the in-memory engine
	DataDir  string
	Disk     DiskUsage
	Engine   Engine
	Interval time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		serverID:    cfg.ServerID,
		address:     cfg.Address,
		dataDir:     cfg.DataDir,
		disk:        cfg.Disk,
		engine:      cfg.Engine,
		interval:    interval,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks()

	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return nil
		}
	}
}

// RunChecks runs every check once and updates the overall status
func (h *HealthChecker) RunChecks() {
	checks := []func() CheckResult{
		h.checkEngine,
		h.checkDiskSpace,
		h.checkDataDirAccessible,
		h.checkFileDescriptors,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		results = append(results, check())
	}

	var hm model.HealthMetrics
	if h.engine != nil {
		hm = h.engine.HealthMetrics()
	}
	if h.disk != nil {
		hm.DiskUsage = h.disk.GetDiskUsage().UsagePercent
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.metrics = hm

	allHealthy, allReady := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != StatusHealthy {
			allHealthy = false
			if result.Status == StatusCritical {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = model.NodeStatusUnhealthy
	case !allHealthy:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusHealthy
	}

	h.livenessOK = true
	h.readinessOK = allReady && !h.draining

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// checkEngine fails once the changelog can no longer be written
func (h *HealthChecker) checkEngine() CheckResult {
	if h.engine == nil {
		return result("engine", StatusHealthy, "No engine attached")
	}
	if err := h.engine.Err(); err != nil {
		return result("engine", StatusCritical, fmt.Sprintf("Replication stopped: %v", err))
	}
	return result("engine", StatusHealthy, "Replication running")
}

// checkDiskSpace reads the disk manager's view of the changelog volume
func (h *HealthChecker) checkDiskSpace() CheckResult {
	if h.disk == nil {
		return result("disk_space", StatusHealthy, "Disk check not configured")
	}

	usage := h.disk.GetDiskUsage()
	switch {
	case usage.IsCircuitBroken:
		return result("disk_space", StatusCritical,
			fmt.Sprintf("Disk usage critical: %.2f%%, appends rejected", usage.UsagePercent))
	case usage.IsThrottled:
		return result("disk_space", StatusWarning,
			fmt.Sprintf("Disk usage high: %.2f%%, large appends throttled", usage.UsagePercent))
	}
	return result("disk_space", StatusHealthy,
		fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usage.UsagePercent, float64(usage.AvailableBytes)/1024/1024/1024))
}

// checkDataDirAccessible checks that the data directory is writable
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	if h.dataDir == "" {
		return result("data_dir_accessible", StatusHealthy, "In-memory changelog")
	}

	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", StatusCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", StatusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", StatusHealthy, "Data directory is accessible and writable")
}

// checkFileDescriptors warns when most descriptors are in use. Every
// connected peer holds at least one.
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return result("file_descriptors", StatusWarning, fmt.Sprintf("Failed to get rlimit: %v", err))
	}

	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// not available outside Linux
		return result("file_descriptors", StatusHealthy,
			fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max))
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return result("file_descriptors", StatusWarning,
			fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
	}
	return result("file_descriptors", StatusHealthy,
		fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		ServerID:  h.serverID,
		Address:   h.address,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.metrics,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetDraining marks the node not ready ahead of a graceful shutdown
func (h *HealthChecker) SetDraining() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
	h.readinessOK = false
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.GetStatus()
	live := h.IsLive()

	writeProbe(w, live, map[string]interface{}{
		"healthy":   live,
		"status":    status.Status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	status := h.GetStatus()
	ready := h.IsReady()

	writeProbe(w, ready, map[string]interface{}{
		"ready":   ready,
		"status":  status.Status,
		"checks":  h.GetChecks(),
		"metrics": status.Metrics,
	})
}

func writeProbe(w http.ResponseWriter, ok bool, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
