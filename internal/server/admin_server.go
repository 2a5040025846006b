package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/health"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const contentTypeJSON = "application/json"

// AdminServer serves Prometheus metrics, health probes and the monitoring
// API of the replication domains
type AdminServer struct {
	httpServer *http.Server
	server     *service.ReplicationServer
	health     *health.HealthChecker
	disk       health.DiskUsage
	metrics    *metrics.Metrics
	logger     *zap.Logger

	collectInterval time.Duration
	stopChan        chan struct{}
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Port        int
	MetricsPath string
	// CollectInterval is how often system metrics are sampled
	CollectInterval time.Duration
}

// NewAdminServer creates the admin server. disk may be nil when the
// changelog is not on disk.
func NewAdminServer(
	cfg *AdminServerConfig,
	server *service.ReplicationServer,
	checker *health.HealthChecker,
	disk health.DiskUsage,
	m *metrics.Metrics,
	logger *zap.Logger,
) *AdminServer {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}

	s := &AdminServer{
		server:   server,
		health:   checker,
		disk:     disk,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(cfg.MetricsPath),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.collectInterval = cfg.CollectInterval
	return s
}

// Handler returns the router of the admin server
func (s *AdminServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *AdminServer) routes(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle(metricsPath, promhttp.Handler())
	r.Get("/health", s.health.LivenessHandler)
	r.Get("/ready", s.health.ReadinessHandler)

	r.Route("/api/v1/domains", func(r chi.Router) {
		r.Get("/", s.handleListDomains)
		r.Route("/{baseDN}", func(r chi.Router) {
			r.Get("/servers", s.handleServers)
			r.Get("/changelogs", s.handleChangelogs)
			r.Get("/state", s.handleState)
			r.Post("/replicas/{replicaID}/trim", s.handleTrim)
		})
	})
	return r
}

// Start starts serving in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics(s.collectInterval)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")

	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

type domainSummary struct {
	BaseDN           string `json:"base_dn"`
	GenerationID     int64  `json:"generation_id"`
	Replicas         int    `json:"replicas"`
	Changes          int64  `json:"changes"`
	DirectoryServers int    `json:"directory_servers"`
	Changelogs       int    `json:"changelogs"`
	PendingAcks      int    `json:"pending_acks"`
}

func (s *AdminServer) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains := s.server.Domains()
	out := make([]domainSummary, 0, len(domains))
	for _, d := range domains {
		out = append(out, domainSummary{
			BaseDN:           d.BaseDN(),
			GenerationID:     d.GenerationID(),
			Replicas:         len(d.Replicas()),
			Changes:          d.ChangesCount(),
			DirectoryServers: len(d.GetServers()),
			Changelogs:       len(d.GetChangelogs()),
			PendingAcks:      d.PendingAcks(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseDN < out[j].BaseDN })
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) handleServers(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	servers := d.ConnectedServers()
	if servers == nil {
		servers = []service.ServerInfo{}
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ServerID < servers[j].ServerID })
	writeJSON(w, http.StatusOK, servers)
}

type changelogInfo struct {
	ReplicaID uint16 `json:"replica_id"`
	First     string `json:"first,omitempty"`
	Last      string `json:"last,omitempty"`
	Count     int    `json:"count"`
}

func (s *AdminServer) handleChangelogs(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}

	replicas := d.Replicas()
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })

	out := make([]changelogInfo, 0, len(replicas))
	for _, id := range replicas {
		log, ok := d.Changelog(id)
		if !ok {
			continue
		}
		info := changelogInfo{ReplicaID: id, Count: log.Count()}
		if cn, ok := log.First(); ok {
			info.First = cn.String()
		}
		if cn, ok := log.Last(); ok {
			info.Last = cn.String()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *AdminServer) handleState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}

	state := d.GetDbServerState()
	out := make(map[string]string, len(state))
	for id, cn := range state {
		out[strconv.Itoa(int(id))] = cn.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"base_dn":       d.BaseDN(),
		"generation_id": d.GenerationID(),
		"state":         out,
	})
}

// handleTrim deletes the records of one replica older than the change
// number given in the before query parameter
func (s *AdminServer) handleTrim(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}

	replicaID, err := strconv.ParseUint(chi.URLParam(r, "replicaID"), 10, 16)
	if err != nil {
		writeError(w, errors.InvalidArgument("invalid replica id", err))
		return
	}
	before, err := model.ParseChangeNumberString(r.URL.Query().Get("before"))
	if err != nil {
		writeError(w, errors.InvalidChangeNumber(err.Error()))
		return
	}

	log, ok := d.Changelog(uint16(replicaID))
	if !ok {
		writeError(w, errors.UnknownServer(uint16(replicaID)))
		return
	}

	n, err := log.DeleteBefore(before)
	if err != nil {
		s.logger.Error("Failed to trim changelog",
			zap.String("base_dn", d.BaseDN()),
			zap.Uint64("replica_id", replicaID),
			zap.Error(err))
		writeError(w, err)
		return
	}

	s.logger.Info("Trimmed changelog",
		zap.String("base_dn", d.BaseDN()),
		zap.Uint64("replica_id", replicaID),
		zap.Stringer("before", before),
		zap.Int("deleted", n))
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *AdminServer) domain(w http.ResponseWriter, r *http.Request) (*service.ReplicationDomain, bool) {
	baseDN, err := url.PathUnescape(chi.URLParam(r, "baseDN"))
	if err != nil {
		writeError(w, errors.InvalidDN(chi.URLParam(r, "baseDN"), "malformed path segment"))
		return nil, false
	}
	d, ok := s.server.LookupDomain(baseDN)
	if !ok {
		writeError(w, errors.UnknownDomain(baseDN))
		return nil, false
	}
	return d, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidArgument, errors.ErrCodeInvalidDN, errors.ErrCodeInvalidChangeNumber:
		code = http.StatusBadRequest
	case errors.ErrCodeUnknownDomain, errors.ErrCodeUnknownServer:
		code = http.StatusNotFound
	case errors.ErrCodeCursorReadOnly:
		code = http.StatusConflict
	case errors.ErrCodeShuttingDown, errors.ErrCodeUnavailable:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"error": err.Error(),
		"code":  errors.GetCode(err),
	})
}

// collectSystemMetrics periodically collects system-level metrics
func (s *AdminServer) collectSystemMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *AdminServer) updateSystemMetrics() {
	var used, available int64
	if s.disk != nil {
		usage := s.disk.GetDiskUsage()
		used, available = int64(usage.UsedBytes), int64(usage.AvailableBytes)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(used, available, int64(memStats.Alloc), runtime.NumGoroutine())
}
