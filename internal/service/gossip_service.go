package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/goccy/go-json"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipService tracks the replication servers of the topology. A member
// that leaves or is declared dead has its connections stopped in every
// domain, which releases producers blocked on it by flow control.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	domains    func() []*ReplicationDomain
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	local   model.HealthStatus
	members map[string]model.HealthStatus
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NewGossipService starts the memberlist agent and joins the seed nodes
func NewGossipService(cfg *GossipConfig, local model.HealthStatus, server *ReplicationServer, logger *zap.Logger, m *metrics.Metrics) (*GossipService, error) {
	gs := newGossipService(cfg, local, server.Domains, logger, m)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = local.NodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

func newGossipService(cfg *GossipConfig, local model.HealthStatus, domains func() []*ReplicationDomain, logger *zap.Logger, m *metrics.Metrics) *GossipService {
	return &GossipService{
		config:  cfg,
		domains: domains,
		logger:  logger,
		metrics: m,
		local:   local,
		members: make(map[string]model.HealthStatus),
	}
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	local := s.local
	s.mu.RUnlock()

	data, err := json.Marshal(local)
	if err != nil || len(data) > limit {
		// identity is what peers need to map a departure to a server
		data, _ = json.Marshal(struct {
			NodeID   string `json:"node_id"`
			ServerID uint16 `json:"server_id"`
		}{local.NodeID, local.ServerID})
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// UpdateHealthStatus replaces the local status and pushes it to the
// cluster
func (s *GossipService) UpdateHealthStatus(status model.HealthStatus) {
	status.Timestamp = time.Now().Unix()

	s.mu.Lock()
	s.local = status
	s.mu.Unlock()

	if s.memberlist != nil {
		if err := s.memberlist.UpdateNode(s.config.ProbeTimeout); err != nil {
			s.logger.Debug("Failed to propagate node meta", zap.Error(err))
		}
	}
}

// Members returns the last known status of every remote member
func (s *GossipService) Members() []model.HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.HealthStatus, 0, len(s.members))
	for _, st := range s.members {
		out = append(out, st)
	}
	return out
}

func (s *GossipService) memberJoined(node *memberlist.Node) {
	if node.Name == s.localName() {
		return
	}

	var st model.HealthStatus
	if err := json.Unmarshal(node.Meta, &st); err != nil {
		s.logger.Warn("Failed to decode member meta",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return
	}
	if st.Address == "" {
		st.Address = node.Address()
	}

	s.mu.Lock()
	s.members[node.Name] = st
	n := len(s.members)
	s.mu.Unlock()

	s.metrics.UpdateGossipMembers(n)
}

func (s *GossipService) memberLeft(node *memberlist.Node) {
	s.mu.Lock()
	st, ok := s.members[node.Name]
	delete(s.members, node.Name)
	n := len(s.members)
	s.mu.Unlock()

	s.metrics.UpdateGossipMembers(n)
	if !ok || st.ServerID == 0 {
		return
	}

	cause := errors.Unavailable(fmt.Sprintf("replication server %d left the cluster", st.ServerID), nil)
	stopped := 0
	for _, d := range s.domains() {
		h, ok := d.Handler(st.ServerID)
		if !ok || !h.IsReplicationServer() {
			continue
		}
		d.StopServer(h, cause)
		stopped++
	}

	s.logger.Info("Replication server left",
		zap.String("node_id", node.Name),
		zap.Uint16("server_id", st.ServerID),
		zap.Int("connections_stopped", stopped))
}

func (s *GossipService) localName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local.NodeID
}

// Shutdown leaves the cluster and stops the agent
func (s *GossipService) Shutdown() error {
	if s.memberlist == nil {
		return nil
	}
	if err := s.memberlist.Leave(s.config.ProbeTimeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
	d.service.memberJoined(node)
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.memberLeft(node)
}

// NotifyUpdate is called when a node's meta changes
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("node_id", node.Name))
	d.service.memberJoined(node)
}
