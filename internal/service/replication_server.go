package service

import (
	"sort"
	"sync"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/storage/changelog"
	"github.com/devrev/pairdb/replication-server/internal/storage/kv"
	"github.com/devrev/pairdb/replication-server/internal/validation"
	"github.com/glycerine/idem"
	"go.uber.org/zap"
)

// ReplicationServer owns the changelog store and one ReplicationDomain per
// base DN. A changelog write failure is fatal: every domain stops and the
// error is published on Fatal for the process supervisor.
type ReplicationServer struct {
	store     kv.Store
	codec     *changelog.Codec
	opts      DomainOptions
	guard     SpaceGuard
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.RWMutex
	domains  map[string]*ReplicationDomain
	stopping bool
	// replicas with a log on disk, per base DN, not yet opened
	existing map[string][]uint16

	fatal     *idem.IdemCloseChan
	fatalOnce sync.Once
	fatalErr  error

	shutdownOnce sync.Once
}

// NewReplicationServer creates the server and discovers the changelogs
// already in the store. Their domains open on first use or with OpenDomains.
func NewReplicationServer(
	store kv.Store,
	codec *changelog.Codec,
	opts DomainOptions,
	guard SpaceGuard,
	validator *validation.Validator,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*ReplicationServer, error) {
	names, err := store.BucketNames()
	if err != nil {
		return nil, errors.ChangelogFailed("failed to list changelogs", err)
	}

	existing := make(map[string][]uint16)
	for _, name := range names {
		baseDN, replica, ok := changelog.ParseBucketName(name)
		if !ok {
			logger.Warn("Ignoring unknown bucket in changelog store", zap.String("bucket", name))
			continue
		}
		existing[baseDN] = append(existing[baseDN], replica)
	}

	if validator == nil {
		validator = validation.NewValidator()
	}

	return &ReplicationServer{
		store:     store,
		codec:     codec,
		opts:      opts,
		guard:     guard,
		validator: validator,
		logger:    logger,
		metrics:   m,
		domains:   make(map[string]*ReplicationDomain),
		existing:  existing,
		fatal:     idem.NewIdemCloseChan(),
	}, nil
}

// OpenDomains opens every domain found in the store
func (s *ReplicationServer) OpenDomains() error {
	s.mu.RLock()
	dns := make([]string, 0, len(s.existing))
	for dn := range s.existing {
		dns = append(dns, dn)
	}
	s.mu.RUnlock()

	for _, dn := range dns {
		if _, err := s.Domain(dn); err != nil {
			return err
		}
	}
	return nil
}

// Domain returns the domain of baseDN, opening it on first use
func (s *ReplicationServer) Domain(baseDN string) (*ReplicationDomain, error) {
	s.mu.RLock()
	d, ok := s.domains[baseDN]
	s.mu.RUnlock()
	if ok {
		return d, nil
	}

	if s.fatal.IsClosed() {
		return nil, errors.ShuttingDown()
	}
	if err := s.validator.ValidateBaseDN(baseDN); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.domains[baseDN]; ok {
		return d, nil
	}
	if s.stopping {
		return nil, errors.ShuttingDown()
	}
	d, err := NewReplicationDomain(baseDN, s.opts, s.store, s.codec, s.existing[baseDN], s.guard, s.fail, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}
	delete(s.existing, baseDN)
	s.domains[baseDN] = d
	return d, nil
}

// LookupDomain returns an open domain without creating it
func (s *ReplicationServer) LookupDomain(baseDN string) (*ReplicationDomain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[baseDN]
	return d, ok
}

// Domains returns the open domains ordered by base DN
func (s *ReplicationServer) Domains() []*ReplicationDomain {
	s.mu.RLock()
	out := make([]*ReplicationDomain, 0, len(s.domains))
	for _, d := range s.domains {
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BaseDN() < out[j].BaseDN() })
	return out
}

// Validator returns the update validator shared by the ingress paths
func (s *ReplicationServer) Validator() *validation.Validator { return s.validator }

// Fatal is closed on the first fatal error
func (s *ReplicationServer) Fatal() <-chan struct{} { return s.fatal.Chan }

// Err returns the fatal error, if any
func (s *ReplicationServer) Err() error {
	if !s.fatal.IsClosed() {
		return nil
	}
	return s.fatalErr
}

// HealthMetrics summarizes the open domains for health reporting and
// gossip
func (s *ReplicationServer) HealthMetrics() model.HealthMetrics {
	var hm model.HealthMetrics
	for _, d := range s.Domains() {
		hm.Domains++
		hm.PendingAcks += d.PendingAcks()
		for _, info := range d.ConnectedServers() {
			hm.ConnectedServers++
			hm.QueuedUpdates += info.QueueLen
		}
	}
	return hm
}

// fail stops every domain on the first fatal error
func (s *ReplicationServer) fail(err error) {
	s.fatalOnce.Do(func() {
		s.fatalErr = err
		s.logger.Error("Changelog failure, stopping replication", zap.Error(err))
		s.fatal.Close()

		for _, d := range s.Domains() {
			d.Shutdown()
		}
	})
}

// StopDomains stops every domain and disconnects their peers, leaving the
// store open. No domain opens afterwards.
func (s *ReplicationServer) StopDomains() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	for _, d := range s.Domains() {
		d.Shutdown()
	}
}

// Shutdown stops every domain and closes the store. It is safe to call
// more than once.
func (s *ReplicationServer) Shutdown() error {
	var err error
	s.shutdownOnce.Do(func() {
		s.StopDomains()
		s.codec.Close()
		if cerr := s.store.Close(); cerr != nil {
			err = cerr
		}
		s.logger.Info("Replication server stopped")
	})
	return err
}
