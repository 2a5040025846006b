package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/util/workerpool"
	"go.uber.org/zap"
)

// PurgeService periodically trims changelog records older than the purge
// delay. Each log is trimmed by its own task on the worker pool.
type PurgeService struct {
	server   *ReplicationServer
	pool     *workerpool.WorkerPool
	delay    time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// PurgeConfig holds purge configuration
type PurgeConfig struct {
	Delay    time.Duration
	Interval time.Duration
	Workers  int
}

// NewPurgeService creates a purge service with its own worker pool
func NewPurgeService(cfg *PurgeConfig, server *ReplicationServer, logger *zap.Logger) *PurgeService {
	return &PurgeService{
		server: server,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "changelog-purge",
			MaxWorkers: cfg.Workers,
			Logger:     logger,
		}),
		delay:    cfg.Delay,
		interval: cfg.Interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start purges every interval until ctx is done
func (s *PurgeService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Changelog purge started",
		zap.Duration("delay", s.delay),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ticker.C:
			if _, err := s.PurgeOnce(ctx); err != nil {
				s.logger.Warn("Changelog purge incomplete", zap.Error(err))
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// PurgeOnce trims every open log and returns the number of removed records
func (s *PurgeService) PurgeOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.delay)

	var removed atomic.Int64
	var tasks []workerpool.Task
	for _, d := range s.server.Domains() {
		for _, replica := range d.Replicas() {
			log, ok := d.Changelog(replica)
			if !ok {
				continue
			}
			tasks = append(tasks, workerpool.Task{
				ID: fmt.Sprintf("%s/%d", d.BaseDN(), replica),
				Fn: func(context.Context) error {
					n, err := log.PurgeBefore(cutoff)
					removed.Add(int64(n))
					return err
				},
			})
		}
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var firstErr error
	failed := 0
	for _, err := range s.pool.RunBatch(ctx, tasks) {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	n := int(removed.Load())
	s.logger.Debug("Changelog purge completed",
		zap.Int("logs", len(tasks)),
		zap.Int("removed", n),
		zap.Time("cutoff", cutoff))

	if firstErr != nil {
		return n, fmt.Errorf("failed to purge %d of %d changelogs: %w", failed, len(tasks), firstErr)
	}
	return n, nil
}

// Stop stops the worker pool
func (s *PurgeService) Stop() error {
	return s.pool.Stop(10 * time.Second)
}
