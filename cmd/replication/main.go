package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/config"
	"github.com/devrev/pairdb/replication-server/internal/health"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/server"
	"github.com/devrev/pairdb/replication-server/internal/service"
	"github.com/devrev/pairdb/replication-server/internal/storage/changelog"
	"github.com/devrev/pairdb/replication-server/internal/storage/diskmanager"
	"github.com/devrev/pairdb/replication-server/internal/storage/kv"
	"github.com/devrev/pairdb/replication-server/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// healthPublishInterval is how often the local status is gossiped
const healthPublishInterval = 10 * time.Second

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Uint16("server_id", cfg.Server.ServerID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("engine", cfg.Storage.Engine))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Replication server stopped", zap.Error(err))
	}
	logger.Info("Replication server stopped")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.DefaultRegisterer)

	store, disk, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// the disk manager is a nil interface for the memory engine
	var guard service.SpaceGuard
	var diskUsage health.DiskUsage
	if disk != nil {
		guard, diskUsage = disk, disk
	}

	rs, err := service.NewReplicationServer(
		store,
		changelog.NewCodec(cfg.Storage.CompressThreshold),
		service.DomainOptions{
			ServerID:        cfg.Server.ServerID,
			GenerationID:    cfg.Replication.GenerationID,
			AssuredTimeout:  cfg.Replication.AssuredTimeout,
			CompletedAckTTL: cfg.Replication.CompletedAckTTL,
			Handler: service.HandlerOptions{
				MaxQueueSize:    cfg.Replication.MaxQueueSize,
				RestartWindow:   cfg.Replication.RestartWindow,
				MaxReceiveDelay: cfg.Replication.MaxReceiveDelay,
				CatchUpBatch:    cfg.Replication.CatchUpBatch,
			},
			Changelog: &changelog.Options{ScanBatch: cfg.Storage.ScanBatch},
		},
		guard,
		nil,
		logger,
		m,
	)
	if err != nil {
		return fmt.Errorf("failed to create replication server: %w", err)
	}
	defer rs.Shutdown()

	if err := rs.OpenDomains(); err != nil {
		return fmt.Errorf("failed to open changelogs: %w", err)
	}
	logger.Info("Changelogs opened", zap.Int("domains", len(rs.Domains())))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	dataDir := cfg.Storage.DataDir
	if cfg.Storage.Engine == config.EngineMemory {
		dataDir = ""
	}
	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:   cfg.Server.NodeID,
		ServerID: cfg.Server.ServerID,
		Address:  addr,
		DataDir:  dataDir,
		Disk:     diskUsage,
		Engine:   rs,
	}, logger)

	topts := transport.Options{
		ServerID:   cfg.Server.ServerID,
		URL:        addr,
		WindowSize: cfg.Replication.WindowSize,
		SendWindow: cfg.Replication.SendWindow,
	}

	grpcServer := grpc.NewServer(
		grpc.MaxConcurrentStreams(uint32(cfg.Server.MaxConnections)),
	)
	transport.NewService(rs, topts, logger, m).Register(grpcServer)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Replication service starting",
			zap.String("node_id", cfg.Server.NodeID),
			zap.String("address", addr))
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error { return checker.Start(gctx) })

	connector := transport.NewConnector(rs, transport.ConnectorConfig{
		Addresses:     cfg.Peers.Addresses,
		BaseDNs:       cfg.Peers.BaseDNs,
		RetryInterval: cfg.Peers.RetryInterval,
		MaxRetries:    cfg.Peers.MaxRetries,
		DialTimeout:   cfg.Peers.DialTimeout,
	}, topts, logger, m)
	g.Go(func() error { return connector.Run(gctx) })

	if cfg.Purge.Enabled {
		purgeSvc := service.NewPurgeService(&service.PurgeConfig{
			Delay:    cfg.Purge.Delay,
			Interval: cfg.Purge.Interval,
			Workers:  cfg.Purge.Workers,
		}, rs, logger)
		defer purgeSvc.Stop()
		g.Go(func() error { return purgeSvc.Start(gctx) })
	}

	if cfg.Gossip.Enabled {
		gossipSvc, err := service.NewGossipService(&service.GossipConfig{
			BindPort:       cfg.Gossip.BindPort,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, checker.GetStatus(), rs, logger, m)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			defer gossipSvc.Shutdown()
			logger.Info("Gossip service initialized")
			g.Go(func() error {
				publishHealth(gctx, gossipSvc, checker, healthPublishInterval)
				return nil
			})
		}
	}

	if cfg.Metrics.Enabled {
		admin := server.NewAdminServer(&server.AdminServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, rs, checker, diskUsage, m, logger)
		if err := admin.Start(); err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := admin.Stop(sctx); err != nil {
				logger.Warn("Failed to stop admin server", zap.Error(err))
			}
		}()
	}

	var fatalErr error
	g.Go(func() error {
		select {
		case <-rs.Fatal():
			fatalErr = rs.Err()
			logger.Error("Changelog failure, shutting down", zap.Error(fatalErr))
		case <-gctx.Done():
		}

		logger.Info("Shutting down gracefully...")
		checker.SetDraining()
		// ends the peer streams so GracefulStop does not wait them out
		rs.StopDomains()
		shutdownGRPC(grpcServer, cfg.Server.ShutdownTimeout)
		return fatalErr
	})

	return g.Wait()
}

// openStore opens the changelog store. The disk manager is nil for the
// memory engine.
func openStore(cfg *config.Config, logger *zap.Logger) (kv.Store, *diskmanager.DiskManager, error) {
	if cfg.Storage.Engine == config.EngineMemory {
		logger.Warn("Using in-memory changelog, changes are lost on restart")
		return kv.NewMemoryStore(), nil, nil
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	disk, err := diskmanager.NewDiskManager(diskmanager.DefaultConfig(cfg.Storage.DataDir, cfg.Storage.MaxDiskUsage), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize disk manager: %w", err)
	}

	store, err := kv.OpenBolt(cfg.Storage.DBPath(), &kv.BoltOptions{
		Timeout: 5 * time.Second,
		NoSync:  cfg.Storage.NoSync,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, disk, nil
}

// publishHealth pushes the local health status to the gossip cluster
func publishHealth(ctx context.Context, gossipSvc *service.GossipService, checker *health.HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			gossipSvc.UpdateHealthStatus(checker.GetStatus())
		case <-ctx.Done():
			return
		}
	}
}

// shutdownGRPC drains the streams and forces them closed after timeout
func shutdownGRPC(gs *grpc.Server, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		gs.Stop()
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
