package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectorConfig lists the replication servers to connect to
type ConnectorConfig struct {
	Addresses     []string
	BaseDNs       []string
	RetryInterval time.Duration
	// MaxRetries consecutive failures escalate the log level; the
	// connector keeps retrying
	MaxRetries  int
	DialTimeout time.Duration
	// DialOptions replace the default insecure transport credentials
	DialOptions []grpc.DialOption
}

// Connector maintains one outbound stream per peer address and domain
type Connector struct {
	server  *service.ReplicationServer
	cfg     ConnectorConfig
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewConnector creates a connector for the configured peers
func NewConnector(server *service.ReplicationServer, cfg ConnectorConfig, opts Options, logger *zap.Logger, m *metrics.Metrics) *Connector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Connector{server: server, cfg: cfg, opts: opts, logger: logger, metrics: m}
}

// Run keeps every peer link up until ctx is done
func (c *Connector) Run(ctx context.Context) error {
	if len(c.cfg.Addresses) == 0 {
		return nil
	}

	dialOpts := c.cfg.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conns := make([]*grpc.ClientConn, 0, len(c.cfg.Addresses))
	defer func() {
		for _, conn := range conns {
			conn.Close()
		}
	}()
	for _, addr := range c.cfg.Addresses {
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			return fmt.Errorf("failed to create client for %s: %w", addr, err)
		}
		conns = append(conns, conn)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range c.cfg.Addresses {
		for _, baseDN := range c.cfg.BaseDNs {
			conn, addr, baseDN := conns[i], addr, baseDN
			g.Go(func() error {
				c.maintain(gctx, conn, addr, baseDN)
				return nil
			})
		}
	}
	return g.Wait()
}

// maintain reconnects one link until ctx is done or the peer turns out to
// be this server
func (c *Connector) maintain(ctx context.Context, conn *grpc.ClientConn, addr, baseDN string) {
	logger := c.logger.With(zap.String("peer", addr), zap.String("base_dn", baseDN))
	failures := 0

	for {
		connected, err := c.connectOnce(ctx, conn, baseDN, logger)
		if ctx.Err() != nil {
			return
		}
		if code := errors.GetCode(err); code == errors.ErrCodeInvalidArgument || code == errors.ErrCodeInvalidDN {
			logger.Error("Giving up on peer", zap.Error(err))
			return
		}

		if connected {
			failures = 0
		} else {
			failures++
		}

		switch {
		case err == nil:
		case failures >= c.cfg.MaxRetries && c.cfg.MaxRetries > 0:
			logger.Error("Failed to connect to replication server, retrying...",
				zap.Int("attempt", failures),
				zap.Error(err))
		default:
			logger.Warn("Replication stream ended, retrying...",
				zap.Int("attempt", failures),
				zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// connectOnce opens a stream, exchanges hellos and pumps until the link
// fails. connected reports whether the handshake completed.
func (c *Connector) connectOnce(ctx context.Context, conn *grpc.ClientConn, baseDN string, logger *zap.Logger) (connected bool, err error) {
	d, err := c.server.Domain(baseDN)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], connectMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return false, fmt.Errorf("failed to open stream: %w", err)
	}

	hello := &Hello{
		BaseDN:       baseDN,
		ServerID:     c.opts.ServerID,
		Kind:         model.PeerKindReplicationServer,
		URL:          c.opts.URL,
		GenerationID: d.GenerationID(),
		WindowSize:   c.opts.WindowSize,
		SendWindow:   c.opts.SendWindow,
		HasState:     true,
		State:        d.GetDbServerState(),
	}
	if err := stream.SendMsg(&Frame{Kind: FrameHello, Hello: hello}); err != nil {
		return false, fmt.Errorf("failed to send hello: %w", err)
	}

	// the stream is cancelled if the peer does not answer in time
	timer := time.AfterFunc(c.cfg.DialTimeout, cancel)
	var reply Frame
	err = stream.RecvMsg(&reply)
	if !timer.Stop() {
		return false, fmt.Errorf("no hello from peer within %v", c.cfg.DialTimeout)
	}
	if err != nil {
		return false, fmt.Errorf("failed to receive hello: %w", err)
	}
	if reply.Kind != FrameHello {
		return false, fmt.Errorf("expected hello, got %s frame", reply.Kind)
	}
	if reply.Hello.ServerID == c.opts.ServerID {
		return false, errors.InvalidArgument("peer is this server", nil)
	}

	info := handlerInfo(reply.Hello, c.opts.WindowSize)
	info.Kind = model.PeerKindReplicationServer
	if info.URL == "" {
		info.URL = conn.Target()
	}

	pc := newPeerConn(stream, cancel)
	h, err := d.Register(info, pc)
	if err != nil {
		// the peer already holds an inbound link to us
		if errors.GetCode(err) == errors.ErrCodeDuplicateServer {
			logger.Debug("Link to peer already established", zap.Uint16("server_id", info.ServerID))
			return true, nil
		}
		return true, err
	}

	logger.Info("Connected to replication server",
		zap.Uint16("server_id", info.ServerID),
		zap.Int64("generation_id", info.GenerationID))

	p := &pump{
		serverID:  c.opts.ServerID,
		domain:    d,
		handler:   h,
		conn:      pc,
		validator: c.server.Validator(),
		logger:    c.logger,
		metrics:   c.metrics,
	}
	err = p.run(ctx)
	_ = stream.CloseSend()
	return true, err
}
