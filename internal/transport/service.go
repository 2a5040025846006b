package transport

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const (
	serviceName   = "pairdb.replication.v1.Changelog"
	connectMethod = "/" + serviceName + "/Connect"
)

// changelogServer is the handler type of the Changelog service
type changelogServer interface {
	Connect(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*changelogServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pairdb/replication/v1/changelog.proto",
}

func connectHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(changelogServer).Connect(stream)
}

// Options configures both ends of the replication stream
type Options struct {
	// ServerID is this replication server's id
	ServerID uint16
	// URL is announced to peers this server connects to
	URL string
	// WindowSize is announced as our window and applied to peers that
	// announce none
	WindowSize int
	SendWindow int
}

// Service accepts Connect streams from directory servers and replication
// servers
type Service struct {
	server  *service.ReplicationServer
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates the Changelog service
func NewService(server *service.ReplicationServer, opts Options, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{server: server, opts: opts, logger: logger, metrics: m}
}

// Register adds the service to a gRPC server
func (s *Service) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Connect handles one peer connection: hello exchange, registration and
// then the update/ack pump until either side goes away
func (s *Service) Connect(stream grpc.ServerStream) error {
	var first Frame
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	if first.Kind != FrameHello {
		return errors.ToGRPCError(errors.InvalidArgument(fmt.Sprintf("expected hello, got %s frame", first.Kind), nil))
	}
	hello := first.Hello

	if hello.ServerID == s.opts.ServerID {
		return errors.ToGRPCError(errors.InvalidArgument("peer announced our own server id", nil).
			WithDetail("server_id", hello.ServerID))
	}

	d, err := s.server.Domain(hello.BaseDN)
	if err != nil {
		return errors.ToGRPCError(err)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	conn := newPeerConn(stream, cancel)
	h, err := d.Register(handlerInfo(hello, s.opts.WindowSize), conn)
	if err != nil {
		return errors.ToGRPCError(err)
	}

	reply := &Hello{
		BaseDN:       d.BaseDN(),
		ServerID:     s.opts.ServerID,
		Kind:         model.PeerKindReplicationServer,
		URL:          s.opts.URL,
		GenerationID: d.GenerationID(),
		WindowSize:   s.opts.WindowSize,
		SendWindow:   s.opts.SendWindow,
		HasState:     true,
		State:        d.GetDbServerState(),
	}
	if err := conn.send(&Frame{Kind: FrameHello, Hello: reply}); err != nil {
		d.StopServer(h, err)
		return err
	}

	p := &pump{
		serverID:  s.opts.ServerID,
		domain:    d,
		handler:   h,
		conn:      conn,
		validator: s.server.Validator(),
		logger:    s.logger,
		metrics:   s.metrics,
	}
	err = p.run(ctx)

	s.logger.Info("Peer stream closed",
		zap.String("base_dn", d.BaseDN()),
		zap.Uint16("server_id", hello.ServerID),
		zap.Stringer("kind", hello.Kind),
		zap.NamedError("cause", err))

	switch {
	case err == errPeerClosed, stream.Context().Err() != nil:
		return nil
	case errors.IsReplicationError(err):
		return errors.ToGRPCError(err)
	}
	return nil
}
