package transport

import (
	"context"
	stderrors "errors"
	"io"
	"sync"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/service"
	"github.com/devrev/pairdb/replication-server/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// frameStream is the part of a gRPC stream used by the pump. Both
// grpc.ServerStream and grpc.ClientStream satisfy it.
type frameStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// errPeerClosed ends a pump when the peer closes its side of the stream
var errPeerClosed = stderrors.New("peer closed the stream")

// peerConn is the service.Session of one stream. Sends are serialized
// because acknowledgments are pushed from producer goroutines while the
// writer forwards updates.
type peerConn struct {
	stream frameStream
	cancel context.CancelFunc

	sendMu sync.Mutex
}

func newPeerConn(stream frameStream, cancel context.CancelFunc) *peerConn {
	return &peerConn{stream: stream, cancel: cancel}
}

func (c *peerConn) send(f *Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(f)
}

// SendAck implements service.Session
func (c *peerConn) SendAck(ack *model.AckMsg) error {
	return c.send(&Frame{Kind: FrameAck, Ack: ack})
}

// Close implements service.Session
func (c *peerConn) Close() error {
	c.cancel()
	return nil
}

// pump moves frames between a registered handler and its stream
type pump struct {
	serverID  uint16
	domain    *service.ReplicationDomain
	handler   *service.ServerHandler
	conn      *peerConn
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// run forwards updates to the peer and applies what it sends until either
// side fails, the handler is stopped or ctx is done. The handler is
// stopped on return.
func (p *pump) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.writeLoop(gctx) })

	g.Go(func() error {
		select {
		case <-p.handler.Halt().ReqStop.Chan:
			return errors.Unavailable("connection stopped", nil)
		case <-gctx.Done():
			return nil
		}
	})

	// RecvMsg only returns once the stream ends, so the reader is not
	// waited for
	reads := make(chan error, 1)
	go func() { reads <- p.readLoop(gctx) }()
	g.Go(func() error {
		select {
		case err := <-reads:
			if err == nil {
				err = errPeerClosed
			}
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	p.domain.StopServer(p.handler, err)
	return err
}

func (p *pump) writeLoop(ctx context.Context) error {
	for {
		u, ok := p.domain.Take(ctx, p.handler)
		if !ok {
			return nil
		}
		if err := p.conn.send(&Frame{Kind: FrameUpdate, Update: u}); err != nil {
			return err
		}
	}
}

func (p *pump) readLoop(ctx context.Context) error {
	for {
		var f Frame
		if err := p.conn.stream.RecvMsg(&f); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch f.Kind {
		case FrameUpdate:
			if err := p.submit(ctx, f.Update); err != nil {
				return err
			}
		case FrameAck:
			p.domain.Ack(f.Ack, p.handler.ServerID())
		default:
			return errors.InvalidArgument("unexpected "+f.Kind.String()+" frame on an open stream", nil)
		}
	}
}

// submit applies one update from the peer. Caller errors are reported and
// skipped; anything else ends the stream.
func (p *pump) submit(ctx context.Context, u *model.UpdateMsg) error {
	err := p.validator.ValidateUpdate(p.domain.BaseDN(), u)
	if err == nil {
		_, err = p.domain.Submit(ctx, u, p.handler)
	}
	if err == nil {
		return nil
	}

	code := errors.GetCode(err)
	if code >= errors.ErrCodeInternal && code != errors.ErrCodeDiskFull && code != errors.ErrCodeDiskThrottled {
		return err
	}

	p.metrics.RecordRejected(rejectReason(code))
	p.logger.Warn("Rejected update from peer",
		zap.Uint16("server_id", p.handler.ServerID()),
		zap.Stringer("change_number", u.ChangeNumber),
		zap.Error(err))

	// an assured sender would otherwise wait for its own timeout
	if u.Assured && !u.ChangeNumber.IsZero() {
		ack := &model.AckMsg{ChangeNumber: u.ChangeNumber, FromServerID: p.serverID, HasWrongStatus: true}
		if err := p.conn.SendAck(ack); err != nil {
			return err
		}
	}
	return nil
}

func rejectReason(code errors.ErrorCode) string {
	switch code {
	case errors.ErrCodeChangeOutOfOrder:
		return "out_of_order"
	case errors.ErrCodeDiskFull, errors.ErrCodeDiskThrottled:
		return "disk"
	case errors.ErrCodePayloadTooLarge:
		return "too_large"
	default:
		return "invalid"
	}
}

// handlerInfo turns a peer's hello into registration info
func handlerInfo(h *Hello, defaultWindow int) service.HandlerInfo {
	info := service.HandlerInfo{
		ServerID:     h.ServerID,
		Kind:         h.Kind,
		URL:          h.URL,
		GenerationID: h.GenerationID,
		Status:       h.Status,
		WindowSize:   h.WindowSize,
		SendWindow:   h.SendWindow,
	}
	if info.WindowSize <= 0 {
		info.WindowSize = defaultWindow
	}
	if h.HasState {
		info.InitialState = h.State
	}
	return info
}
