package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/storage/changelog"
	"github.com/glycerine/idem"
	"go.uber.org/zap"
)

// HandlerState is the lifecycle state of a ServerHandler
type HandlerState int32

const (
	HandlerRegistering HandlerState = iota
	HandlerActive
	HandlerDraining
	HandlerClosed
)

// String returns the state name
func (s HandlerState) String() string {
	switch s {
	case HandlerRegistering:
		return "registering"
	case HandlerActive:
		return "active"
	case HandlerDraining:
		return "draining"
	case HandlerClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the connection to one peer. Updates are pulled with Take and
// written by the transport; acknowledgments are pushed through the session.
type Session interface {
	SendAck(ack *model.AckMsg) error
	Close() error
}

// HandlerInfo describes a connecting peer
type HandlerInfo struct {
	ServerID     uint16
	Kind         model.PeerKind
	URL          string
	GenerationID int64
	Status       model.ServerStatus
	// WindowSize is how many updates may wait for this peer before
	// producers are blocked. <= 0 disables the window.
	WindowSize int
	// SendWindow bounds how far ahead this peer, as a source, may run
	// of slower destinations
	SendWindow int
	// InitialState is what the peer already holds. A non-nil state makes
	// the handler catch up from the changelogs before following live
	// traffic.
	InitialState map[uint16]model.ChangeNumber
}

// HandlerOptions are engine-wide queue settings applied to every handler
type HandlerOptions struct {
	MaxQueueSize    int
	RestartWindow   int
	MaxReceiveDelay time.Duration
	CatchUpBatch    int
}

// changelogSource gives a handler read access to the domain's logs
type changelogSource interface {
	Replicas() []uint16
	Changelog(replicaID uint16) (*changelog.Log, bool)
}

// ServerHandler is the egress path to one connected peer
type ServerHandler struct {
	info    HandlerInfo
	opts    HandlerOptions
	session Session
	logs    changelogSource
	logger  *zap.Logger
	metrics *metrics.Metrics

	state atomic.Int32
	halt  *idem.Halter

	// onLost and receives are set by the domain at registration
	onLost   func(h *ServerHandler, err error)
	receives func(h *ServerHandler) bool

	mu            sync.Mutex
	queue         []*model.UpdateMsg
	following     bool
	overflowEpoch uint64
	late          []*model.UpdateMsg
	notify        chan struct{}

	// what has been handed to the peer
	sent *model.ServerState

	inCount  atomic.Uint64
	outCount atomic.Uint64

	closeOnce sync.Once
	stopOnce  sync.Once
}

// NewServerHandler creates a handler in the Registering state
func NewServerHandler(info HandlerInfo, opts HandlerOptions, session Session, logger *zap.Logger, m *metrics.Metrics) *ServerHandler {
	if opts.CatchUpBatch <= 0 {
		opts.CatchUpBatch = 100
	}

	h := &ServerHandler{
		info:    info,
		opts:    opts,
		session: session,
		logger: logger.With(
			zap.Uint16("server_id", info.ServerID),
			zap.Stringer("kind", info.Kind)),
		metrics:   m,
		halt:      idem.NewHalter(),
		following: info.InitialState == nil,
		notify:    make(chan struct{}, 1),
	}
	if info.InitialState != nil {
		h.sent = model.NewServerStateFrom(info.InitialState)
	} else {
		h.sent = model.NewServerState()
	}
	h.state.Store(int32(HandlerRegistering))
	return h
}

// ServerID returns the peer's server id
func (h *ServerHandler) ServerID() uint16 { return h.info.ServerID }

// Kind returns the peer kind
func (h *ServerHandler) Kind() model.PeerKind { return h.info.Kind }

// IsReplicationServer reports whether the peer is a replication server
func (h *ServerHandler) IsReplicationServer() bool {
	return h.info.Kind == model.PeerKindReplicationServer
}

// Info returns the registration details of the peer
func (h *ServerHandler) Info() HandlerInfo { return h.info }

// State returns the lifecycle state
func (h *ServerHandler) State() HandlerState {
	return HandlerState(h.state.Load())
}

// Halt returns the handler's halter; Done is closed once the handler is closed
func (h *ServerHandler) Halt() *idem.Halter { return h.halt }

// InCount is the number of updates enqueued for the peer
func (h *ServerHandler) InCount() uint64 { return h.inCount.Load() }

// OutCount is the number of updates taken for the peer
func (h *ServerHandler) OutCount() uint64 { return h.outCount.Load() }

// SentState returns the newest change per replica handed to the peer
func (h *ServerHandler) SentState() map[uint16]model.ChangeNumber {
	return h.sent.Snapshot()
}

// QueueLen returns the number of updates waiting in memory
func (h *ServerHandler) QueueLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Following reports whether the handler serves live traffic rather than
// catching up from the changelogs
func (h *ServerHandler) Following() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.following
}

func (h *ServerHandler) activate() bool {
	return h.state.CompareAndSwap(int32(HandlerRegistering), int32(HandlerActive))
}

// drain moves an active handler to Draining
func (h *ServerHandler) drain() {
	h.state.CompareAndSwap(int32(HandlerActive), int32(HandlerDraining))
}

func (h *ServerHandler) stopped() bool {
	return h.State() >= HandlerDraining
}

// Enqueue adds an update to the outbound queue. It never blocks. When the
// queue exceeds MaxQueueSize the oldest updates are dropped and the handler
// re-reads them from the changelogs.
func (h *ServerHandler) Enqueue(u *model.UpdateMsg) {
	if h.stopped() {
		return
	}

	h.mu.Lock()
	h.queue = append(h.queue, u)
	dropped := 0
	if limit := h.opts.MaxQueueSize; limit > 0 {
		for len(h.queue) > limit {
			h.queue[0] = nil
			h.queue = h.queue[1:]
			dropped++
		}
	}
	if dropped > 0 {
		if h.following {
			h.logger.Info("Outbound queue overflowed, switching to changelog catch-up",
				zap.Int("max_queue_size", h.opts.MaxQueueSize))
		}
		h.following = false
		h.overflowEpoch++
	}
	h.mu.Unlock()

	h.inCount.Add(1)
	h.metrics.RecordOverflow(dropped)
	h.wake()
}

func (h *ServerHandler) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// window returns the effective saturation window for updates from source
func (h *ServerHandler) window(source *ServerHandler) int {
	w := h.info.WindowSize
	if source != nil && source.info.SendWindow > 0 {
		if w <= 0 || source.info.SendWindow < w {
			w = source.info.SendWindow
		}
	}
	return w
}

// IsSaturated reports whether the peer has fallen too far behind to accept
// cn from source without blocking the producer. A gap of exactly the window
// is not saturated; one more is.
func (h *ServerHandler) IsSaturated(cn model.ChangeNumber, source *ServerHandler) bool {
	if h.stopped() {
		return false
	}

	h.mu.Lock()
	gap := len(h.queue)
	var oldest uint64
	if gap > 0 {
		oldest = h.queue[0].ChangeNumber.Time
	}
	h.mu.Unlock()

	if w := h.window(source); w > 0 && gap > w {
		return true
	}
	if d := h.opts.MaxReceiveDelay; d > 0 && gap > 0 && cn.Time >= oldest {
		return time.Duration(cn.Time-oldest)*time.Millisecond >= d
	}
	return false
}

// RestartAfterSaturation reports whether producers blocked on this peer may
// resume. It is always true once the handler is going away.
func (h *ServerHandler) RestartAfterSaturation(source *ServerHandler) bool {
	if h.stopped() {
		return true
	}

	h.mu.Lock()
	gap := len(h.queue)
	var spread time.Duration
	if gap > 0 {
		first, last := h.queue[0].ChangeNumber.Time, h.queue[gap-1].ChangeNumber.Time
		if last > first {
			spread = time.Duration(last-first) * time.Millisecond
		}
	}
	h.mu.Unlock()

	restart := h.opts.RestartWindow
	w := h.window(source)
	if restart <= 0 || (w > 0 && restart > w) {
		restart = w
	}
	if restart > 0 && gap > restart {
		return false
	}
	if d := h.opts.MaxReceiveDelay; d > 0 && spread >= d {
		return false
	}
	return true
}

// Take blocks until the next update for the peer is available. It returns
// false when the handler closes, the engine shuts down or ctx is done.
// Updates the peer already holds are skipped.
func (h *ServerHandler) Take(ctx context.Context) (*model.UpdateMsg, bool) {
	for {
		if h.halt.ReqStop.IsClosed() || ctx.Err() != nil {
			return nil, false
		}

		u, retry := h.next()
		if u != nil {
			if !h.sent.Update(u.ChangeNumber) {
				continue
			}
			h.outCount.Add(1)
			return u, true
		}
		if retry {
			continue
		}

		select {
		case <-h.notify:
		case <-h.halt.ReqStop.Chan:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// next pops one candidate update. retry is true when the caller should loop
// again without waiting.
func (h *ServerHandler) next() (u *model.UpdateMsg, retry bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.receives != nil && !h.receives(h) {
		h.queue, h.late = nil, nil
		return nil, false
	}

	if !h.following && len(h.late) == 0 {
		epoch := h.overflowEpoch
		h.mu.Unlock()
		batch, err := h.readLate()
		h.mu.Lock()

		switch {
		case err != nil:
			h.logger.Warn("Failed to read changelog for catch-up", zap.Error(err))
			return nil, false
		case len(batch) > 0:
			h.metrics.RecordCatchUpBatch()
			h.late = batch
		case epoch == h.overflowEpoch:
			h.following = true
			h.logger.Info("Caught up with changelogs, following live updates")
		default:
			// overflowed while reading; read again
			return nil, true
		}
	}

	if len(h.late) > 0 {
		u = h.late[0]
		h.late[0] = nil
		h.late = h.late[1:]
		h.pruneCoveredLocked()
		return u, false
	}

	if len(h.queue) > 0 {
		u = h.queue[0]
		h.queue[0] = nil
		h.queue = h.queue[1:]
		return u, false
	}
	return nil, false
}

// pruneCoveredLocked drops queued updates already served by catch-up
func (h *ServerHandler) pruneCoveredLocked() {
	for len(h.queue) > 0 && h.sent.Covers(h.queue[0].ChangeNumber) {
		h.queue[0] = nil
		h.queue = h.queue[1:]
	}
}

// readLate reads the next catch-up batch: the oldest updates, across every
// changelog, that the peer does not hold yet
func (h *ServerHandler) readLate() ([]*model.UpdateMsg, error) {
	if h.logs == nil {
		return nil, nil
	}

	limit := h.opts.CatchUpBatch
	var batch []*model.UpdateMsg
	for _, replica := range h.logs.Replicas() {
		if replica == h.info.ServerID && !h.IsReplicationServer() {
			continue
		}
		log, ok := h.logs.Changelog(replica)
		if !ok {
			continue
		}

		var c *changelog.Cursor
		if last, ok := h.sent.Get(replica); ok {
			c = log.OpenCursorAfter(last)
		} else {
			c = log.OpenCursor(nil, changelog.CursorModeReadOnly)
		}
		n := 0
		for n < limit && c.Next() {
			batch = append(batch, c.Record())
			n++
		}
		err := c.Err()
		c.Close()
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(batch, func(i, j int) bool {
		return batch[i].ChangeNumber.Less(batch[j].ChangeNumber)
	})
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

// SendAck delivers an acknowledgment to the peer. A failure demotes the
// handler to Draining and reports it lost.
func (h *ServerHandler) SendAck(ack *model.AckMsg) error {
	if h.stopped() {
		return errors.Unavailable(fmt.Sprintf("server %d is not active", h.info.ServerID), nil)
	}
	if err := h.session.SendAck(ack); err != nil {
		h.logger.Warn("Failed to send acknowledgment",
			zap.Stringer("change_number", ack.ChangeNumber),
			zap.Error(err))
		h.Fail(err)
		return err
	}
	return nil
}

// Fail reports an I/O failure on the peer connection
func (h *ServerHandler) Fail(err error) {
	h.drain()
	if h.onLost != nil {
		h.onLost(h, err)
	}
}

// Close stops the handler and its session. It is safe to call more than once.
func (h *ServerHandler) Close() {
	h.closeOnce.Do(func() {
		h.drain()
		h.halt.ReqStop.Close()
		h.state.Store(int32(HandlerClosed))
		if h.session != nil {
			if err := h.session.Close(); err != nil {
				h.logger.Debug("Session close failed", zap.Error(err))
			}
		}

		h.mu.Lock()
		pending := len(h.queue) + len(h.late)
		h.queue, h.late = nil, nil
		h.mu.Unlock()

		h.halt.Done.Close()
		h.logger.Info("Server handler closed",
			zap.Int("discarded", pending),
			zap.Uint64("in_count", h.inCount.Load()),
			zap.Uint64("out_count", h.outCount.Load()))
	})
}
