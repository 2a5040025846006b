package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/storage/changelog"
	"github.com/devrev/pairdb/replication-server/internal/storage/kv"
	"github.com/devrev/pairdb/replication-server/internal/util/cond"
	"github.com/devrev/pairdb/replication-server/internal/validation"
	"github.com/glycerine/idem"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
)

// SpaceGuard is consulted before every append
type SpaceGuard interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// DomainOptions configures a replication domain
type DomainOptions struct {
	// ServerID is this replication server's id, stamped on emitted acks
	ServerID uint16
	// GenerationID is the expected data generation. A negative value
	// adopts the first one announced by a registering peer.
	GenerationID    int64
	Handler         HandlerOptions
	AssuredTimeout  time.Duration
	CompletedAckTTL time.Duration
	// ExpireInterval is how often timed out assured updates are swept
	ExpireInterval time.Duration
	Changelog      *changelog.Options
}

// ServerInfo is a monitoring snapshot of one connected peer
type ServerInfo struct {
	ServerID     uint16 `json:"server_id"`
	Kind         string `json:"kind"`
	URL          string `json:"url,omitempty"`
	State        string `json:"state"`
	Status       string `json:"status"`
	GenerationID int64  `json:"generation_id"`
	QueueLen     int    `json:"queue_len"`
	InCount      uint64 `json:"in_count"`
	OutCount     uint64 `json:"out_count"`
	Following    bool   `json:"following"`
}

type replicaLog struct {
	// serializes validate, append and enqueue for one originator
	mu  sync.Mutex
	log *changelog.Log
}

type handlerMap = skipmap.FuncMap[uint16, *ServerHandler]

func newHandlerMap() *handlerMap {
	return skipmap.NewFunc[uint16, *ServerHandler](func(a, b uint16) bool { return a < b })
}

// ReplicationDomain is the changelog cache and router of one base DN. It
// persists submitted updates in per-originator logs, fans them out to the
// connected peers and applies flow control and assured acknowledgments.
type ReplicationDomain struct {
	baseDN  string
	opts    DomainOptions
	store   kv.Store
	codec   *changelog.Codec
	guard   SpaceGuard
	onFatal func(error)
	logger  *zap.Logger
	metrics *metrics.Metrics

	regMu              sync.Mutex
	directoryServers   *handlerMap
	replicationServers *handlerMap

	logsMu sync.Mutex
	logs   *skipmap.FuncMap[uint16, *replicaLog]

	// newest change number accepted per originator
	state        *model.ServerState
	generationID atomic.Int64

	tracker *AckTracker
	flow    *cond.Broadcaster
	halt    *idem.Halter

	loops        sync.WaitGroup
	shutdownOnce sync.Once
}

// NewReplicationDomain creates a domain and reopens the logs of the given
// replicas. onFatal is called when a log can no longer be written.
func NewReplicationDomain(
	baseDN string,
	opts DomainOptions,
	store kv.Store,
	codec *changelog.Codec,
	replicas []uint16,
	guard SpaceGuard,
	onFatal func(error),
	logger *zap.Logger,
	m *metrics.Metrics,
) (*ReplicationDomain, error) {
	logger = logger.With(zap.String("base_dn", baseDN))

	d := &ReplicationDomain{
		baseDN:             baseDN,
		opts:               opts,
		store:              store,
		codec:              codec,
		guard:              guard,
		onFatal:            onFatal,
		logger:             logger,
		metrics:            m,
		directoryServers:   newHandlerMap(),
		replicationServers: newHandlerMap(),
		logs:               skipmap.NewFunc[uint16, *replicaLog](func(a, b uint16) bool { return a < b }),
		state:              model.NewServerState(),
		tracker:            NewAckTracker(opts.ServerID, opts.AssuredTimeout, opts.CompletedAckTTL, logger, m),
		flow:               cond.NewBroadcaster(),
		halt:               idem.NewHalter(),
	}
	d.generationID.Store(opts.GenerationID)

	for _, replica := range replicas {
		if _, err := d.replicaLog(replica); err != nil {
			d.tracker.Close()
			return nil, err
		}
	}

	if opts.AssuredTimeout > 0 {
		interval := opts.ExpireInterval
		if interval <= 0 {
			interval = opts.AssuredTimeout / 2
		}
		d.loops.Add(1)
		go d.expireLoop(interval)
	}

	logger.Info("Replication domain opened",
		zap.Int("changelogs", len(replicas)),
		zap.Int64("generation_id", opts.GenerationID))

	return d, nil
}

// BaseDN returns the naming context of the domain
func (d *ReplicationDomain) BaseDN() string { return d.baseDN }

// GenerationID returns the adopted generation id, or -1 when none yet
func (d *ReplicationDomain) GenerationID() int64 { return d.generationID.Load() }

// replicaLog returns the log of a replica, creating it on first use
func (d *ReplicationDomain) replicaLog(replicaID uint16) (*replicaLog, error) {
	if rl, ok := d.logs.Load(replicaID); ok {
		return rl, nil
	}

	d.logsMu.Lock()
	defer d.logsMu.Unlock()

	if rl, ok := d.logs.Load(replicaID); ok {
		return rl, nil
	}
	log, err := changelog.OpenLog(d.store, d.baseDN, replicaID, d.codec, d.opts.Changelog, d.logger, d.metrics)
	if err != nil {
		return nil, err
	}
	if hw := log.HighWater(); !hw.IsZero() {
		d.state.Update(hw)
	}

	rl := &replicaLog{log: log}
	d.logs.Store(replicaID, rl)
	return rl, nil
}

// Changelog returns the log of a replica
func (d *ReplicationDomain) Changelog(replicaID uint16) (*changelog.Log, bool) {
	rl, ok := d.logs.Load(replicaID)
	if !ok {
		return nil, false
	}
	return rl.log, true
}

// Replicas returns the ids of every originator with a log, ascending
func (d *ReplicationDomain) Replicas() []uint16 {
	ids := make([]uint16, 0, d.logs.Len())
	d.logs.Range(func(id uint16, _ *replicaLog) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Register accepts a connecting peer. A server id already live as either
// kind of peer is rejected.
func (d *ReplicationDomain) Register(info HandlerInfo, session Session) (*ServerHandler, error) {
	if d.halt.ReqStop.IsClosed() {
		return nil, errors.ShuttingDown()
	}
	if !info.Kind.Valid() {
		return nil, errors.InvalidArgument(fmt.Sprintf("invalid peer kind %d", info.Kind), nil)
	}

	d.regMu.Lock()
	if d.halt.ReqStop.IsClosed() {
		d.regMu.Unlock()
		return nil, errors.ShuttingDown()
	}
	_, isDS := d.directoryServers.Load(info.ServerID)
	_, isRS := d.replicationServers.Load(info.ServerID)
	if isDS || isRS {
		d.regMu.Unlock()
		d.logger.Warn("Rejected duplicate registration",
			zap.Uint16("server_id", info.ServerID),
			zap.Stringer("kind", info.Kind))
		return nil, errors.DuplicateServer(info.ServerID)
	}

	if info.GenerationID >= 0 {
		d.generationID.CompareAndSwap(-1, info.GenerationID)
		if info.Kind == model.PeerKindDirectoryServer && info.GenerationID != d.generationID.Load() {
			info.Status = model.ServerStatusBadGenerationID
		}
	}

	h := NewServerHandler(info, d.opts.Handler, session, d.logger, d.metrics)
	h.logs = d
	h.onLost = d.StopServer
	h.receives = d.receivesUpdates
	d.handlersOf(info.Kind).Store(info.ServerID, h)
	h.activate()
	d.regMu.Unlock()

	d.metrics.AddConnectedServers(info.Kind.String(), 1)
	d.logger.Info("Server registered",
		zap.Uint16("server_id", info.ServerID),
		zap.Stringer("kind", info.Kind),
		zap.String("url", info.URL),
		zap.Stringer("status", info.Status),
		zap.Bool("catch_up", info.InitialState != nil))

	return h, nil
}

func (d *ReplicationDomain) handlersOf(kind model.PeerKind) *handlerMap {
	if kind == model.PeerKindReplicationServer {
		return d.replicationServers
	}
	return d.directoryServers
}

// Handler returns the live handler of a server id
func (d *ReplicationDomain) Handler(serverID uint16) (*ServerHandler, bool) {
	if h, ok := d.directoryServers.Load(serverID); ok {
		return h, true
	}
	return d.replicationServers.Load(serverID)
}

func (d *ReplicationDomain) generationMatches(h *ServerHandler) bool {
	gen := d.generationID.Load()
	return gen < 0 || h.info.GenerationID < 0 || h.info.GenerationID == gen
}

// receivesUpdates reports whether h is served updates at all, live or from
// the changelogs. Directory servers in a bad or full-update status and
// replication servers of another generation get nothing.
func (d *ReplicationDomain) receivesUpdates(h *ServerHandler) bool {
	if h.IsReplicationServer() {
		return d.generationMatches(h)
	}
	return h.info.Status.ReceivesUpdates()
}

// destinations lists the handlers an update from source is forwarded to.
// Directory servers get every update except their own; replication servers
// only get updates that did not come from another replication server.
func (d *ReplicationDomain) destinations(source *ServerHandler, origin uint16) []*ServerHandler {
	var out []*ServerHandler
	d.directoryServers.Range(func(id uint16, h *ServerHandler) bool {
		if h != source && id != origin && d.receivesUpdates(h) && !h.stopped() {
			out = append(out, h)
		}
		return true
	})
	if source == nil || !source.IsReplicationServer() {
		d.replicationServers.Range(func(_ uint16, h *ServerHandler) bool {
			if h != source && d.receivesUpdates(h) && !h.stopped() {
				out = append(out, h)
			}
			return true
		})
	}
	return out
}

// eligibleForAck reports whether h is expected to acknowledge assured updates
func (d *ReplicationDomain) eligibleForAck(h *ServerHandler) bool {
	return h.info.Status == model.ServerStatusNormal && d.generationMatches(h)
}

// Submit persists an update and forwards it to every destination. source
// is nil for updates originating on this server. For an assured update the
// returned future completes once enough peers acknowledged; for peer
// submissions the acknowledgment is sent to source instead.
//
// Submit blocks while any destination is saturated, until the destination
// drains, goes away, the domain shuts down or ctx is done.
func (d *ReplicationDomain) Submit(ctx context.Context, u *model.UpdateMsg, source *ServerHandler) (*AckFuture, error) {
	if d.halt.ReqStop.IsClosed() {
		return nil, errors.ShuttingDown()
	}
	if d.guard != nil {
		if err := d.guard.CheckBeforeWrite(validation.EstimateWriteSize(u)); err != nil {
			d.metrics.RecordRejected("disk")
			return nil, err
		}
	}

	cn := u.ChangeNumber
	rl, err := d.replicaLog(cn.ReplicaID)
	if err != nil {
		d.fail(err)
		return nil, err
	}

	rl.mu.Lock()
	if last, ok := d.state.Get(cn.ReplicaID); ok && !last.Less(cn) {
		rl.mu.Unlock()
		d.metrics.RecordRejected("out_of_order")
		return nil, errors.ChangeOutOfOrder(cn.ReplicaID, last, cn)
	}

	dests := d.destinations(source, cn.ReplicaID)

	assured := u.Assured && u.AssuredMode != model.AssuredModeNone
	var eligible, wrongStatus []uint16
	required := 0
	var future *AckFuture
	if assured {
		for _, h := range dests {
			if d.eligibleForAck(h) {
				eligible = append(eligible, h.ServerID())
			} else {
				wrongStatus = append(wrongStatus, h.ServerID())
			}
		}
		required = RequiredAcks(u.AssuredMode, u.SafetyLevel, len(eligible))
		if source == nil {
			future = newAckFuture(cn)
		}
		if required > 0 {
			// before fan-out, so an early ack finds its entry
			d.tracker.Register(cn, source, future, eligible, wrongStatus, required)
		}
	}

	if err := rl.log.Append(u); err != nil {
		if required > 0 {
			d.tracker.Remove(cn)
		}
		rl.mu.Unlock()
		d.metrics.RecordRejected("changelog")
		if errors.IsFatal(err) {
			d.fail(err)
		}
		return nil, err
	}
	d.state.Update(cn)
	d.metrics.RecordReceived()

	var plain *model.UpdateMsg
	for _, h := range dests {
		if !assured || d.eligibleForAck(h) {
			h.Enqueue(u)
			continue
		}
		if plain == nil {
			plain = u.NotAssured()
		}
		h.Enqueue(plain)
	}
	rl.mu.Unlock()

	if assured && required == 0 {
		ack := d.tracker.ImmediateAck(cn, wrongStatus)
		if future != nil {
			future.complete(ack)
		} else if source != nil {
			_ = source.SendAck(ack)
		}
	}

	if err := d.waitFlowControl(ctx, cn, source, dests); err != nil {
		return future, err
	}
	return future, nil
}

// waitFlowControl blocks while any destination saturated by cn has not
// drained back under its restart window. The predicate is re-checked after
// every wake.
func (d *ReplicationDomain) waitFlowControl(ctx context.Context, cn model.ChangeNumber, source *ServerHandler, dests []*ServerHandler) error {
	var saturated []*ServerHandler
	for _, h := range dests {
		if h.IsSaturated(cn, source) {
			saturated = append(saturated, h)
		}
	}
	if len(saturated) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { d.metrics.RecordFlowControlWait(time.Since(start)) }()

	d.logger.Debug("Blocking submission on saturated peers",
		zap.Stringer("change_number", cn),
		zap.Int("saturated", len(saturated)))

	for {
		gen := d.flow.Watch()
		if d.halt.ReqStop.IsClosed() {
			return errors.ShuttingDown()
		}
		released := true
		for _, h := range saturated {
			if !h.RestartAfterSaturation(source) {
				released = false
				break
			}
		}
		if released {
			return nil
		}
		if !cond.Wait(ctx, gen, d.halt.ReqStop.Chan) {
			if d.halt.ReqStop.IsClosed() {
				return errors.ShuttingDown()
			}
			return ctx.Err()
		}
	}
}

// Take returns the next update for a peer and wakes producers blocked on it
func (d *ReplicationDomain) Take(ctx context.Context, h *ServerHandler) (*model.UpdateMsg, bool) {
	u, ok := h.Take(ctx)
	d.flow.Broadcast()
	if ok {
		d.metrics.RecordForwarded()
	}
	return u, ok
}

// Ack routes a peer acknowledgment to the tracker
func (d *ReplicationDomain) Ack(ack *model.AckMsg, fromServerID uint16) bool {
	return d.tracker.Ack(ack, fromServerID)
}

// PendingAcks returns the number of assured updates awaiting acks
func (d *ReplicationDomain) PendingAcks() int {
	return d.tracker.Len()
}

// StopServer removes a peer after a disconnect or I/O failure. Its pending
// acks as origin are dropped, it stops counting towards other pending acks
// and producers blocked on it are released. It runs once per handler.
func (d *ReplicationDomain) StopServer(h *ServerHandler, cause error) {
	h.stopOnce.Do(func() { d.stopServer(h, cause) })
}

func (d *ReplicationDomain) stopServer(h *ServerHandler, cause error) {
	d.regMu.Lock()
	m := d.handlersOf(h.Kind())
	if cur, ok := m.Load(h.ServerID()); ok && cur == h {
		m.Delete(h.ServerID())
	}
	d.regMu.Unlock()

	h.drain()
	dropped := d.tracker.DropOrigin(h.ServerID())
	d.tracker.PeerLost(h.ServerID())
	h.Close()
	d.flow.Broadcast()

	d.metrics.AddConnectedServers(h.Kind().String(), -1)
	fields := []zap.Field{
		zap.Uint16("server_id", h.ServerID()),
		zap.Stringer("kind", h.Kind()),
		zap.Int("dropped_acks", dropped),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	d.logger.Info("Server stopped", fields...)
}

// GetServers returns the ids of the connected directory servers
func (d *ReplicationDomain) GetServers() []uint16 {
	ids := make([]uint16, 0, d.directoryServers.Len())
	d.directoryServers.Range(func(id uint16, _ *ServerHandler) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// GetChangelogs returns the URLs of the connected replication servers
func (d *ReplicationDomain) GetChangelogs() []string {
	urls := make([]string, 0, d.replicationServers.Len())
	d.replicationServers.Range(func(_ uint16, h *ServerHandler) bool {
		urls = append(urls, h.info.URL)
		return true
	})
	return urls
}

// ConnectedServers returns a snapshot of every connected peer
func (d *ReplicationDomain) ConnectedServers() []ServerInfo {
	var out []ServerInfo
	collect := func(_ uint16, h *ServerHandler) bool {
		out = append(out, ServerInfo{
			ServerID:     h.info.ServerID,
			Kind:         h.info.Kind.String(),
			URL:          h.info.URL,
			State:        h.State().String(),
			Status:       h.info.Status.String(),
			GenerationID: h.info.GenerationID,
			QueueLen:     h.QueueLen(),
			InCount:      h.InCount(),
			OutCount:     h.OutCount(),
			Following:    h.Following(),
		})
		return true
	}
	d.directoryServers.Range(collect)
	d.replicationServers.Range(collect)
	return out
}

// GetDbServerState returns the newest change number stored per originator
func (d *ReplicationDomain) GetDbServerState() map[uint16]model.ChangeNumber {
	return d.state.Snapshot()
}

// ChangesCount returns the number of retained records across all logs
func (d *ReplicationDomain) ChangesCount() int64 {
	var n int64
	d.logs.Range(func(_ uint16, rl *replicaLog) bool {
		n += int64(rl.log.Count())
		return true
	})
	return n
}

func (d *ReplicationDomain) fail(err error) {
	if d.onFatal != nil {
		d.onFatal(err)
	}
}

func (d *ReplicationDomain) expireLoop(interval time.Duration) {
	defer d.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			d.tracker.Expire(now)
		case <-d.halt.ReqStop.Chan:
			return
		}
	}
}

// Shutdown stops the domain. Blocked Take calls return false, blocked
// submissions fail with a shutting-down error and local waiters on assured
// updates are released.
func (d *ReplicationDomain) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.halt.ReqStop.Close()
		d.flow.Broadcast()

		// no registration can slip in after this
		d.regMu.Lock()
		d.regMu.Unlock()

		stop := func(_ uint16, h *ServerHandler) bool {
			d.StopServer(h, errors.ShuttingDown())
			return true
		}
		d.directoryServers.Range(stop)
		d.replicationServers.Range(stop)

		d.loops.Wait()
		d.tracker.Close()
		d.halt.Done.Close()
		d.logger.Info("Replication domain stopped")
	})
}
