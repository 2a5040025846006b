package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"
	"github.com/devrev/pairdb/replication-server/internal/metrics"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/glycerine/idem"
	"go.uber.org/zap"
)

// AckFuture is handed to a local submitter of an assured update. Done is
// closed once the required peers acknowledged, or the wait was abandoned.
type AckFuture struct {
	cn   model.ChangeNumber
	done *idem.IdemCloseChan

	mu  sync.Mutex
	ack *model.AckMsg
}

func newAckFuture(cn model.ChangeNumber) *AckFuture {
	return &AckFuture{cn: cn, done: idem.NewIdemCloseChan()}
}

// ChangeNumber returns the change the future waits on
func (f *AckFuture) ChangeNumber() model.ChangeNumber { return f.cn }

// Done is closed on completion
func (f *AckFuture) Done() <-chan struct{} { return f.done.Chan }

// Ack returns the completion message, or nil while pending
func (f *AckFuture) Ack() *model.AckMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ack
}

// Wait blocks until completion or ctx is done
func (f *AckFuture) Wait(ctx context.Context) (*model.AckMsg, error) {
	select {
	case <-f.done.Chan:
		return f.Ack(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *AckFuture) complete(ack *model.AckMsg) {
	f.mu.Lock()
	if f.ack == nil {
		f.ack = ack
	}
	f.mu.Unlock()
	f.done.Close()
}

type pendingAck struct {
	cn       model.ChangeNumber
	origin   *ServerHandler
	future   *AckFuture
	expected map[uint16]struct{}
	required int
	created  time.Time

	failed         []uint16
	hasTimeout     bool
	hasWrongStatus bool
}

func newPendingAck(cn model.ChangeNumber, wrongStatus []uint16) *pendingAck {
	p := &pendingAck{cn: cn}
	if len(wrongStatus) > 0 {
		p.hasWrongStatus = true
		p.failed = append(p.failed, wrongStatus...)
	}
	return p
}

// AckTracker keeps the pending acknowledgment set of one domain
type AckTracker struct {
	serverID uint16
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	pending map[model.ChangeNumber]*pendingAck

	// recently completed numbers, to tell late acks from unknown ones
	completed *ttlcache.Cache
}

// NewAckTracker creates a tracker. serverID is stamped on the acks it emits.
func NewAckTracker(serverID uint16, timeout, completedTTL time.Duration, logger *zap.Logger, m *metrics.Metrics) *AckTracker {
	if completedTTL <= 0 {
		completedTTL = time.Minute
	}
	c := ttlcache.NewCache()
	c.SetTTL(completedTTL)

	return &AckTracker{
		serverID:  serverID,
		timeout:   timeout,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		pending:   make(map[model.ChangeNumber]*pendingAck),
		completed: c,
	}
}

// RequiredAcks returns how many of count eligible peers must acknowledge an
// update with the given mode and safety level
func RequiredAcks(mode model.AssuredMode, safetyLevel uint8, count int) int {
	switch mode {
	case model.AssuredModeSafeRead:
		return count
	case model.AssuredModeSafeData:
		n := int(safetyLevel)
		if n < 1 {
			n = 1
		}
		if n > count {
			n = count
		}
		return n
	default:
		return 0
	}
}

// Register creates a pending entry. Exactly one of origin and future is set:
// origin for updates from a peer, future for local submissions. wrongStatus
// lists destinations that were sent the update but not asked to ack it; they
// are reported as failed in the final ack.
func (t *AckTracker) Register(cn model.ChangeNumber, origin *ServerHandler, future *AckFuture, expected, wrongStatus []uint16, required int) {
	p := newPendingAck(cn, wrongStatus)
	p.origin = origin
	p.future = future
	p.expected = make(map[uint16]struct{}, len(expected))
	p.required = required
	p.created = t.now()
	for _, id := range expected {
		p.expected[id] = struct{}{}
	}

	t.mu.Lock()
	t.pending[cn] = p
	n := len(t.pending)
	t.mu.Unlock()

	t.metrics.UpdateAssuredPending(n)
}

// Remove drops a pending entry without completing it
func (t *AckTracker) Remove(cn model.ChangeNumber) {
	t.mu.Lock()
	delete(t.pending, cn)
	n := len(t.pending)
	t.mu.Unlock()

	t.metrics.UpdateAssuredPending(n)
}

// Ack records an acknowledgment from a peer. It returns false when the ack
// was ignored: no pending entry, a peer outside the expected set, or a
// duplicate. Error flags carried by the ack are passed on to the origin.
func (t *AckTracker) Ack(ack *model.AckMsg, from uint16) bool {
	t.mu.Lock()
	p, ok := t.pending[ack.ChangeNumber]
	if !ok {
		t.mu.Unlock()
		reason := "unknown"
		if _, late := t.completed.Get(ack.ChangeNumber.String()); late {
			reason = "late"
		}
		t.metrics.RecordAckIgnored(reason)
		t.logger.Debug("Ignoring acknowledgment",
			zap.Stringer("change_number", ack.ChangeNumber),
			zap.Uint16("server_id", from),
			zap.String("reason", reason))
		return false
	}
	if _, ok := p.expected[from]; !ok {
		t.mu.Unlock()
		t.metrics.RecordAckIgnored("unexpected")
		return false
	}

	delete(p.expected, from)
	p.required--
	p.hasTimeout = p.hasTimeout || ack.HasTimeout
	p.hasWrongStatus = p.hasWrongStatus || ack.HasWrongStatus
	p.failed = append(p.failed, ack.FailedServers...)

	if p.required > 0 {
		t.mu.Unlock()
		return true
	}
	delete(t.pending, p.cn)
	n := len(t.pending)
	t.mu.Unlock()

	t.metrics.UpdateAssuredPending(n)
	t.complete(p)
	return true
}

// DropOrigin discards every entry whose origin is the given server. Nobody
// is left to receive those acks.
func (t *AckTracker) DropOrigin(serverID uint16) int {
	t.mu.Lock()
	dropped := 0
	for cn, p := range t.pending {
		if p.origin != nil && p.origin.ServerID() == serverID {
			delete(t.pending, cn)
			dropped++
		}
	}
	n := len(t.pending)
	t.mu.Unlock()

	if dropped > 0 {
		t.metrics.UpdateAssuredPending(n)
		t.logger.Debug("Dropped pending acknowledgments of disconnected origin",
			zap.Uint16("server_id", serverID),
			zap.Int("dropped", dropped))
	}
	return dropped
}

// PeerLost removes a dead destination from every expected set. Entries that
// can no longer collect their required acks complete with a timeout.
func (t *AckTracker) PeerLost(serverID uint16) {
	var done []*pendingAck

	t.mu.Lock()
	for cn, p := range t.pending {
		if _, ok := p.expected[serverID]; !ok {
			continue
		}
		delete(p.expected, serverID)
		p.failed = append(p.failed, serverID)
		if len(p.expected) < p.required {
			p.hasTimeout = true
			delete(t.pending, cn)
			done = append(done, p)
		}
	}
	n := len(t.pending)
	t.mu.Unlock()

	if len(done) > 0 {
		t.metrics.UpdateAssuredPending(n)
	}
	for _, p := range done {
		t.complete(p)
	}
}

// Expire completes entries older than the assured timeout
func (t *AckTracker) Expire(now time.Time) int {
	if t.timeout <= 0 {
		return 0
	}

	var done []*pendingAck
	t.mu.Lock()
	for cn, p := range t.pending {
		if now.Sub(p.created) < t.timeout {
			continue
		}
		p.hasTimeout = true
		for id := range p.expected {
			p.failed = append(p.failed, id)
		}
		delete(t.pending, cn)
		done = append(done, p)
	}
	n := len(t.pending)
	t.mu.Unlock()

	if len(done) > 0 {
		t.metrics.UpdateAssuredPending(n)
		t.logger.Warn("Assured updates timed out", zap.Int("count", len(done)))
	}
	for _, p := range done {
		t.complete(p)
	}
	return len(done)
}

// Len returns the number of pending entries
func (t *AckTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close abandons every pending entry. Local waiters are released with a
// timeout ack.
func (t *AckTracker) Close() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[model.ChangeNumber]*pendingAck)
	t.mu.Unlock()

	for _, p := range pending {
		if p.future != nil {
			p.hasTimeout = true
			p.future.complete(t.ackFor(p))
		}
	}
	t.metrics.UpdateAssuredPending(0)
	t.completed.Close()
}

// ImmediateAck builds the ack of an assured update no peer has to
// acknowledge
func (t *AckTracker) ImmediateAck(cn model.ChangeNumber, wrongStatus []uint16) *model.AckMsg {
	return t.ackFor(newPendingAck(cn, wrongStatus))
}

func (t *AckTracker) ackFor(p *pendingAck) *model.AckMsg {
	ack := &model.AckMsg{
		ChangeNumber:   p.cn,
		FromServerID:   t.serverID,
		HasTimeout:     p.hasTimeout,
		HasWrongStatus: p.hasWrongStatus,
	}
	if len(p.failed) > 0 {
		ack.FailedServers = append([]uint16(nil), p.failed...)
		sort.Slice(ack.FailedServers, func(i, j int) bool { return ack.FailedServers[i] < ack.FailedServers[j] })
	}
	return ack
}

// complete fires the completion of p. Callers must not hold t.mu.
func (t *AckTracker) complete(p *pendingAck) {
	ack := t.ackFor(p)
	t.completed.Set(p.cn.String(), true)

	outcome := "acked"
	switch {
	case ack.HasTimeout:
		outcome = "timeout"
	case ack.Failed():
		outcome = "failed"
	}
	t.metrics.RecordAssuredCompleted(outcome)

	if p.future != nil {
		p.future.complete(ack)
		return
	}
	if p.origin != nil {
		// a failing origin is reported lost by SendAck itself
		_ = p.origin.SendAck(ack)
	}
}
