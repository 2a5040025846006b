package service_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/errors"
	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/service"
	"github.com/devrev/pairdb/replication-server/internal/storage/changelog"
	"github.com/devrev/pairdb/replication-server/internal/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const baseDN = "dc=example,dc=com"

// fakeSession records the acknowledgments sent to a peer
type fakeSession struct {
	mu     sync.Mutex
	acks   []*model.AckMsg
	err    error
	closed bool
}

func (s *fakeSession) SendAck(ack *model.AckMsg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.acks = append(s.acks, ack)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) Acks() []*model.AckMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.AckMsg(nil), s.acks...)
}

func defaultOptions() service.DomainOptions {
	return service.DomainOptions{
		ServerID:        1000,
		GenerationID:    -1,
		AssuredTimeout:  time.Minute,
		CompletedAckTTL: time.Minute,
		Handler: service.HandlerOptions{
			MaxQueueSize: 10000,
			CatchUpBatch: 100,
		},
	}
}

// setupDomain creates a domain over an in-memory store
func setupDomain(t *testing.T, opts service.DomainOptions) *service.ReplicationDomain {
	d, err := service.NewReplicationDomain(baseDN, opts, kv.NewMemoryStore(), changelog.NewCodec(0), nil, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

func register(t *testing.T, d *service.ReplicationDomain, info service.HandlerInfo) (*service.ServerHandler, *fakeSession) {
	if info.Kind == 0 {
		info.Kind = model.PeerKindDirectoryServer
	}
	sess := &fakeSession{}
	h, err := d.Register(info, sess)
	require.NoError(t, err)
	return h, sess
}

func newUpdate(replica uint16, ts uint64) *model.UpdateMsg {
	return &model.UpdateMsg{
		ChangeNumber: model.ChangeNumber{Time: ts, ReplicaID: replica},
		DN:           "uid=jdoe,ou=people," + baseDN,
		Operation:    model.OperationModify,
		Payload:      []byte("replace: telephoneNumber"),
	}
}

func assured(u *model.UpdateMsg, mode model.AssuredMode, level uint8) *model.UpdateMsg {
	u.Assured = true
	u.AssuredMode = mode
	u.SafetyLevel = level
	return u
}

func take(t *testing.T, d *service.ReplicationDomain, h *service.ServerHandler) *model.UpdateMsg {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	u, ok := d.Take(ctx, h)
	require.True(t, ok, "expected an update for server %d", h.ServerID())
	return u
}

func assertEmpty(t *testing.T, d *service.ReplicationDomain, h *service.ServerHandler) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	u, ok := d.Take(ctx, h)
	assert.False(t, ok, "server %d unexpectedly received %v", h.ServerID(), u)
}

func TestDomain_FanOutSkipsSource(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, _ := register(t, d, service.HandlerInfo{ServerID: 1})
	p2, _ := register(t, d, service.HandlerInfo{ServerID: 2})
	p3, _ := register(t, d, service.HandlerInfo{ServerID: 3})

	u := newUpdate(1, 100)
	_, err := d.Submit(context.Background(), u, p1)
	require.NoError(t, err)

	assert.True(t, u.Equal(take(t, d, p2)))
	assert.True(t, u.Equal(take(t, d, p3)))
	assertEmpty(t, d, p2)
	assertEmpty(t, d, p3)
	assertEmpty(t, d, p1)

	assert.Equal(t, uint64(1), p2.OutCount())
	assert.Equal(t, uint64(0), p1.InCount())
	assert.Equal(t, int64(1), d.ChangesCount())
}

func TestDomain_ReplicationServersOnlyGetDirectoryServerUpdates(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	ds, _ := register(t, d, service.HandlerInfo{ServerID: 1})
	rs1, _ := register(t, d, service.HandlerInfo{ServerID: 100, Kind: model.PeerKindReplicationServer, URL: "rs1:8989"})
	rs2, _ := register(t, d, service.HandlerInfo{ServerID: 101, Kind: model.PeerKindReplicationServer, URL: "rs2:8989"})

	fromDS := newUpdate(1, 100)
	_, err := d.Submit(context.Background(), fromDS, ds)
	require.NoError(t, err)
	assert.True(t, fromDS.Equal(take(t, d, rs1)))
	assert.True(t, fromDS.Equal(take(t, d, rs2)))

	// relayed by a peer replication server from a replica behind it
	fromRS := newUpdate(7, 200)
	_, err = d.Submit(context.Background(), fromRS, rs1)
	require.NoError(t, err)
	assert.True(t, fromRS.Equal(take(t, d, ds)))
	assertEmpty(t, d, rs2)
	assertEmpty(t, d, rs1)

	local := newUpdate(1000, 300)
	_, err = d.Submit(context.Background(), local, nil)
	require.NoError(t, err)
	assert.True(t, local.Equal(take(t, d, ds)))
	assert.True(t, local.Equal(take(t, d, rs1)))
	assert.True(t, local.Equal(take(t, d, rs2)))

	assert.Equal(t, []uint16{1}, d.GetServers())
	assert.ElementsMatch(t, []string{"rs1:8989", "rs2:8989"}, d.GetChangelogs())
	assert.Len(t, d.ConnectedServers(), 3)
}

func TestDomain_AssuredAllPeers(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, s1 := register(t, d, service.HandlerInfo{ServerID: 1})
	p2, _ := register(t, d, service.HandlerInfo{ServerID: 2})
	p3, _ := register(t, d, service.HandlerInfo{ServerID: 3})

	u := assured(newUpdate(1, 100), model.AssuredModeSafeRead, 0)
	_, err := d.Submit(context.Background(), u, p1)
	require.NoError(t, err)
	assert.Equal(t, 1, d.PendingAcks())

	take(t, d, p2)
	take(t, d, p3)

	assert.True(t, d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber, FromServerID: 2}, 2))
	assert.Empty(t, s1.Acks())

	// a repeated ack must not count twice
	assert.False(t, d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber, FromServerID: 2}, 2))
	assert.Empty(t, s1.Acks())

	assert.True(t, d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber, FromServerID: 3}, 3))
	acks := s1.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, u.ChangeNumber, acks[0].ChangeNumber)
	assert.False(t, acks[0].Failed())
	assert.Equal(t, 0, d.PendingAcks())

	// late ack after completion is ignored
	assert.False(t, d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber, FromServerID: 3}, 3))
	assert.Len(t, s1.Acks(), 1)
}

func TestDomain_AssuredSafeDataLocalOrigin(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	register(t, d, service.HandlerInfo{ServerID: 2})
	register(t, d, service.HandlerInfo{ServerID: 3})

	u := assured(newUpdate(1000, 100), model.AssuredModeSafeData, 1)
	future, err := d.Submit(context.Background(), u, nil)
	require.NoError(t, err)
	require.NotNil(t, future)

	select {
	case <-future.Done():
		t.Fatal("future completed before any ack")
	default:
	}

	d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber}, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ack, err := future.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, u.ChangeNumber, ack.ChangeNumber)
	assert.Equal(t, uint16(1000), ack.FromServerID)
}

func TestDomain_AssuredWithoutEligiblePeersAcksImmediately(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, s1 := register(t, d, service.HandlerInfo{ServerID: 1})
	degraded, _ := register(t, d, service.HandlerInfo{ServerID: 2, Status: model.ServerStatusDegraded})

	u := assured(newUpdate(1, 100), model.AssuredModeSafeRead, 0)
	_, err := d.Submit(context.Background(), u, p1)
	require.NoError(t, err)

	acks := s1.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, 0, d.PendingAcks())
	assert.False(t, acks[0].HasTimeout)
	assert.True(t, acks[0].HasWrongStatus)
	assert.Equal(t, []uint16{2}, acks[0].FailedServers)

	// a degraded peer still gets the update, but not asked to ack it
	got := take(t, d, degraded)
	assert.False(t, got.Assured)
	assert.Equal(t, u.ChangeNumber, got.ChangeNumber)
	assert.True(t, u.Assured, "the stored update must not be modified")
}

func TestDomain_AssuredReportsDegradedPeers(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, s1 := register(t, d, service.HandlerInfo{ServerID: 1})
	register(t, d, service.HandlerInfo{ServerID: 2})
	register(t, d, service.HandlerInfo{ServerID: 3, Status: model.ServerStatusDegraded})

	u := assured(newUpdate(1, 100), model.AssuredModeSafeRead, 0)
	_, err := d.Submit(context.Background(), u, p1)
	require.NoError(t, err)
	assert.Empty(t, s1.Acks())

	assert.True(t, d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber, FromServerID: 2}, 2))

	acks := s1.Acks()
	require.Len(t, acks, 1)
	assert.False(t, acks[0].HasTimeout)
	assert.True(t, acks[0].HasWrongStatus)
	assert.Equal(t, []uint16{3}, acks[0].FailedServers)
}

func TestDomain_OriginDisconnectDropsPendingAcks(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, s1 := register(t, d, service.HandlerInfo{ServerID: 1})
	register(t, d, service.HandlerInfo{ServerID: 2})

	u := assured(newUpdate(1, 100), model.AssuredModeSafeRead, 0)
	_, err := d.Submit(context.Background(), u, p1)
	require.NoError(t, err)
	require.Equal(t, 1, d.PendingAcks())

	d.StopServer(p1, stderrors.New("connection reset"))
	assert.Equal(t, 0, d.PendingAcks())
	assert.Equal(t, service.HandlerClosed, p1.State())

	assert.False(t, d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber}, 2))
	assert.Empty(t, s1.Acks())
	assert.Equal(t, []uint16{2}, d.GetServers())
}

func TestDomain_LostDestinationTimesOutAck(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, s1 := register(t, d, service.HandlerInfo{ServerID: 1})
	register(t, d, service.HandlerInfo{ServerID: 2})
	p3, _ := register(t, d, service.HandlerInfo{ServerID: 3})

	u := assured(newUpdate(1, 100), model.AssuredModeSafeRead, 0)
	_, err := d.Submit(context.Background(), u, p1)
	require.NoError(t, err)

	d.StopServer(p3, stderrors.New("broken pipe"))

	acks := s1.Acks()
	require.Len(t, acks, 1)
	assert.True(t, acks[0].HasTimeout)
	assert.Equal(t, []uint16{3}, acks[0].FailedServers)
}

func TestDomain_AckSendFailureStopsOrigin(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, s1 := register(t, d, service.HandlerInfo{ServerID: 1})
	register(t, d, service.HandlerInfo{ServerID: 2})
	s1.err = stderrors.New("stream closed")

	u := assured(newUpdate(1, 100), model.AssuredModeSafeRead, 0)
	_, err := d.Submit(context.Background(), u, p1)
	require.NoError(t, err)

	d.Ack(&model.AckMsg{ChangeNumber: u.ChangeNumber}, 2)
	assert.Equal(t, service.HandlerClosed, p1.State())
	assert.Equal(t, []uint16{2}, d.GetServers())
}

func TestDomain_DuplicateRegistration(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	register(t, d, service.HandlerInfo{ServerID: 1})

	tests := []struct {
		name string
		kind model.PeerKind
	}{
		{"same kind", model.PeerKindDirectoryServer},
		{"other kind", model.PeerKindReplicationServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Register(service.HandlerInfo{ServerID: 1, Kind: tt.kind}, &fakeSession{})
			assert.Equal(t, errors.ErrCodeDuplicateServer, errors.GetCode(err))
		})
	}

	_, err := d.Register(service.HandlerInfo{ServerID: 9}, &fakeSession{})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestDomain_RejectsOutOfOrderChange(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, _ := register(t, d, service.HandlerInfo{ServerID: 1})

	_, err := d.Submit(context.Background(), newUpdate(1, 200), p1)
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), newUpdate(1, 200), p1)
	assert.Equal(t, errors.ErrCodeChangeOutOfOrder, errors.GetCode(err))
	_, err = d.Submit(context.Background(), newUpdate(1, 150), p1)
	assert.Equal(t, errors.ErrCodeChangeOutOfOrder, errors.GetCode(err))

	assert.Equal(t, int64(1), d.ChangesCount())
	assert.Equal(t, model.ChangeNumber{Time: 200, ReplicaID: 1}, d.GetDbServerState()[1])
}

func TestHandler_SaturationBoundary(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	const window = 3
	h, _ := register(t, d, service.HandlerInfo{ServerID: 2, WindowSize: window})

	for i := 1; i <= window; i++ {
		h.Enqueue(newUpdate(1, uint64(i)))
	}
	next := model.ChangeNumber{Time: window + 1, ReplicaID: 1}
	assert.False(t, h.IsSaturated(next, nil), "gap == window")

	h.Enqueue(newUpdate(1, window+1))
	assert.True(t, h.IsSaturated(next, nil), "gap == window+1")
	assert.False(t, h.RestartAfterSaturation(nil))

	take(t, d, h)
	assert.True(t, h.RestartAfterSaturation(nil))
}

func TestHandler_SourceSendWindow(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	src, _ := register(t, d, service.HandlerInfo{ServerID: 1, SendWindow: 1})
	dst, _ := register(t, d, service.HandlerInfo{ServerID: 2, WindowSize: 10})

	dst.Enqueue(newUpdate(1, 1))
	dst.Enqueue(newUpdate(1, 2))
	cn := model.ChangeNumber{Time: 3, ReplicaID: 1}
	assert.False(t, dst.IsSaturated(cn, nil))
	assert.True(t, dst.IsSaturated(cn, src))
}

func TestHandler_ReceiveDelay(t *testing.T) {
	opts := defaultOptions()
	opts.Handler.MaxReceiveDelay = time.Second
	d := setupDomain(t, opts)
	h, _ := register(t, d, service.HandlerInfo{ServerID: 2})

	h.Enqueue(newUpdate(1, 10_000))
	assert.False(t, h.IsSaturated(model.ChangeNumber{Time: 10_500, ReplicaID: 1}, nil))
	assert.True(t, h.IsSaturated(model.ChangeNumber{Time: 11_000, ReplicaID: 1}, nil))
}

func TestDomain_FlowControlBlocksUntilDrained(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, _ := register(t, d, service.HandlerInfo{ServerID: 1})
	p2, _ := register(t, d, service.HandlerInfo{ServerID: 2, WindowSize: 2})

	ctx := context.Background()
	for i := uint64(1); i <= 2; i++ {
		_, err := d.Submit(ctx, newUpdate(1, i), p1)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, newUpdate(1, 3), p1)
		done <- err
	}()

	assert.Never(t, func() bool { return len(done) > 0 }, 100*time.Millisecond, 10*time.Millisecond,
		"submit must block while the peer is saturated")

	take(t, d, p2)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit still blocked after the peer drained")
	}
}

func TestDomain_DeadPeerReleasesProducer(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, _ := register(t, d, service.HandlerInfo{ServerID: 1})
	p2, _ := register(t, d, service.HandlerInfo{ServerID: 2, WindowSize: 1})

	ctx := context.Background()
	_, err := d.Submit(ctx, newUpdate(1, 1), p1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, newUpdate(1, 2), p1)
		done <- err
	}()
	assert.Never(t, func() bool { return len(done) > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	p2.Fail(stderrors.New("connection reset"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit still blocked on a dead peer")
	}
	assert.Equal(t, service.HandlerClosed, p2.State())
}

func TestDomain_SubmitHonoursContext(t *testing.T) {
	d := setupDomain(t, defaultOptions())
	p1, _ := register(t, d, service.HandlerInfo{ServerID: 1})
	register(t, d, service.HandlerInfo{ServerID: 2, WindowSize: 1})

	_, err := d.Submit(context.Background(), newUpdate(1, 1), p1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Submit(ctx, newUpdate(1, 2), p1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the update was still persisted before the wait
	assert.Equal(t, int64(2), d.ChangesCount())
}

func TestDomain_ShutdownWakesWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, err := service.NewReplicationDomain(baseDN, defaultOptions(), kv.NewMemoryStore(), changelog.NewCodec(0), nil, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	p1, _ := register(t, d, service.HandlerInfo{ServerID: 1})
	register(t, d, service.HandlerInfo{ServerID: 2, WindowSize: 1})

	ctx := context.Background()
	_, err = d.Submit(ctx, newUpdate(1, 1), p1)
	require.NoError(t, err)

	// p1 originates every update, so nothing is ever queued for it and its
	// Take blocks; the second submit blocks on the window of server 2
	var wg sync.WaitGroup
	var takeOK bool
	var submitErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, takeOK = d.Take(ctx, p1)
	}()
	go func() {
		defer wg.Done()
		_, submitErr = d.Submit(ctx, newUpdate(1, 2), p1)
	}()

	time.Sleep(50 * time.Millisecond)
	d.Shutdown()
	wg.Wait()

	assert.False(t, takeOK)
	assert.Equal(t, errors.ErrCodeShuttingDown, errors.GetCode(submitErr))

	_, err = d.Submit(ctx, newUpdate(1, 3), nil)
	assert.Equal(t, errors.ErrCodeShuttingDown, errors.GetCode(err))
	_, err = d.Register(service.HandlerInfo{ServerID: 4, Kind: model.PeerKindDirectoryServer}, &fakeSession{})
	assert.Equal(t, errors.ErrCodeShuttingDown, errors.GetCode(err))
}

func TestDomain_CatchUpFromChangelog(t *testing.T) {
	d := setupDomain(t, defaultOptions())

	var updates []*model.UpdateMsg
	for i := uint64(1); i <= 5; i++ {
		u := newUpdate(1000, i)
		_, err := d.Submit(context.Background(), u, nil)
		require.NoError(t, err)
		updates = append(updates, u)
	}
	other := newUpdate(7, 3)
	_, err := d.Submit(context.Background(), other, nil)
	require.NoError(t, err)

	// the peer already holds the first two changes of replica 1000
	h, _ := register(t, d, service.HandlerInfo{
		ServerID:     9,
		InitialState: map[uint16]model.ChangeNumber{1000: updates[1].ChangeNumber},
	})
	assert.False(t, h.Following())

	// merged by change number; equal times order by replica id
	want := []model.ChangeNumber{
		other.ChangeNumber, updates[2].ChangeNumber, updates[3].ChangeNumber, updates[4].ChangeNumber,
	}
	for _, cn := range want {
		assert.Equal(t, cn, take(t, d, h).ChangeNumber)
	}

	live := newUpdate(1000, 10)
	_, err = d.Submit(context.Background(), live, nil)
	require.NoError(t, err)
	assert.Equal(t, live.ChangeNumber, take(t, d, h).ChangeNumber)
	assertEmpty(t, d, h)
	assert.True(t, h.Following())
}

func TestDomain_QueueOverflowRecoversFromChangelog(t *testing.T) {
	opts := defaultOptions()
	opts.Handler.MaxQueueSize = 2
	opts.Handler.CatchUpBatch = 2
	d := setupDomain(t, opts)
	h, _ := register(t, d, service.HandlerInfo{ServerID: 2})

	for i := uint64(1); i <= 5; i++ {
		_, err := d.Submit(context.Background(), newUpdate(1000, i), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, h.QueueLen())
	assert.False(t, h.Following())

	for i := uint64(1); i <= 5; i++ {
		assert.Equal(t, i, take(t, d, h).ChangeNumber.Time)
	}
	assertEmpty(t, d, h)
	assert.True(t, h.Following())
}

func TestDomain_GenerationMismatch(t *testing.T) {
	opts := defaultOptions()
	opts.GenerationID = 42
	d := setupDomain(t, opts)

	good, _ := register(t, d, service.HandlerInfo{ServerID: 1, GenerationID: 42})
	bad, _ := register(t, d, service.HandlerInfo{ServerID: 2, GenerationID: 7})
	badRS, _ := register(t, d, service.HandlerInfo{ServerID: 100, Kind: model.PeerKindReplicationServer, GenerationID: 7})

	assert.Equal(t, model.ServerStatusBadGenerationID, bad.Info().Status)

	_, err := d.Submit(context.Background(), newUpdate(1000, 1), nil)
	require.NoError(t, err)
	take(t, d, good)
	assertEmpty(t, d, bad)
	assertEmpty(t, d, badRS)
}

func TestDomain_CatchUpSkipsExcludedPeers(t *testing.T) {
	opts := defaultOptions()
	opts.GenerationID = 5
	d := setupDomain(t, opts)

	ds1, _ := register(t, d, service.HandlerInfo{ServerID: 1, GenerationID: 5})
	u := newUpdate(1, 1)
	_, err := d.Submit(context.Background(), u, ds1)
	require.NoError(t, err)

	empty := map[uint16]model.ChangeNumber{}
	bad, _ := register(t, d, service.HandlerInfo{ServerID: 2, GenerationID: 7, InitialState: empty})
	full, _ := register(t, d, service.HandlerInfo{ServerID: 3, GenerationID: 5, Status: model.ServerStatusFullUpdate, InitialState: empty})
	badRS, _ := register(t, d, service.HandlerInfo{ServerID: 100, Kind: model.PeerKindReplicationServer, GenerationID: 7, InitialState: empty})
	good, _ := register(t, d, service.HandlerInfo{ServerID: 4, GenerationID: 5, InitialState: empty})

	require.Equal(t, model.ServerStatusBadGenerationID, bad.Info().Status)
	assertEmpty(t, d, bad)
	assertEmpty(t, d, full)
	assertEmpty(t, d, badRS)
	assert.True(t, u.Equal(take(t, d, good)))

	// live traffic is withheld as well
	_, err = d.Submit(context.Background(), newUpdate(1, 2), ds1)
	require.NoError(t, err)
	assertEmpty(t, d, bad)
	assertEmpty(t, d, badRS)
	assert.Equal(t, uint64(2), take(t, d, good).ChangeNumber.Time)
}
