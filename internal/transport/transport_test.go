package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/devrev/pairdb/replication-server/internal/service"
	"github.com/devrev/pairdb/replication-server/internal/storage/changelog"
	"github.com/devrev/pairdb/replication-server/internal/storage/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testBaseDN = "dc=example,dc=com"

func newTestServer(t *testing.T, serverID uint16) *service.ReplicationServer {
	opts := service.DomainOptions{
		ServerID:        serverID,
		GenerationID:    -1,
		AssuredTimeout:  time.Minute,
		CompletedAckTTL: time.Minute,
		Handler: service.HandlerOptions{
			MaxQueueSize: 1000,
			CatchUpBatch: 10,
		},
	}
	srv, err := service.NewReplicationServer(kv.NewMemoryStore(), changelog.NewCodec(0), opts, nil, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	return srv
}

// serve exposes srv on an in-memory listener and returns a client for it
func serve(t *testing.T, srv *service.ReplicationServer, serverID uint16) *grpc.ClientConn {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewService(srv, Options{ServerID: serverID, WindowSize: 100}, zap.NewNop(), nil).Register(gs)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		srv.Shutdown()
	})
	return conn
}

func bufDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func openStream(t *testing.T, conn *grpc.ClientConn, hello *Hello) (grpc.ClientStream, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], connectMethod, grpc.CallContentSubtype(codecName))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&Frame{Kind: FrameHello, Hello: hello}))

	var reply Frame
	if err := stream.RecvMsg(&reply); err != nil {
		return nil, err
	}
	require.Equal(t, FrameHello, reply.Kind)
	return stream, nil
}

func connectDS(t *testing.T, conn *grpc.ClientConn, serverID uint16) grpc.ClientStream {
	stream, err := openStream(t, conn, &Hello{
		BaseDN:   testBaseDN,
		ServerID: serverID,
		Kind:     model.PeerKindDirectoryServer,
	})
	require.NoError(t, err)
	return stream
}

func recvFrame(t *testing.T, stream grpc.ClientStream) *Frame {
	type result struct {
		f   *Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var f Frame
		err := stream.RecvMsg(&f)
		ch <- result{&f, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func newUpdate(replica uint16, dn string) *model.UpdateMsg {
	return &model.UpdateMsg{
		ChangeNumber: model.ChangeNumber{Time: uint64(time.Now().UnixMilli()), ReplicaID: replica},
		DN:           dn,
		Operation:    model.OperationModify,
		Payload:      []byte("replace: mail"),
	}
}

func TestConnect_ForwardsBetweenDirectoryServers(t *testing.T) {
	conn := serve(t, newTestServer(t, 1000), 1000)
	ds1 := connectDS(t, conn, 1)
	ds2 := connectDS(t, conn, 2)

	u := newUpdate(1, "uid=jdoe,ou=people,"+testBaseDN)
	require.NoError(t, ds1.SendMsg(&Frame{Kind: FrameUpdate, Update: u}))

	f := recvFrame(t, ds2)
	require.Equal(t, FrameUpdate, f.Kind)
	assert.True(t, u.Equal(f.Update))
}

func TestConnect_AssuredAckRoundTrip(t *testing.T) {
	conn := serve(t, newTestServer(t, 1000), 1000)
	ds1 := connectDS(t, conn, 1)
	ds2 := connectDS(t, conn, 2)

	u := newUpdate(1, "uid=jdoe,ou=people,"+testBaseDN)
	u.Assured = true
	u.AssuredMode = model.AssuredModeSafeRead
	require.NoError(t, ds1.SendMsg(&Frame{Kind: FrameUpdate, Update: u}))

	f := recvFrame(t, ds2)
	require.Equal(t, FrameUpdate, f.Kind)
	assert.True(t, f.Update.Assured)

	require.NoError(t, ds2.SendMsg(&Frame{Kind: FrameAck, Ack: &model.AckMsg{ChangeNumber: u.ChangeNumber, FromServerID: 2}}))

	f = recvFrame(t, ds1)
	require.Equal(t, FrameAck, f.Kind)
	assert.Equal(t, u.ChangeNumber, f.Ack.ChangeNumber)
	assert.Equal(t, uint16(1000), f.Ack.FromServerID)
	assert.False(t, f.Ack.HasTimeout)
	assert.False(t, f.Ack.HasWrongStatus)
}

func TestConnect_RejectsInvalidUpdate(t *testing.T) {
	conn := serve(t, newTestServer(t, 1000), 1000)
	ds1 := connectDS(t, conn, 1)
	ds2 := connectDS(t, conn, 2)

	bad := newUpdate(1, "uid=jdoe,dc=elsewhere")
	bad.Assured = true
	bad.AssuredMode = model.AssuredModeSafeRead
	require.NoError(t, ds1.SendMsg(&Frame{Kind: FrameUpdate, Update: bad}))

	f := recvFrame(t, ds1)
	require.Equal(t, FrameAck, f.Kind)
	assert.Equal(t, bad.ChangeNumber, f.Ack.ChangeNumber)
	assert.True(t, f.Ack.HasWrongStatus)

	// the stream survives the rejection
	good := newUpdate(1, "uid=asmith,ou=people,"+testBaseDN)
	good.ChangeNumber.Seq = 1
	require.NoError(t, ds1.SendMsg(&Frame{Kind: FrameUpdate, Update: good}))

	f = recvFrame(t, ds2)
	require.Equal(t, FrameUpdate, f.Kind)
	assert.Equal(t, good.ChangeNumber, f.Update.ChangeNumber)
}

func TestConnect_CatchUpFromChangelog(t *testing.T) {
	srv := newTestServer(t, 1000)
	conn := serve(t, srv, 1000)
	ds1 := connectDS(t, conn, 1)

	var sent []*model.UpdateMsg
	for i := 0; i < 3; i++ {
		u := newUpdate(1, "uid=jdoe,ou=people,"+testBaseDN)
		u.ChangeNumber.Seq = uint32(i)
		require.NoError(t, ds1.SendMsg(&Frame{Kind: FrameUpdate, Update: u}))
		sent = append(sent, u)
	}

	d, ok := srv.LookupDomain(testBaseDN)
	require.True(t, ok)
	require.Eventually(t, func() bool { return d.ChangesCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	// a server announcing an empty state reads the whole log
	ds3, err := openStream(t, conn, &Hello{
		BaseDN:   testBaseDN,
		ServerID: 3,
		Kind:     model.PeerKindDirectoryServer,
		HasState: true,
	})
	require.NoError(t, err)

	for _, want := range sent {
		f := recvFrame(t, ds3)
		require.Equal(t, FrameUpdate, f.Kind)
		assert.Equal(t, want.ChangeNumber, f.Update.ChangeNumber)
	}
}

func TestConnect_HandshakeErrors(t *testing.T) {
	conn := serve(t, newTestServer(t, 1000), 1000)
	connectDS(t, conn, 1)

	tests := []struct {
		name  string
		hello *Hello
		code  codes.Code
	}{
		{
			name:  "own server id",
			hello: &Hello{BaseDN: testBaseDN, ServerID: 1000, Kind: model.PeerKindReplicationServer},
			code:  codes.InvalidArgument,
		},
		{
			name:  "duplicate server id",
			hello: &Hello{BaseDN: testBaseDN, ServerID: 1, Kind: model.PeerKindDirectoryServer},
			code:  codes.AlreadyExists,
		},
		{
			name:  "invalid base DN",
			hello: &Hello{BaseDN: "not a dn", ServerID: 7, Kind: model.PeerKindDirectoryServer},
			code:  codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := openStream(t, conn, tt.hello)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestConnect_DisconnectStopsHandler(t *testing.T) {
	srv := newTestServer(t, 1000)
	conn := serve(t, srv, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], connectMethod, grpc.CallContentSubtype(codecName))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(&Frame{Kind: FrameHello, Hello: &Hello{
		BaseDN:   testBaseDN,
		ServerID: 1,
		Kind:     model.PeerKindDirectoryServer,
	}}))
	var reply Frame
	require.NoError(t, stream.RecvMsg(&reply))

	d, ok := srv.LookupDomain(testBaseDN)
	require.True(t, ok)
	_, ok = d.Handler(1)
	require.True(t, ok)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := d.Handler(1)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnect_StopDomainsEndsStreams(t *testing.T) {
	srv := newTestServer(t, 1000)
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewService(srv, Options{ServerID: 1000, WindowSize: 100}, zap.NewNop(), nil).Register(gs)
	go func() { _ = gs.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		gs.Stop()
		srv.Shutdown()
	})

	stream := connectDS(t, conn, 1)

	srv.StopDomains()
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("graceful stop is still waiting on the peer stream")
	}

	var f Frame
	assert.Error(t, stream.RecvMsg(&f))
	_, err = srv.Domain("dc=other,dc=com")
	assert.Error(t, err)
}

func TestConnector_LinksReplicationServers(t *testing.T) {
	srvA := newTestServer(t, 1000)
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewService(srvA, Options{ServerID: 1000, WindowSize: 100}, zap.NewNop(), nil).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() {
		gs.Stop()
		srvA.Shutdown()
	})

	clientA, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	require.NoError(t, err)
	t.Cleanup(func() { clientA.Close() })
	ds := connectDS(t, clientA, 1)

	srvB := newTestServer(t, 2000)
	t.Cleanup(func() { srvB.Shutdown() })
	connector := NewConnector(srvB, ConnectorConfig{
		Addresses:     []string{"passthrough:///bufnet"},
		BaseDNs:       []string{testBaseDN},
		RetryInterval: 50 * time.Millisecond,
		DialTimeout:   time.Second,
		DialOptions:   bufDialOptions(lis),
	}, Options{ServerID: 2000, WindowSize: 100}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- connector.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	dB, err := srvB.Domain(testBaseDN)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h, ok := dB.Handler(1000)
		return ok && h.IsReplicationServer()
	}, 2*time.Second, 10*time.Millisecond)

	dA, ok := srvA.LookupDomain(testBaseDN)
	require.True(t, ok)
	h, ok := dA.Handler(2000)
	require.True(t, ok)
	assert.True(t, h.IsReplicationServer())

	// a change logged on B reaches the directory server attached to A
	u := newUpdate(5, "uid=jdoe,ou=people,"+testBaseDN)
	_, err = dB.Submit(context.Background(), u, nil)
	require.NoError(t, err)

	f := recvFrame(t, ds)
	require.Equal(t, FrameUpdate, f.Kind)
	assert.Equal(t, u.ChangeNumber, f.Update.ChangeNumber)
}

func TestFrameCodec(t *testing.T) {
	c := frameCodec{}

	t.Run("hello keeps negative generation and state", func(t *testing.T) {
		in := &Frame{Kind: FrameHello, Hello: &Hello{
			BaseDN:       testBaseDN,
			ServerID:     7,
			Kind:         model.PeerKindReplicationServer,
			GenerationID: -1,
			HasState:     true,
			State: map[uint16]model.ChangeNumber{
				1: {Time: 100, Seq: 2, ReplicaID: 1},
				3: {Time: 90, ReplicaID: 3},
			},
		}}
		data, err := c.Marshal(in)
		require.NoError(t, err)

		var out Frame
		require.NoError(t, c.Unmarshal(data, &out))
		assert.Equal(t, in, &out)
	})

	t.Run("ack failed servers", func(t *testing.T) {
		in := &Frame{Kind: FrameAck, Ack: &model.AckMsg{
			ChangeNumber:   model.ChangeNumber{Time: 100, ReplicaID: 1},
			FromServerID:   1000,
			HasTimeout:     true,
			HasWrongStatus: true,
			FailedServers:  []uint16{2, 3},
		}}
		data, err := c.Marshal(in)
		require.NoError(t, err)

		var out Frame
		require.NoError(t, c.Unmarshal(data, &out))
		assert.Equal(t, in, &out)
	})

	t.Run("truncated input", func(t *testing.T) {
		data, err := c.Marshal(&Frame{Kind: FrameUpdate, Update: newUpdate(1, "uid=a,"+testBaseDN)})
		require.NoError(t, err)

		var out Frame
		assert.Error(t, c.Unmarshal(data[:len(data)-3], &out))
	})

	t.Run("wrong message type", func(t *testing.T) {
		_, err := c.Marshal("not a frame")
		assert.Error(t, err)
	})
}
