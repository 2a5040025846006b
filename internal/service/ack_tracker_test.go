package service

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/replication-server/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRequiredAcks(t *testing.T) {
	tests := []struct {
		name  string
		mode  model.AssuredMode
		level uint8
		count int
		want  int
	}{
		{"safe read needs every peer", model.AssuredModeSafeRead, 0, 3, 3},
		{"safe read without peers", model.AssuredModeSafeRead, 0, 0, 0},
		{"safe data below peer count", model.AssuredModeSafeData, 2, 5, 2},
		{"safe data capped by peer count", model.AssuredModeSafeData, 4, 2, 2},
		{"safe data level zero means one", model.AssuredModeSafeData, 0, 3, 1},
		{"not assured", model.AssuredModeNone, 3, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RequiredAcks(tt.mode, tt.level, tt.count))
		})
	}
}

func newTestTracker(timeout time.Duration) *AckTracker {
	tr := NewAckTracker(1000, timeout, time.Minute, zap.NewNop(), nil)
	return tr
}

func TestAckTracker_AckIsIdempotent(t *testing.T) {
	tr := newTestTracker(time.Minute)
	defer tr.Close()

	cn := model.ChangeNumber{Time: 1, ReplicaID: 1}
	f := newAckFuture(cn)
	tr.Register(cn, nil, f, []uint16{2, 3, 4}, nil, 2)

	ack := &model.AckMsg{ChangeNumber: cn}
	assert.True(t, tr.Ack(ack, 2))
	for i := 0; i < 3; i++ {
		assert.False(t, tr.Ack(ack, 2))
	}
	assert.Nil(t, f.Ack(), "duplicates must not complete the entry")
	assert.Equal(t, 1, tr.Len())

	assert.False(t, tr.Ack(ack, 9), "peer outside the expected set")
	assert.True(t, tr.Ack(ack, 4))
	require.NotNil(t, f.Ack())
	assert.Equal(t, 0, tr.Len())

	assert.False(t, tr.Ack(ack, 3), "entry already completed")
}

func TestAckTracker_PropagatesPeerErrors(t *testing.T) {
	tr := newTestTracker(time.Minute)
	defer tr.Close()

	cn := model.ChangeNumber{Time: 1, ReplicaID: 1}
	f := newAckFuture(cn)
	tr.Register(cn, nil, f, []uint16{2}, nil, 1)

	tr.Ack(&model.AckMsg{ChangeNumber: cn, HasWrongStatus: true, FailedServers: []uint16{17}}, 2)

	ack := f.Ack()
	require.NotNil(t, ack)
	assert.True(t, ack.HasWrongStatus)
	assert.Equal(t, []uint16{17}, ack.FailedServers)
}

func TestAckTracker_Expire(t *testing.T) {
	tr := newTestTracker(time.Second)
	defer tr.Close()

	start := time.Now()
	tr.now = func() time.Time { return start }

	old := model.ChangeNumber{Time: 1, ReplicaID: 1}
	fOld := newAckFuture(old)
	tr.Register(old, nil, fOld, []uint16{2, 3}, nil, 2)

	tr.now = func() time.Time { return start.Add(800 * time.Millisecond) }
	recent := model.ChangeNumber{Time: 2, ReplicaID: 1}
	fRecent := newAckFuture(recent)
	tr.Register(recent, nil, fRecent, []uint16{2}, nil, 1)

	tr.Ack(&model.AckMsg{ChangeNumber: old}, 3)
	assert.Equal(t, 1, tr.Expire(start.Add(time.Second)))

	ack := fOld.Ack()
	require.NotNil(t, ack)
	assert.True(t, ack.HasTimeout)
	assert.Equal(t, []uint16{2}, ack.FailedServers)
	assert.Nil(t, fRecent.Ack())
	assert.Equal(t, 1, tr.Len())
}

func TestAckTracker_CloseReleasesLocalWaiters(t *testing.T) {
	tr := newTestTracker(time.Minute)

	cn := model.ChangeNumber{Time: 1, ReplicaID: 1}
	f := newAckFuture(cn)
	tr.Register(cn, nil, f, []uint16{2}, nil, 1)
	tr.Close()

	select {
	case <-f.Done():
	default:
		t.Fatal("future still pending after close")
	}
	assert.True(t, f.Ack().HasTimeout)
}
