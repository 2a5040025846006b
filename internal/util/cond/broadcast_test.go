package cond

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestBroadcaster_WakesAllWatchers(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroadcaster()
	var woken int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		gen := b.Watch()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if Wait(context.Background(), gen, nil) {
				atomic.AddInt32(&woken, 1)
			}
		}()
	}

	b.Broadcast()
	wg.Wait()
	assert.Equal(t, int32(5), atomic.LoadInt32(&woken))
}

func TestBroadcaster_BroadcastBeforeWaitIsNotLost(t *testing.T) {
	b := NewBroadcaster()
	gen := b.Watch()
	b.Broadcast()

	assert.True(t, Wait(context.Background(), gen, nil))
}

func TestWait_StopAndContext(t *testing.T) {
	b := NewBroadcaster()

	stop := make(chan struct{})
	close(stop)
	assert.False(t, Wait(context.Background(), b.Watch(), stop))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, Wait(ctx, b.Watch(), nil))
}
