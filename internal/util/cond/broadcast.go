package cond

import (
	"context"
	"sync"
)

// Broadcaster is a condition variable built on closed channels. A waiter
// takes the current generation with Watch before checking its predicate,
// then waits on that channel, so a Broadcast issued in between is never
// lost. Every wake-up must re-check the predicate.
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{ch: make(chan struct{})}
}

// Watch returns a channel closed by the next Broadcast
func (b *Broadcaster) Watch() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Broadcast wakes every current watcher
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}

// Wait blocks until the generation returned by a prior Watch is closed, the
// stop channel is closed, or ctx is done. It returns false on stop or ctx.
func Wait(ctx context.Context, gen <-chan struct{}, stop <-chan struct{}) bool {
	select {
	case <-gen:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
