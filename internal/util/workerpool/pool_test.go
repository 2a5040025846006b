package workerpool

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 3, QueueSize: 2})
	defer pool.Stop(time.Second)

	var ran atomic.Int32
	boom := stderrors.New("boom")
	tasks := make([]Task, 10)
	for i := range tasks {
		i := i
		tasks[i] = Task{ID: "t", Fn: func(context.Context) error {
			ran.Add(1)
			switch i {
			case 3:
				return boom
			case 7:
				panic("bad task")
			}
			return nil
		}}
	}

	errs := pool.RunBatch(context.Background(), tasks)
	require.Len(t, errs, 10)
	assert.Equal(t, int32(10), ran.Load())
	assert.ErrorIs(t, errs[3], boom)
	assert.ErrorContains(t, errs[7], "panicked")
	assert.NoError(t, errs[0])

	stats := pool.Stats()
	assert.Equal(t, uint64(10), stats.TotalTasks)
	assert.Equal(t, uint64(8), stats.CompletedTasks)
	assert.Equal(t, uint64(2), stats.FailedTasks)
}

func TestStopCancelsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(&Config{Name: "test", MaxWorkers: 1})

	started := make(chan struct{})
	require.True(t, pool.TrySubmit(Task{ID: "slow", Fn: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started

	require.NoError(t, pool.Stop(time.Second))

	assert.False(t, pool.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }}))
	errs := pool.RunBatch(context.Background(), []Task{{ID: "late", Fn: func(context.Context) error { return nil }}})
	assert.Error(t, errs[0])
}
