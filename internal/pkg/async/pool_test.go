package async

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	pool := NewPool(4, 64)

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		require.True(t, pool.Submit(func() {
			ran.Add(1)
		}))
	}

	pool.Close()
	assert.Equal(t, int64(50), ran.Load())
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})

	// One task occupies the worker, one fills the queue.
	require.True(t, pool.Submit(func() {
		close(started)
		<-block
	}))
	<-started
	require.True(t, pool.Submit(func() {}))

	assert.False(t, pool.Submit(func() {}))

	close(block)
	pool.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	pool := NewPool(2, 8)
	pool.Close()
	pool.Close()
}
