package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/page"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)

	first := &page.Descriptor{}
	second := &page.Descriptor{}

	q.Enqueue(Item{PD: first, Type: Evict})
	q.Enqueue(Item{PD: second, Type: Flush})

	it := q.Dequeue()
	assert.Same(t, first, it.PD)
	assert.Equal(t, Evict, it.Type)

	it = q.Dequeue()
	assert.Same(t, second, it.PD)
	assert.Equal(t, Flush, it.Type)

	assert.True(t, q.Empty())
}

func TestPoolProcessesAllItems(t *testing.T) {
	t.Parallel()

	p := New("test-pool", 4, zap.NewNop())

	var handled atomic.Int64

	p.Start(func(it Item) {
		handled.Add(1)
	})

	const items = 100
	for i := 0; i < items; i++ {
		p.Send(Item{Type: None})
	}

	p.WaitIdle()
	assert.Equal(t, int64(items), handled.Load())

	p.Stop()
	assert.Equal(t, int64(items), handled.Load())
}

func TestWaitIdleBlocksUntilDrained(t *testing.T) {
	t.Parallel()

	p := New("test-pool", 2, zap.NewNop())

	release := make(chan struct{})

	p.Start(func(it Item) {
		<-release
	})

	p.Send(Item{Type: None})
	p.Send(Item{Type: None})

	idle := make(chan struct{})

	go func() {
		p.WaitIdle()
		close(idle)
	}()

	select {
	case <-idle:
		t.Fatal("WaitIdle returned while work was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("WaitIdle did not return after the pool drained")
	}

	p.Stop()
}

func TestStopJoinsWorkers(t *testing.T) {
	t.Parallel()

	p := New("test-pool", 3, zap.NewNop())

	var once sync.Once

	started := make(chan struct{})

	p.Start(func(it Item) {
		once.Do(func() { close(started) })
	})

	p.Send(Item{Type: None})
	<-started

	// Stop must return only after every worker exited; a hang here fails
	// the test by timeout.
	p.Stop()
}

func TestExitStopsSingleWorker(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)

	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			it := q.Dequeue()
			if it.Type == Exit {
				return
			}
		}
	}()

	q.Enqueue(Item{Type: None})
	q.Enqueue(Item{Type: Exit})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}

	require.True(t, q.Empty())
}

func TestItemTypeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "NONE", None.String())
	assert.Equal(t, "EXIT", Exit.String())
	assert.Equal(t, "THRESHOLD", Threshold.String())
	assert.Equal(t, "EVICT", Evict.String())
	assert.Equal(t, "FAST_EVICT", FastEvict.String())
	assert.Equal(t, "FLUSH", Flush.String())
}
