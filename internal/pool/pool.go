// Package pool provides the bounded worker pools and the work queue shared
// by the fill and evict subsystems.
package pool

import (
	"sync"

	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/page"
)

type ItemType int

const (
	// None is plain page work, like a fill; the worker's handler defines
	// its meaning.
	None ItemType = iota
	// Exit terminates the worker that dequeues it.
	Exit
	// Threshold wakes the evict manager to drain toward the low watermark.
	Threshold
	// Evict writes back a dirty page, releases its backing and frees it.
	Evict
	// FastEvict is Evict during full-buffer teardown; the caller drains the
	// pool afterwards.
	FastEvict
	// Flush writes back a dirty page but leaves it resident.
	Flush
)

func (t ItemType) String() string {
	switch t {
	case None:
		return "NONE"
	case Exit:
		return "EXIT"
	case Threshold:
		return "THRESHOLD"
	case Evict:
		return "EVICT"
	case FastEvict:
		return "FAST_EVICT"
	case Flush:
		return "FLUSH"
	default:
		return "UNKNOWN"
	}
}

type Item struct {
	PD   *page.Descriptor
	Type ItemType
}

// Queue is an unbounded FIFO work queue with an idle barrier. Idle means
// the queue is empty and every worker is blocked in Dequeue.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idleCond *sync.Cond

	items []Item

	maxWaiting  int
	waiting     int
	idleWaiters int
}

func NewQueue(workers int) *Queue {
	q := &Queue{
		maxWaiting: workers,
	}
	q.cond = sync.NewCond(&q.mu)
	q.idleCond = sync.NewCond(&q.mu)

	return q
}

func (q *Queue) Enqueue(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, it)
	q.cond.Signal()
}

func (q *Queue) Dequeue() Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.waiting++

	for len(q.items) == 0 {
		if q.waiting == q.maxWaiting && q.idleWaiters > 0 {
			q.idleCond.Signal()
		}

		q.cond.Wait()
	}

	q.waiting--

	it := q.items[0]
	q.items = q.items[1:]

	return it
}

// WaitIdle blocks until the queue is empty and all workers are waiting for
// work.
func (q *Queue) WaitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.idleWaiters++

	for !(len(q.items) == 0 && q.waiting == q.maxWaiting) {
		q.idleCond.Wait()
	}

	q.idleWaiters--
}

func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) == 0
}

// Pool runs a fixed number of workers over a shared Queue. An Exit item
// stops the worker that receives it; Stop sends one Exit per worker and
// joins them.
type Pool struct {
	name    string
	workers int
	queue   *Queue
	wg      sync.WaitGroup
	logger  *zap.Logger
}

func New(name string, workers int, logger *zap.Logger) *Pool {
	return &Pool{
		name:    name,
		workers: workers,
		queue:   NewQueue(workers),
		logger:  logger.Named(name),
	}
}

// Start launches the workers. The handler never sees Exit items.
func (p *Pool) Start(handle func(Item)) {
	p.logger.Debug("starting worker pool", zap.Int("workers", p.workers))

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)

		go func() {
			defer p.wg.Done()

			for {
				it := p.queue.Dequeue()
				if it.Type == Exit {
					return
				}

				handle(it)
			}
		}()
	}
}

func (p *Pool) Send(it Item) {
	p.queue.Enqueue(it)
}

func (p *Pool) WaitIdle() {
	p.queue.WaitIdle()
}

func (p *Pool) Stop() {
	p.logger.Debug("stopping worker pool")

	for i := 0; i < p.workers; i++ {
		p.queue.Enqueue(Item{Type: Exit})
	}

	p.wg.Wait()
}
