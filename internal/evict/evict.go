// Package evict implements the eviction side of the page lifecycle: a
// manager goroutine that drains the buffer toward the low watermark and a
// worker pool that writes dirty pages back and releases their backing.
package evict

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/buffer"
	"github.com/faultmap/faultmap/internal/page"
	"github.com/faultmap/faultmap/internal/pool"
)

// faultChannel is the slice of the fault channel the evict path needs.
type faultChannel interface {
	AddWriteProtection(addr uintptr, size int64) error
	ReleasePage(addr uintptr, size int64) error
}

type Workers struct {
	pool    *pool.Pool
	buf     *buffer.Buffer
	channel faultChannel
	logger  *zap.Logger
}

func NewWorkers(workers int, buf *buffer.Buffer, channel faultChannel, logger *zap.Logger) *Workers {
	w := &Workers{
		pool:    pool.New("evict-workers", workers, logger),
		buf:     buf,
		channel: channel,
		logger:  logger.Named("evict"),
	}

	w.pool.Start(w.handle)

	return w
}

func (w *Workers) handle(it pool.Item) {
	pd := it.PD
	r := pd.Region
	addr := pd.Page
	psize := r.PageSize

	if pd.Dirty {
		// Write-protect before writing back so no concurrent writer can
		// land a store after the page content has been captured.
		err := w.channel.AddWriteProtection(addr, psize)
		if err != nil {
			w.logger.Fatal("failed to write protect page", zap.Error(err), zap.String("page", pd.String()))
		}

		data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), psize)

		_, err = r.Store.WriteAt(data, r.StoreOffset(addr))
		if err != nil {
			w.logger.Fatal("failed to write page to store",
				zap.Error(err),
				zap.Int64("offset", r.StoreOffset(addr)),
				zap.String("region", r.ID.String()))
		}

		w.buf.CompleteWriteback(pd)
	}

	// A flush leaves the page resident.
	if it.Type == pool.Flush {
		return
	}

	err := w.channel.ReleasePage(addr, psize)
	if err != nil {
		w.logger.Fatal("failed to release page backing", zap.Error(err), zap.String("page", pd.String()))
	}

	w.buf.MarkPageFree(pd)
}

func (w *Workers) Send(it pool.Item) {
	w.pool.Send(it)
}

func (w *Workers) WaitIdle() {
	w.pool.WaitIdle()
}

func (w *Workers) Stop() {
	w.pool.Stop()
}

// Manager is the single goroutine deciding what to evict. It wakes on
// Threshold items and keeps scheduling the oldest present pages until the
// buffer is back at the low watermark.
type Manager struct {
	pool    *pool.Pool
	workers *Workers
	buf     *buffer.Buffer
	logger  *zap.Logger
}

func NewManager(evictors int, buf *buffer.Buffer, channel faultChannel, logger *zap.Logger) *Manager {
	m := &Manager{
		pool:    pool.New("evict-manager", 1, logger),
		workers: NewWorkers(evictors, buf, channel, logger),
		buf:     buf,
		logger:  logger.Named("evict-manager"),
	}

	m.pool.Start(m.handle)

	return m
}

func (m *Manager) handle(it pool.Item) {
	for !m.buf.LowThresholdReached() {
		victims := m.buf.EvictOldestPages()
		if len(victims) == 0 {
			// Nothing evictable right now; wait for the next kick.
			return
		}

		for _, pd := range victims {
			m.workers.Send(pool.Item{PD: pd, Type: pool.Evict})
		}
	}
}

// TriggerEviction satisfies buffer.EvictScheduler.
func (m *Manager) TriggerEviction() {
	m.pool.Send(pool.Item{Type: pool.Threshold})
}

func (m *Manager) ScheduleEviction(pd *page.Descriptor) {
	m.workers.Send(pool.Item{PD: pd, Type: pool.Evict})
}

func (m *Manager) ScheduleFlush(pd *page.Descriptor) {
	m.workers.Send(pool.Item{PD: pd, Type: pool.Flush})
}

func (m *Manager) WaitIdle() {
	m.workers.WaitIdle()
}

// EvictAll drains the entire buffer. Used for teardown when only one region
// is active, so no per-region filtering is needed.
func (m *Manager) EvictAll() {
	m.logger.Debug("evicting all pages")

	for pd := m.buf.EvictOldestPage(); pd != nil; pd = m.buf.EvictOldestPage() {
		if pd.Dirty {
			m.workers.Send(pool.Item{PD: pd, Type: pool.FastEvict})
		} else {
			// The region teardown unmaps the range anyway; only dirty pages
			// need the worker round trip.
			m.buf.MarkPageFree(pd)
		}
	}

	m.workers.WaitIdle()
}

// Stop drains the buffer and joins the manager and workers.
func (m *Manager) Stop() {
	m.EvictAll()
	m.pool.Stop()
	m.workers.Stop()
}
