// Package fill implements the worker pool that materializes pages: reading
// their content from the region's store and injecting it through the fault
// channel.
package fill

import (
	"sync"

	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/buffer"
	"github.com/faultmap/faultmap/internal/page"
	"github.com/faultmap/faultmap/internal/pool"
	"github.com/faultmap/faultmap/internal/uffd"
)

// faultChannel is the slice of the fault channel the fill path needs.
type faultChannel interface {
	Copy(addr uintptr, data []byte, mode uffd.CULong) error
	RemoveWriteProtection(addr uintptr, size int64) error
}

type Workers struct {
	pool    *pool.Pool
	buf     *buffer.Buffer
	channel faultChannel
	logger  *zap.Logger

	scratch scratchPool
}

func NewWorkers(workers int, buf *buffer.Buffer, channel faultChannel, pageSize int64, logger *zap.Logger) *Workers {
	w := &Workers{
		pool:    pool.New("fill-workers", workers, logger),
		buf:     buf,
		channel: channel,
		logger:  logger.Named("fill"),
		scratch: newScratchPool(pageSize),
	}

	w.pool.Start(w.handle)

	return w
}

// ScheduleFill satisfies buffer.FillScheduler.
func (w *Workers) ScheduleFill(pd *page.Descriptor) {
	w.pool.Send(pool.Item{PD: pd, Type: pool.None})
}

func (w *Workers) handle(it pool.Item) {
	pd := it.PD
	r := pd.Region

	if pd.Dirty && pd.DataPresent {
		// First write on a clean resident page: the content is in place,
		// only the write protection has to go.
		err := w.channel.RemoveWriteProtection(pd.Page, r.PageSize)
		if err != nil {
			w.logger.Fatal("failed to remove write protection", zap.Error(err), zap.String("page", pd.String()))
		}

		w.buf.MarkPagePresent(pd)

		return
	}

	buf := w.scratch.get(r.PageSize)
	defer w.scratch.put(buf)

	_, err := r.Store.ReadAt(buf, r.StoreOffset(pd.Page))
	if err != nil {
		w.logger.Fatal("failed to read page from store",
			zap.Error(err),
			zap.Int64("offset", r.StoreOffset(pd.Page)),
			zap.String("region", r.ID.String()))
	}

	// A read fault installs the page write-protected so the first write is
	// still observed; a write fault installs it writable and already dirty.
	var mode uffd.CULong
	if !pd.Dirty {
		mode = uffd.CopyModeWP
	}

	err = w.channel.Copy(pd.Page, buf, mode)
	if err != nil {
		w.logger.Fatal("failed to inject page", zap.Error(err), zap.String("page", pd.String()))
	}

	pd.DataPresent = true
	w.buf.MarkPagePresent(pd)
}

func (w *Workers) Stop() {
	w.pool.Stop()
}

// scratchPool recycles page-sized read buffers. Buffers for the common page
// size are pooled; odd sizes (regions with larger pages) are allocated on
// demand.
type scratchPool struct {
	pageSize int64
	pool     *sync.Pool
}

func newScratchPool(pageSize int64) scratchPool {
	return scratchPool{
		pageSize: pageSize,
		pool: &sync.Pool{
			New: func() any {
				return make([]byte, pageSize)
			},
		},
	}
}

func (s *scratchPool) get(size int64) []byte {
	if size == s.pageSize {
		return s.pool.Get().([]byte)
	}

	return make([]byte, size)
}

func (s *scratchPool) put(b []byte) {
	if int64(len(b)) == s.pageSize {
		s.pool.Put(b)
	}
}
