// Package buffer implements the bounded page buffer: the fixed pool of page
// descriptors, the present-page index, the free/busy bookkeeping and the
// single lock protocol every page state transition goes through.
package buffer

import (
	"container/list"
	"sync"

	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/page"
	"github.com/faultmap/faultmap/internal/region"
)

// evictBatchSize bounds one victim-selection pass. The evict manager keeps
// selecting until the low watermark is reached, so this is a batching knob,
// not policy.
const evictBatchSize = 32

// FillScheduler hands a descriptor to the fill worker pool.
type FillScheduler interface {
	ScheduleFill(pd *page.Descriptor)
}

// EvictScheduler is the buffer's view of the evict subsystem.
type EvictScheduler interface {
	ScheduleEviction(pd *page.Descriptor)
	ScheduleFlush(pd *page.Descriptor)
	// TriggerEviction wakes the evict manager after a high-watermark
	// crossing.
	TriggerEviction()
	WaitIdle()
}

// PageInjector installs page content outside the fault path.
type PageInjector interface {
	InjectPage(addr uintptr, data []byte) error
}

type Stats struct {
	PagesInserted     uint64
	PagesDeleted      uint64
	NotAvail          uint64
	Waits             uint64
	EventsProcessed   uint64
	SpuriousHighWater int
}

type Buffer struct {
	mu        sync.Mutex
	availCond *sync.Cond
	stateCond *sync.Cond

	// busy is ordered by insertion, front = newest. Descriptors stay on it
	// from allocation until MarkPageFree.
	busy     *list.List
	busyElem map[*page.Descriptor]*list.Element
	free     []*page.Descriptor
	present  map[uintptr]*page.Descriptor

	capacity  int
	lowWater  int
	highWater int
	lowPct    int
	highPct   int
	pageSize  int64

	fill  FillScheduler
	evict EvictScheduler

	stats  Stats
	logger *zap.Logger

	stopMonitor chan struct{}
	monitorWG   sync.WaitGroup
}

func New(cfg *config.Config, logger *zap.Logger) *Buffer {
	b := &Buffer{
		busy:     list.New(),
		busyElem: make(map[*page.Descriptor]*list.Element),
		present:  make(map[uintptr]*page.Descriptor),
		capacity: int(cfg.BufferPages),
		lowPct:   cfg.LowWatermark,
		highPct:  cfg.HighWatermark,
		pageSize: cfg.PageSize,
		logger:   logger.Named("buffer"),

		stopMonitor: make(chan struct{}),
	}
	b.availCond = sync.NewCond(&b.mu)
	b.stateCond = sync.NewCond(&b.mu)

	slots := make([]page.Descriptor, b.capacity)
	b.free = make([]*page.Descriptor, 0, b.capacity)

	for i := range slots {
		b.free = append(b.free, &slots[i])
	}

	b.adjustWatermarks()

	return b
}

// SetSchedulers wires the worker pools in after construction; the manager
// owns the pools and the buffer, the pools hold borrowed references back.
func (b *Buffer) SetSchedulers(fill FillScheduler, evict EvictScheduler) {
	b.fill = fill
	b.evict = evict
}

// caller must hold b.mu
func (b *Buffer) adjustWatermarks() {
	b.lowWater = applyPercentage(b.lowPct, b.capacity)
	b.highWater = applyPercentage(b.highPct, b.capacity)
}

func applyPercentage(percent, total int) int {
	if percent >= 100 {
		return total
	}

	return total * percent / 100
}

// ProcessPageEvents handles one coalesced fault batch for a single region.
// Application threads block here while a touched page is in a transient
// state or while no free descriptor is available.
func (b *Buffer) ProcessPageEvents(r *region.Region, addrs []uintptr, writes []bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, addr := range addrs {
		b.processPageEvent(r, addr, writes[i])
		b.stats.EventsProcessed++
	}
}

// caller must hold b.mu
func (b *Buffer) processPageEvent(r *region.Region, addr uintptr, isWrite bool) {
	for {
		pd, ok := b.present[addr]
		if ok {
			if pd.State != page.Present {
				// Filling, updating or leaving: wait out the transition and
				// look again.
				b.waitSettled(pd)

				continue
			}

			if isWrite && !pd.Dirty {
				// First write on a clean resident page. The write-protect
				// removal goes through the fill path so it serializes with
				// any fill still completing.
				pd.Dirty = true
				pd.SetUpdating()
				b.fill.ScheduleFill(pd)
			} else {
				pd.Spurious++
				if pd.Spurious > b.stats.SpuriousHighWater {
					b.stats.SpuriousHighWater = pd.Spurious
				}

				return
			}
		} else {
			pd = b.acquireFreeDescriptor(addr)
			if pd == nil {
				// The page showed up while we waited for a descriptor.
				continue
			}

			pd.Page = addr
			pd.Region = r
			pd.Dirty = isWrite
			pd.Deferred = false
			pd.DataPresent = false
			pd.Pinned = false
			pd.Spurious = 0
			pd.SetFilling()

			b.present[addr] = pd
			b.busyElem[pd] = b.busy.PushFront(pd)
			b.stats.PagesInserted++

			b.fill.ScheduleFill(pd)
		}

		// Kick the evict manager on the edge crossing only.
		if b.busy.Len() == b.highWater {
			b.evict.TriggerEviction()
		}

		return
	}
}

// caller must hold b.mu; returns nil if the page became indexed while
// waiting for a free descriptor
func (b *Buffer) acquireFreeDescriptor(addr uintptr) *page.Descriptor {
	for len(b.free) == 0 {
		b.stats.NotAvail++
		b.stats.Waits++
		// The equality-based watermark kick can be jumped over when pinning
		// grows the busy count in bulk; make exhaustion itself a kick.
		b.evict.TriggerEviction()
		b.availCond.Wait()

		if _, ok := b.present[addr]; ok {
			return nil
		}
	}

	pd := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]

	return pd
}

// MarkPagePresent is called by a fill worker once the page content is in
// place.
func (b *Buffer) MarkPagePresent(pd *page.Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pd.SetPresent()
	b.stateCond.Broadcast()
}

// MarkPageFree is called by an evict worker after write-back and backing
// release. Deferred descriptors are left off the free list; the region
// teardown path reclaims them.
func (b *Buffer) MarkPageFree(pd *page.Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeBusy(pd)
	delete(b.present, pd.Page)

	pd.SetFree()
	pd.Page = 0
	pd.Region = nil
	pd.Spurious = 0
	pd.Pinned = false
	b.stats.PagesDeleted++

	if !pd.Deferred {
		b.releaseDescriptor(pd)
	}

	b.stateCond.Broadcast()
}

// CompleteWriteback clears the dirty flag after a successful store write.
func (b *Buffer) CompleteWriteback(pd *page.Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pd.Dirty = false
}

// caller must hold b.mu
func (b *Buffer) releaseDescriptor(pd *page.Descriptor) {
	b.free = append(b.free, pd)
	b.availCond.Broadcast()
}

// caller must hold b.mu
func (b *Buffer) removeBusy(pd *page.Descriptor) {
	elem, ok := b.busyElem[pd]
	if !ok {
		panic("page descriptor missing from busy list: " + pd.String())
	}

	b.busy.Remove(elem)
	delete(b.busyElem, pd)
}

// LowThresholdReached reports whether eviction may stop.
func (b *Buffer) LowThresholdReached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.busy.Len() <= b.lowWater
}

// EvictOldestPages selects up to a small batch of eviction victims from the
// old end of the busy list without blocking. Deferred, pinned and
// not-present pages are skipped in place.
func (b *Buffer) EvictOldestPages() []*page.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()

	var victims []*page.Descriptor

	for e := b.busy.Back(); e != nil && len(victims) < evictBatchSize; e = e.Prev() {
		pd := e.Value.(*page.Descriptor)
		if pd.Deferred || pd.Pinned || pd.State != page.Present {
			continue
		}

		pd.SetLeaving()
		victims = append(victims, pd)
	}

	return victims
}

// EvictOldestPage is the blocking selector used during full-buffer
// teardown: it waits for the oldest page to settle and returns it in
// Leaving state, or nil once the buffer is empty.
func (b *Buffer) EvictOldestPage() *page.Descriptor {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.busy.Len() > 0 {
		pd := b.busy.Back().Value.(*page.Descriptor)

		if pd.Deferred {
			b.waitState(pd, page.Free)

			if pd.Deferred {
				pd.Deferred = false
				b.releaseDescriptor(pd)
			}

			continue
		}

		b.waitSettled(pd)

		if pd.State != page.Present {
			// Settled to Free: an in-flight eviction finished it.
			continue
		}

		pd.Pinned = false
		pd.SetLeaving()

		return pd
	}

	return nil
}

// EvictRegion tears down every resident page of a region. It returns only
// once no descriptor belongs to the region anymore.
func (b *Buffer) EvictRegion(r *region.Region) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		pd := b.nextRegionDescriptor(r)
		if pd == nil {
			return
		}

		if pd.State == page.Leaving {
			// Already picked by a concurrent eviction; it frees normally.
			b.waitState(pd, page.Free)

			continue
		}

		pd.Deferred = true
		pd.Pinned = false
		b.waitPresent(pd)
		pd.SetLeaving()
		b.evict.ScheduleEviction(pd)
		b.waitState(pd, page.Free)

		// Deferred descriptors skip the evict worker's free-list push; the
		// teardown path owns that accounting.
		pd.Deferred = false
		b.releaseDescriptor(pd)
	}
}

// caller must hold b.mu
func (b *Buffer) nextRegionDescriptor(r *region.Region) *page.Descriptor {
	for e := b.busy.Back(); e != nil; e = e.Prev() {
		pd := e.Value.(*page.Descriptor)
		if pd.Region == r {
			return pd
		}
	}

	return nil
}

// FlushDirtyPages schedules a write-back for every dirty resident page and
// waits until the evict pool has drained. Pages stay resident.
func (b *Buffer) FlushDirtyPages() {
	b.mu.Lock()

	// Snapshot first: waiting on a state change may remove list elements.
	dirty := make([]*page.Descriptor, 0, b.busy.Len())

	for e := b.busy.Front(); e != nil; e = e.Next() {
		pd := e.Value.(*page.Descriptor)
		if pd.Dirty {
			dirty = append(dirty, pd)
		}
	}

	for _, pd := range dirty {
		b.waitSettled(pd)

		// An eviction may have raced us here and written the page back
		// already.
		if pd.State == page.Present && pd.Dirty {
			b.evict.ScheduleFlush(pd)
		}
	}

	b.mu.Unlock()

	b.evict.WaitIdle()
}

// caller must hold b.mu; waits until the descriptor leaves its transient
// state (ends Present or Free)
func (b *Buffer) waitSettled(pd *page.Descriptor) {
	for pd.State != page.Present && pd.State != page.Free {
		b.stats.Waits++
		b.stateCond.Wait()
	}
}

// caller must hold b.mu
func (b *Buffer) waitPresent(pd *page.Descriptor) {
	for pd.State != page.Present {
		b.stats.Waits++
		b.stateCond.Wait()
	}
}

// caller must hold b.mu
func (b *Buffer) waitState(pd *page.Descriptor, st page.State) {
	for pd.State != st {
		b.stats.Waits++
		b.stateCond.Wait()
	}
}

func (b *Buffer) BusyPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.busy.Len()
}

func (b *Buffer) FreePages() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.free)
}

func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.capacity
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stats
}

// Stop terminates the monitor and adaptive goroutines, if running.
func (b *Buffer) Stop() {
	close(b.stopMonitor)
	b.monitorWG.Wait()
}
