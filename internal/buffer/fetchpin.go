package buffer

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/page"
	"github.com/faultmap/faultmap/internal/region"
)

const (
	// Memory kept out of reach of pinning decisions.
	pinMemoryMargin = 1 << 30

	// Ranges above this many pages are fetched by a small parallel team.
	pinParallelThreshold = 1024
	pinFetchTeamSize     = 8
)

var ErrPinTooLarge = errors.New("pinned range is larger than the memory available for free pages")

// FetchAndPin materializes a contiguous sub-range of a region into the
// buffer and exempts it from eviction until the region is removed. The
// range is clamped to the region and aligned to its page size.
func (b *Buffer) FetchAndPin(r *region.Region, addr uintptr, size int64, inj PageInjector) error {
	start := r.PageBase(addr)

	end := addr + uintptr(size)
	if end > r.End() {
		b.logger.Info("pinned range clamped to region end",
			zap.String("region", r.ID.String()),
			zap.String("requested", humanize.IBytes(uint64(size))))

		end = r.End()
	}

	if rem := (end - r.Base) % uintptr(r.PageSize); rem != 0 {
		end += uintptr(r.PageSize) - rem
		if end > r.End() {
			end = r.End()
		}
	}

	if start >= end {
		return nil
	}

	pinBytes := int64(end - start)

	b.mu.Lock()

	err := b.reserveForPin(pinBytes)
	if err != nil {
		b.mu.Unlock()

		return err
	}

	// Claim a descriptor for every page up front so nothing in the range
	// can be selected for eviction from here on.
	var toFetch []*page.Descriptor

	for pageAddr := start; pageAddr < end; pageAddr += uintptr(r.PageSize) {
		pd := b.claimPinned(r, pageAddr)
		if pd != nil {
			toFetch = append(toFetch, pd)
		}

		r.Pin(pageAddr)
	}

	// Pinning can jump the busy count past the high watermark without ever
	// hitting the fault path's equality check.
	if b.busy.Len() >= b.highWater {
		b.evict.TriggerEviction()
	}

	b.mu.Unlock()

	began := time.Now()

	err = b.fetchTeam(r, toFetch, inj)
	if err != nil {
		b.logger.Fatal("failed to fetch pinned range", zap.Error(err))
	}

	b.logger.Info("fetch and pin done",
		zap.String("region", r.ID.String()),
		zap.String("pinned", humanize.IBytes(uint64(pinBytes))),
		zap.Int("fetched_pages", len(toFetch)),
		zap.Duration("took", time.Since(began)))

	return nil
}

// caller must hold b.mu; shrinks the free-descriptor cap when available
// memory cannot hold both the current free pool and the pinned range
func (b *Buffer) reserveForPin(pinBytes int64) error {
	avail, err := config.AvailableMemory()
	if err != nil {
		return fmt.Errorf("failed to check available memory: %w", err)
	}

	avail -= pinMemoryMargin
	if avail < 0 {
		avail = 0
	}

	freeBytes := int64(len(b.free)) * b.pageSize
	if pinBytes > freeBytes {
		return ErrPinTooLarge
	}

	if freeBytes+pinBytes < avail {
		return nil
	}

	reduce := freeBytes + pinBytes - avail
	if reduce >= freeBytes {
		return ErrPinTooLarge
	}

	newFree := int(freeBytes-reduce) / int(b.pageSize)
	b.free = b.free[:newFree]
	b.capacity = b.busy.Len() + len(b.free)
	b.adjustWatermarks()

	b.logger.Info("reduced buffer capacity for pinned range",
		zap.Int("capacity", b.capacity),
		zap.Int("free_pages", len(b.free)))

	return nil
}

// caller must hold b.mu; returns nil when the page is already resident (it
// is pinned in place instead of fetched)
func (b *Buffer) claimPinned(r *region.Region, addr uintptr) *page.Descriptor {
	for {
		pd, ok := b.present[addr]
		if ok {
			if pd.State != page.Present {
				b.waitSettled(pd)

				continue
			}

			pd.Pinned = true

			return nil
		}

		pd = b.acquireFreeDescriptor(addr)
		if pd == nil {
			continue
		}

		pd.Page = addr
		pd.Region = r
		pd.Dirty = false
		pd.Deferred = false
		pd.DataPresent = false
		pd.Pinned = true
		pd.Spurious = 0
		pd.SetFilling()

		b.present[addr] = pd
		b.busyElem[pd] = b.busy.PushFront(pd)
		b.stats.PagesInserted++

		return pd
	}
}

// fetchTeam reads the claimed pages from the store and injects them through
// the fault channel, a few pages at a time.
func (b *Buffer) fetchTeam(r *region.Region, pds []*page.Descriptor, inj PageInjector) error {
	if len(pds) == 0 {
		return nil
	}

	workers := 1
	if len(pds) > pinParallelThreshold {
		workers = pinFetchTeamSize
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for _, pd := range pds {
		pd := pd
		g.Go(func() error {
			buf := make([]byte, r.PageSize)

			_, err := r.Store.ReadAt(buf, r.StoreOffset(pd.Page))
			if err != nil {
				return fmt.Errorf("failed to read pinned page at offset %d: %w", r.StoreOffset(pd.Page), err)
			}

			err = inj.InjectPage(pd.Page, buf)
			if err != nil {
				return fmt.Errorf("failed to inject pinned page at %#x: %w", pd.Page, err)
			}

			pd.DataPresent = true
			b.MarkPagePresent(pd)

			return nil
		})
	}

	return g.Wait()
}
