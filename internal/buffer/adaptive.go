package buffer

import (
	"time"

	"go.uber.org/zap"

	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/page"
)

const (
	// Memory headroom the adaptive loop never hands to the free pool.
	adaptMemoryMargin = 4 << 30

	// Minimum slack between the free pool and available memory before the
	// pool is resized, in bytes.
	adaptResizeMargin = 64 << 20
)

// StartMonitor periodically logs buffer occupancy and statistics.
func (b *Buffer) StartMonitor(interval time.Duration) {
	b.logger.Info("starting buffer monitor", zap.Duration("interval", interval))

	b.monitorWG.Add(1)

	go func() {
		defer b.monitorWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.stopMonitor:
				return
			case <-ticker.C:
				b.mu.Lock()
				b.logger.Info("buffer occupancy",
					zap.Int("capacity", b.capacity),
					zap.Int("busy_pages", b.busy.Len()),
					zap.Int("free_pages", len(b.free)),
					zap.Uint64("events_processed", b.stats.EventsProcessed),
					zap.Uint64("waits", b.stats.Waits))
				b.mu.Unlock()
			}
		}
	}()
}

// StartAdaptive periodically resizes the free-descriptor pool to follow the
// memory actually available on the host. In-use descriptors are never
// destroyed; shrinking below the high watermark kicks eviction.
func (b *Buffer) StartAdaptive(interval time.Duration) {
	b.logger.Info("starting adaptive buffer sizing", zap.Duration("interval", interval))

	b.monitorWG.Add(1)

	go func() {
		defer b.monitorWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastBusy int

		for {
			select {
			case <-b.stopMonitor:
				return
			case <-ticker.C:
				lastBusy = b.adaptFreePages(lastBusy)
			}
		}
	}()
}

func (b *Buffer) adaptFreePages(lastBusy int) int {
	avail, err := config.AvailableMemory()
	if err != nil {
		b.logger.Warn("failed to read available memory", zap.Error(err))

		return lastBusy
	}

	avail -= adaptMemoryMargin
	if avail < 0 {
		avail = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	maxFreePages := int(avail / b.pageSize)
	marginPages := int(adaptResizeMargin / b.pageSize)

	busy := b.busy.Len()
	pending := b.capacity - busy

	filledPerEpoch := 0
	if busy > lastBusy {
		filledPerEpoch = busy - lastBusy
	}

	switch {
	case pending < maxFreePages:
		// Grow when the pool is close to exhaustion relative to the fill
		// rate and the host has memory to spare.
		if pending+filledPerEpoch*3+marginPages <= maxFreePages {
			diff := maxFreePages - pending

			grown := make([]page.Descriptor, diff)
			for i := range grown {
				b.free = append(b.free, &grown[i])
			}

			b.capacity += diff
			b.adjustWatermarks()
			b.availCond.Broadcast()

			b.logger.Info("grew page buffer",
				zap.Int("capacity", b.capacity),
				zap.Int("free_pages", len(b.free)))
		}

	case maxFreePages < filledPerEpoch*3 && len(b.free) > maxFreePages+marginPages:
		diff := pending - maxFreePages
		if diff >= len(b.free) {
			diff = len(b.free)
		}

		b.free = b.free[:len(b.free)-diff]
		b.capacity -= diff
		b.adjustWatermarks()

		if busy >= b.highWater {
			b.evict.TriggerEviction()
		}

		b.logger.Info("shrank page buffer",
			zap.Int("capacity", b.capacity),
			zap.Int("free_pages", len(b.free)))
	}

	return busy
}
