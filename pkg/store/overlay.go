package store

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Overlay is a copy-on-write store: writes land in a local store, reads
// come from the local store once the page has been written there and from
// the base otherwise. With cacheReads enabled, base reads are promoted into
// the local store as well.
type Overlay struct {
	base       Store
	local      Store
	pageSize   int64
	cacheReads bool

	mu      sync.RWMutex
	written *bitset.BitSet
}

func NewOverlay(base, local Store, pageSize int64, cacheReads bool) *Overlay {
	return &Overlay{
		base:       base,
		local:      local,
		pageSize:   pageSize,
		cacheReads: cacheReads,
		written:    bitset.New(0),
	}
}

func (o *Overlay) WriteAt(b []byte, off int64) (int, error) {
	n, err := o.local.WriteAt(b, off)
	if err != nil {
		return n, fmt.Errorf("error writing to local store: %w", err)
	}

	o.mu.Lock()
	o.written.Set(uint(off / o.pageSize))
	o.mu.Unlock()

	return n, nil
}

func (o *Overlay) ReadAt(b []byte, off int64) (int, error) {
	o.mu.RLock()
	local := o.written.Test(uint(off / o.pageSize))
	o.mu.RUnlock()

	if local {
		n, err := o.local.ReadAt(b, off)
		if err != nil {
			return n, fmt.Errorf("error reading from local store: %w", err)
		}

		return n, nil
	}

	n, err := o.base.ReadAt(b, off)
	if err != nil {
		return n, fmt.Errorf("error reading from base store: %w", err)
	}

	if o.cacheReads {
		_, err = o.WriteAt(b[:n], off)
		if err != nil {
			return n, err
		}
	}

	return n, nil
}
