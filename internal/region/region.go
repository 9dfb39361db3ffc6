package region

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"github.com/faultmap/faultmap/pkg/store"
)

// Region describes one contiguous mapped address range backed by a store.
//
// Regions never overlap and their page size is fixed for their lifetime.
// The pinned set is guarded by the buffer mutex, like all page bookkeeping.
type Region struct {
	ID       uuid.UUID
	Base     uintptr
	Size     int64
	PageSize int64
	Store    store.Store

	pinned *bitset.BitSet
}

func New(base uintptr, size, pageSize int64, st store.Store) *Region {
	return &Region{
		ID:       uuid.New(),
		Base:     base,
		Size:     size,
		PageSize: pageSize,
		Store:    st,
		pinned:   bitset.New(uint(size / pageSize)),
	}
}

func (r *Region) End() uintptr {
	return r.Base + uintptr(r.Size)
}

func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.End()
}

// PageBase rounds an address down to the start of its region page.
func (r *Region) PageBase(addr uintptr) uintptr {
	off := addr - r.Base

	return r.Base + off - off%uintptr(r.PageSize)
}

// StoreOffset returns the byte offset of an address within the backing
// store. The address must lie inside the region.
func (r *Region) StoreOffset(addr uintptr) int64 {
	return int64(addr - r.Base)
}

func (r *Region) PageIndex(addr uintptr) int64 {
	return int64(addr-r.Base) / r.PageSize
}

func (r *Region) Pages() int64 {
	return r.Size / r.PageSize
}

func (r *Region) Pin(addr uintptr) {
	r.pinned.Set(uint(r.PageIndex(addr)))
}

func (r *Region) IsPinned(addr uintptr) bool {
	return r.pinned.Test(uint(r.PageIndex(addr)))
}

func (r *Region) PinnedCount() uint {
	return r.pinned.Count()
}
