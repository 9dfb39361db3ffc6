// Package faultmap maps arbitrarily large logical regions into a bounded
// in-memory page cache backed by an application-supplied store. On first
// touch of a mapped address the engine pages the content in through
// userfaultfd; under memory pressure it evicts pages, writing back dirty
// ones.
package faultmap

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/faultmap/faultmap/internal/config"
	"github.com/faultmap/faultmap/internal/manager"
	"github.com/faultmap/faultmap/pkg/store"
)

// Mapping protection and flag bits, mirroring mmap.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2

	MapPrivate = 0x02
	MapFixed   = 0x10
)

var (
	ErrBadFlags         = errors.New("flags must include MapPrivate and may include MapFixed")
	ErrBadProt          = errors.New("only ProtRead and ProtWrite are supported")
	ErrUnalignedAddress = errors.New("address must be page aligned")
	ErrMissingStore     = errors.New("either a store or a file must be supplied")
	ErrRegionNotFound   = manager.ErrRegionNotFound
)

type MapOption func(*mapOptions)

type mapOptions struct {
	store    store.Store
	pageSize int64
}

// WithStore supplies the backing store directly instead of building a file
// store from the fd.
func WithStore(s store.Store) MapOption {
	return func(o *mapOptions) {
		o.store = s
	}
}

// WithPageSize overrides the region's page size. It must be a multiple of
// the configured engine page size.
func WithPageSize(size int64) MapOption {
	return func(o *mapOptions) {
		o.pageSize = size
	}
}

// Map registers a new region of the given length and returns the mapped
// memory. The length is rounded up to a multiple of the region page size.
// A non-zero addr must be page aligned and is only honoured together with
// MapFixed. If no store option is given, a file store over f at offset is
// used.
func Map(addr uintptr, length int64, prot, flags int, f *os.File, offset int64, opts ...MapOption) ([]byte, error) {
	o := mapOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	mgr := manager.Get()

	cfg, err := mgr.Config()
	if err != nil {
		return nil, err
	}

	pageSize := o.pageSize
	if pageSize == 0 {
		pageSize = cfg.PageSize
	}

	if pageSize < cfg.SystemPageSize || pageSize%cfg.SystemPageSize != 0 {
		return nil, config.ErrInvalidPageSize
	}

	if flags&MapPrivate == 0 || flags&^(MapPrivate|MapFixed) != 0 {
		return nil, ErrBadFlags
	}

	if prot&^(ProtRead|ProtWrite) != 0 {
		return nil, ErrBadProt
	}

	if addr%uintptr(pageSize) != 0 {
		return nil, ErrUnalignedAddress
	}

	if length <= 0 {
		return nil, errors.New("length must be positive")
	}

	if rem := length % pageSize; rem != 0 {
		length += pageSize - rem
	}

	st := o.store
	if st == nil {
		if f == nil {
			return nil, ErrMissingStore
		}

		st = store.NewFile(f, offset, length)
	}

	b, base, err := anonMmap(addr, length, prot, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to map region: %w", err)
	}

	_, err = mgr.AddRegion(base, length, pageSize, st)
	if err != nil {
		_ = unix.Munmap(b)

		return nil, err
	}

	return b, nil
}

// Unmap evicts all of the region's pages (writing back dirty ones),
// unregisters it and releases the address range. Unmapping the same region
// twice fails cleanly with ErrRegionNotFound.
func Unmap(addr uintptr, length int64) error {
	size, err := manager.Get().RemoveRegion(addr)
	if err != nil {
		return err
	}

	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	err = unix.Munmap(b)
	if err != nil {
		return fmt.Errorf("failed to unmap region: %w", err)
	}

	return nil
}

// Flush writes back all dirty pages across all regions. Pages remain
// resident.
func Flush() error {
	return manager.Get().Flush()
}

// PrefetchItem names one page to pre-populate.
type PrefetchItem struct {
	Addr uintptr
}

var prefetchSink byte

// Prefetch triggers a faulting read at each item's page base address.
// Population is best effort.
func Prefetch(items []PrefetchItem) {
	mgr := manager.Get()

	for _, it := range items {
		r := mgr.ContainingRegion(it.Addr)
		if r == nil {
			continue
		}

		// The load itself is the prefetch: it raises the missing fault.
		prefetchSink = *(*byte)(unsafe.Pointer(r.PageBase(it.Addr)))
	}
}

// FetchAndPin materializes the given sub-range of a mapped region and
// exempts it from eviction until the region is unmapped.
func FetchAndPin(addr uintptr, size int64) error {
	return manager.Get().FetchAndPin(addr, size)
}

// anonMmap creates the anonymous private mapping the engine serves faults
// for.
func anonMmap(addr uintptr, length int64, prot, flags int) ([]byte, uintptr, error) {
	sysProt := 0
	if prot&ProtRead != 0 {
		sysProt |= unix.PROT_READ
	}

	if prot&ProtWrite != 0 {
		sysProt |= unix.PROT_WRITE
	}

	sysFlags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if flags&MapFixed != 0 {
		sysFlags |= unix.MAP_FIXED
	}

	if addr == 0 {
		b, err := unix.Mmap(-1, 0, int(length), sysProt, sysFlags)
		if err != nil {
			return nil, 0, err
		}

		return b, uintptr(unsafe.Pointer(&b[0])), nil
	}

	base, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(sysProt),
		uintptr(sysFlags),
		^uintptr(0), // fd -1
		0,
	)
	if errno != 0 {
		return nil, 0, errno
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(base)), length), base, nil
}
