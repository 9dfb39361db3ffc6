package store

import (
	"errors"
	"io"
)

var ErrReadOnlyStore = errors.New("store is read-only")

// Store is the backing source for a mapped region.
//
// The engine always calls ReadAt and WriteAt with a buffer of exactly one
// region page and an offset that is page-aligned and smaller than the region
// length. Both calls are blocking. Callers check only the returned error, so
// a store must not report success for a partial read or write.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

// Sizer is implemented by stores that know the size of their content.
type Sizer interface {
	Size() (int64, error)
}
