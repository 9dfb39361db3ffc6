package store

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Mmap is a store over a memory-mapped file.
type Mmap struct {
	file *os.File
	mmap mmap.MMap
	size int64
	mu   sync.RWMutex
}

func NewMmap(size int64, filePath string) (*Mmap, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	err = f.Truncate(size)
	if err != nil {
		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	return &Mmap{
		mmap: mm,
		file: f,
		size: size,
	}, nil
}

func (m *Mmap) ReadAt(b []byte, off int64) (int, error) {
	length := int64(len(b))
	if length+off > m.size {
		length = m.size - off
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return copy(b, m.mmap[off:off+length]), nil
}

func (m *Mmap) WriteAt(b []byte, off int64) (int, error) {
	length := int64(len(b))
	if length+off > m.size {
		length = m.size - off
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return copy(m.mmap[off:off+length], b), nil
}

func (m *Mmap) Close() error {
	mmapErr := m.mmap.Unmap()
	closeErr := m.file.Close()

	return errors.Join(mmapErr, closeErr)
}

func (m *Mmap) Sync() error {
	return m.mmap.Flush()
}

func (m *Mmap) Size() (int64, error) {
	return m.size, nil
}
