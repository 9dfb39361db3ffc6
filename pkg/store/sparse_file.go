package store

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	seekData = 3
	seekHole = 4
)

type ErrEndOfFile struct{}

func (ErrEndOfFile) Error() string {
	return "End of file."
}

type ErrNoDataFound struct{}

func (ErrNoDataFound) Error() string {
	return "No data found."
}

// SparseFile is a file store that keeps all-zero pages as holes.
//
// Writes consisting entirely of zero bytes are punched out of the file
// instead of written, so a mostly-empty region does not consume disk space.
type SparseFile struct {
	file *os.File
	size int64
}

func NewSparseFile(size int64, filePath string) (*SparseFile, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	err = f.Truncate(size)
	if err != nil {
		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	return &SparseFile{
		file: f,
		size: size,
	}, nil
}

func (s *SparseFile) ReadAt(b []byte, off int64) (int, error) {
	n, err := s.file.ReadAt(b, off)
	if err != nil {
		return n, fmt.Errorf("failed to read from sparse file at offset %d: %w", off, err)
	}

	return n, nil
}

func (s *SparseFile) WriteAt(b []byte, off int64) (int, error) {
	if allZero(b) {
		err := unix.Fallocate(
			int(s.file.Fd()),
			unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
			off,
			int64(len(b)),
		)
		if err == nil {
			return len(b), nil
		}

		if !errors.Is(err, unix.EOPNOTSUPP) {
			return 0, fmt.Errorf("error punching hole: %w", err)
		}
		// Filesystem without punch-hole support: fall through to a plain
		// write.
	}

	n, err := s.file.WriteAt(b, off)
	if err != nil {
		return n, fmt.Errorf("failed to write to sparse file at offset %d: %w", off, err)
	}

	return n, nil
}

// DataRange returns the first range containing data at or after the given
// offset. If the rest of the file is a hole it returns ErrNoDataFound.
func (s *SparseFile) DataRange(offset int64) (start int64, end int64, err error) {
	start, err = s.seek(offset, seekData)
	if errors.As(err, &ErrEndOfFile{}) {
		return 0, 0, ErrNoDataFound{}
	}

	if err != nil {
		return 0, 0, err
	}

	end, err = s.seek(start, seekHole)
	if errors.As(err, &ErrEndOfFile{}) {
		return start, s.size, nil
	}

	if err != nil {
		return 0, 0, err
	}

	return start, end, nil
}

func (s *SparseFile) seek(offset int64, whence int) (int64, error) {
	var syserr syscall.Errno

	pos, err := s.file.Seek(offset, whence)
	if errors.As(err, &syserr) {
		if syserr == syscall.ENXIO {
			return 0, ErrEndOfFile{}
		}

		return 0, fmt.Errorf("error seeking data: %w", err)
	}

	if err != nil {
		return 0, fmt.Errorf("error seeking data: %w", err)
	}

	return pos, nil
}

func (s *SparseFile) Size() (int64, error) {
	return s.size, nil
}

func (s *SparseFile) Sync() error {
	return s.file.Sync()
}

func (s *SparseFile) Close() error {
	return s.file.Close()
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}
