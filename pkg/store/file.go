package store

import (
	"fmt"
	"io"
	"os"
)

// File is a store over a regular file, starting at a fixed offset.
//
// Reads past the end of the file return zeroes so a region rounded up to a
// page multiple can still be mapped over a shorter file.
type File struct {
	file   *os.File
	offset int64
	size   int64
}

func NewFile(f *os.File, offset, size int64) *File {
	return &File{
		file:   f,
		offset: offset,
		size:   size,
	}
}

func (s *File) ReadAt(b []byte, off int64) (int, error) {
	n, err := s.file.ReadAt(b, s.offset+off)
	if err == io.EOF {
		for i := n; i < len(b); i++ {
			b[i] = 0
		}

		return len(b), nil
	}

	if err != nil {
		return n, fmt.Errorf("failed to read from file at offset %d: %w", off, err)
	}

	return n, nil
}

func (s *File) WriteAt(b []byte, off int64) (int, error) {
	n, err := s.file.WriteAt(b, s.offset+off)
	if err != nil {
		return n, fmt.Errorf("failed to write to file at offset %d: %w", off, err)
	}

	return n, nil
}

func (s *File) Size() (int64, error) {
	return s.size, nil
}

func (s *File) Sync() error {
	return s.file.Sync()
}
