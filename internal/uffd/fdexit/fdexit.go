// Package fdexit provides an out-of-band wake signal for loops blocked in
// poll alongside a fault channel.
package fdexit

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type FdExit struct {
	readFd  int
	writeFd int

	exitOnce  sync.Once
	closeOnce sync.Once
	exitErr   error
	closeErr  error
}

func New() (*FdExit, error) {
	var fds [2]int

	err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("failed to create exit pipe: %w", err)
	}

	return &FdExit{
		readFd:  fds[0],
		writeFd: fds[1],
	}, nil
}

// Reader returns the fd to include in the poll set.
func (e *FdExit) Reader() int32 {
	return int32(e.readFd)
}

// SignalExit makes the reader side readable. It is safe to call multiple
// times and from multiple goroutines.
func (e *FdExit) SignalExit() error {
	e.exitOnce.Do(func() {
		_, err := unix.Write(e.writeFd, []byte{0})
		if err != nil {
			e.exitErr = fmt.Errorf("failed to signal exit: %w", err)
		}
	})

	return e.exitErr
}

func (e *FdExit) Close() error {
	e.closeOnce.Do(func() {
		readErr := unix.Close(e.readFd)
		writeErr := unix.Close(e.writeFd)

		if readErr != nil {
			e.closeErr = readErr
		} else {
			e.closeErr = writeErr
		}
	})

	return e.closeErr
}
