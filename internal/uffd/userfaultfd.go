// Package uffd implements the fault channel: a userfaultfd file descriptor
// delivering page-fault events for registered regions, together with its
// inverse operations (page injection, write-protect toggling, backing
// release) and the dispatcher that turns raw events into buffer work.
package uffd

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var ErrIncompatibleKernel = errors.New("userfaultfd does not support write-protect faults")

// Fd is the operational surface of the fault channel. The real
// implementation wraps a userfaultfd file descriptor; tests substitute a
// mock.
type Fd interface {
	Register(addr uintptr, size int64, mode CULong) error
	Unregister(addr uintptr, size int64) error
	Copy(addr uintptr, data []byte, mode CULong) error
	AddWriteProtection(addr uintptr, size int64) error
	RemoveWriteProtection(addr uintptr, size int64) error
	// ReleasePage drops the physical backing of a resident page.
	ReleasePage(addr uintptr, size int64) error
	Fd() int32
	Close() error
}

type Userfaultfd struct {
	fd     int32
	logger *zap.Logger
}

// New creates a non-blocking userfaultfd and performs the API handshake.
// Write-protect fault support is required.
func New(logger *zap.Logger) (*Userfaultfd, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("userfaultfd syscall not available in this kernel: %w", errno)
	}

	u := &Userfaultfd{
		fd:     int32(fd),
		logger: logger,
	}

	api := uffdioAPIArg{
		API:      uffdAPIVersion,
		Features: featurePagefaultFlagWP,
	}

	err := u.ioctl(uffdioAPI, unsafe.Pointer(&api))
	if err != nil {
		closeErr := u.Close()

		return nil, errors.Join(fmt.Errorf("UFFDIO_API handshake failed: %w", err), closeErr)
	}

	if api.Features&featurePagefaultFlagWP == 0 {
		closeErr := u.Close()

		return nil, errors.Join(ErrIncompatibleKernel, closeErr)
	}

	return u, nil
}

func (u *Userfaultfd) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

func (u *Userfaultfd) Register(addr uintptr, size int64, mode CULong) error {
	arg := uffdioRegisterArg{
		Range: uffdioRangeArg{
			Start: CULong(addr),
			Len:   CULong(size),
		},
		Mode: mode,
	}

	err := u.ioctl(uffdioRegister, unsafe.Pointer(&arg))
	if err != nil {
		return fmt.Errorf("UFFDIO_REGISTER failed for %#x+%d: %w", addr, size, err)
	}

	if arg.Ioctls&uffdioCopyIoctlBit == 0 || arg.Ioctls&uffdioWriteProtectIoctlBit == 0 {
		return fmt.Errorf("unexpected userfaultfd ioctl set: %#x", arg.Ioctls)
	}

	return nil
}

func (u *Userfaultfd) Unregister(addr uintptr, size int64) error {
	arg := uffdioRangeArg{
		Start: CULong(addr),
		Len:   CULong(size),
	}

	err := u.ioctl(uffdioUnregister, unsafe.Pointer(&arg))
	if err != nil {
		return fmt.Errorf("UFFDIO_UNREGISTER failed for %#x+%d: %w", addr, size, err)
	}

	return nil
}

// Copy injects one page of data at the given address, atomically waking any
// thread faulting on it. With CopyModeWP the page is installed
// write-protected.
func (u *Userfaultfd) Copy(addr uintptr, data []byte, mode CULong) error {
	arg := uffdioCopyArg{
		Dst:  CULong(addr),
		Src:  CULong(uintptr(unsafe.Pointer(&data[0]))),
		Len:  CULong(len(data)),
		Mode: mode,
	}

	err := u.ioctl(uffdioCopy, unsafe.Pointer(&arg))
	if err != nil {
		return fmt.Errorf("UFFDIO_COPY failed at %#x: %w", addr, err)
	}

	if arg.Copy != CLong(len(data)) {
		return fmt.Errorf("UFFDIO_COPY short copy at %#x: %d of %d bytes", addr, arg.Copy, len(data))
	}

	return nil
}

func (u *Userfaultfd) AddWriteProtection(addr uintptr, size int64) error {
	return u.writeProtect(addr, size, writeProtectModeWP)
}

func (u *Userfaultfd) RemoveWriteProtection(addr uintptr, size int64) error {
	return u.writeProtect(addr, size, 0)
}

func (u *Userfaultfd) writeProtect(addr uintptr, size int64, mode CULong) error {
	arg := uffdioWriteProtectArg{
		Range: uffdioRangeArg{
			Start: CULong(addr),
			Len:   CULong(size),
		},
		Mode: mode,
	}

	err := u.ioctl(uffdioWriteProtect, unsafe.Pointer(&arg))
	if err != nil {
		return fmt.Errorf("UFFDIO_WRITEPROTECT(mode=%#x) failed at %#x: %w", mode, addr, err)
	}

	return nil
}

// ReleasePage gives the physical page back to the kernel. The next access
// faults again as missing.
func (u *Userfaultfd) ReleasePage(addr uintptr, size int64) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	err := unix.Madvise(b, unix.MADV_DONTNEED)
	if err != nil {
		return fmt.Errorf("madvise(MADV_DONTNEED) failed at %#x: %w", addr, err)
	}

	return nil
}

// InjectPage installs a page write-protected outside the fault path, so a
// later write is still observed as a write-protect fault.
func (u *Userfaultfd) InjectPage(addr uintptr, data []byte) error {
	return u.Copy(addr, data, CopyModeWP)
}

func (u *Userfaultfd) Fd() int32 {
	return u.fd
}

func (u *Userfaultfd) Close() error {
	err := unix.Close(int(u.fd))
	if err != nil {
		return fmt.Errorf("failed to close userfaultfd: %w", err)
	}

	return nil
}

// Available reports whether the kernel supports the userfaultfd features
// the engine needs. Used by tests to skip on old kernels and restricted
// environments.
func Available() bool {
	u, err := New(zap.NewNop())
	if err != nil {
		return false
	}

	_ = u.Close()

	return true
}
