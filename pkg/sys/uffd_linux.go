package sys

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// userfaultfd ioctl numbers. The encoding is the generic _IOWR one, so the
// values are the same on amd64 and arm64.
const (
	_UFFDIO_API      = 0xc018aa3f
	_UFFDIO_REGISTER = 0xc020aa00
	_UFFDIO_COPY     = 0xc028aa03

	_UFFD_API                  = 0xaa
	_UFFDIO_REGISTER_MODE_MISS = 1

	_UFFD_EVENT_PAGEFAULT = 0x12

	// uffdMsgSize is the size of struct uffd_msg.
	uffdMsgSize = 32
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRegister struct {
	start  uint64
	len    uint64
	mode   uint64
	ioctls uint64
}

type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

var (
	_ [24]byte = [unsafe.Sizeof(uffdioAPI{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdioRegister{})]byte{}
	_ [40]byte = [unsafe.Sizeof(uffdioCopy{})]byte{}
)

// Userfaultfd is a FaultQueue backed by userfaultfd(2).
type Userfaultfd struct {
	fd int

	mu      sync.Mutex
	pending []uint64
	closed  bool
}

// OpenFaultQueue returns the fault queue of the calling process.
func OpenFaultQueue() (FaultQueue, error) {
	u, err := OpenUserfaultfd()
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ProbeUserfaultfd reports whether userfaultfd(2) is usable by this
// process. It commonly fails when vm.unprivileged_userfaultfd=0.
func ProbeUserfaultfd() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
}

// OpenUserfaultfd creates a userfaultfd and performs the API handshake.
func OpenUserfaultfd() (*Userfaultfd, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("userfaultfd: %w", errno)
	}
	api := uffdioAPI{api: _UFFD_API}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, _UFFDIO_API, uintptr(unsafe.Pointer(&api))); errno != 0 {
		unix.Close(int(fd))
		return nil, fmt.Errorf("UFFDIO_API: %w", errno)
	}
	return &Userfaultfd{fd: int(fd)}, nil
}

func (u *Userfaultfd) Register(start, length uint64) error {
	reg := uffdioRegister{start: start, len: length, mode: _UFFDIO_REGISTER_MODE_MISS}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.fd), _UFFDIO_REGISTER, uintptr(unsafe.Pointer(&reg))); errno != 0 {
		return fmt.Errorf("UFFDIO_REGISTER %#x-%#x: %w", start, start+length, errno)
	}
	return nil
}

// GetFault polls the descriptor with a short timeout so that ctx
// cancellation is noticed.
func (u *Userfaultfd) GetFault(ctx context.Context) (uint64, error) {
	var buf [uffdMsgSize * 16]byte
	for {
		u.mu.Lock()
		if u.closed {
			u.mu.Unlock()
			return 0, ErrQueueClosed
		}
		if len(u.pending) > 0 {
			addr := u.pending[0]
			u.pending = u.pending[1:]
			u.mu.Unlock()
			return addr, nil
		}
		u.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		fds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("poll userfaultfd: %w", err)
		}
		if n == 0 {
			continue
		}
		nr, err := unix.Read(u.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("read userfaultfd: %w", err)
		}
		u.mu.Lock()
		for i := 0; i+uffdMsgSize <= nr; i += uffdMsgSize {
			msg := buf[i : i+uffdMsgSize]
			if msg[0] != _UFFD_EVENT_PAGEFAULT {
				continue
			}
			u.pending = append(u.pending, *(*uint64)(unsafe.Pointer(&msg[16])))
		}
		u.mu.Unlock()
	}
}

func (u *Userfaultfd) AckFault(start uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	cp := uffdioCopy{
		dst: start,
		src: uint64(uintptr(unsafe.Pointer(&data[0]))),
		len: uint64(len(data)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.fd), _UFFDIO_COPY, uintptr(unsafe.Pointer(&cp)))
	runtime.KeepAlive(data)
	if errno != 0 && errno != unix.EEXIST {
		return fmt.Errorf("UFFDIO_COPY %#x+%#x: %w", start, len(data), errno)
	}
	return nil
}

func (u *Userfaultfd) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	return unix.Close(u.fd)
}
