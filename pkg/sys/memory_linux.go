package sys

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func (p Perm) prot() uintptr {
	prot := unix.PROT_NONE
	if p&PermRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&PermWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&PermExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return uintptr(prot)
}

// SelfMemory is the Memory of the calling process. Protections are
// changed with mmap/mprotect; bytes are moved through /proc/self/mem,
// which ignores page protections, so a page can be filled while other
// threads still trap on it.
type SelfMemory struct {
	mem *os.File
}

// OpenSelfMemory opens the memory of the calling process.
func OpenSelfMemory() (*SelfMemory, error) {
	fh, err := os.OpenFile("/proc/self/mem", os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &SelfMemory{mem: fh}, nil
}

func (m *SelfMemory) Map(start, length uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(start), uintptr(length),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE, ^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("mmap %#x-%#x: %w", start, start+length, errno)
	}
	return nil
}

func (m *SelfMemory) Protect(start, length uint64, perm Perm) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(start), uintptr(length), perm.prot())
	if errno != 0 {
		return fmt.Errorf("mprotect %#x-%#x %v: %w", start, start+length, perm, errno)
	}
	return nil
}

func (m *SelfMemory) Discard(start, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MADVISE, uintptr(start), uintptr(length), unix.MADV_DONTNEED)
	if errno != 0 {
		return fmt.Errorf("madvise %#x-%#x: %w", start, start+length, errno)
	}
	return nil
}

func (m *SelfMemory) Load(addr uint64, buf []byte) error {
	n, err := m.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("read %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("read %#x: short read %d/%d", addr, n, len(buf))
	}
	return nil
}

func (m *SelfMemory) Store(addr uint64, data []byte) error {
	n, err := m.mem.WriteAt(data, int64(addr))
	if err != nil {
		return fmt.Errorf("write %#x: %w", addr, err)
	}
	if n != len(data) {
		return fmt.Errorf("write %#x: short write %d/%d", addr, n, len(data))
	}
	return nil
}

func (m *SelfMemory) Close() error {
	return m.mem.Close()
}

