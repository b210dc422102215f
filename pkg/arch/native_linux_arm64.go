package arch

import (
	"debug/elf"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

const _AARCH64_GREGS_SIZE = 34 * 8

func getRegs(tid int, s *Snapshot) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(s.ARM64)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}

func setRegs(tid int, s *Snapshot) (err error) {
	iov := sys.Iovec{Base: (*byte)(unsafe.Pointer(s.ARM64)), Len: _AARCH64_GREGS_SIZE}
	_, _, err = syscall.Syscall6(syscall.SYS_PTRACE, sys.PTRACE_SETREGSET, uintptr(tid), uintptr(elf.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if err == syscall.Errno(0) {
		err = nil
	}
	return
}
