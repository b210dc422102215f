package arch

import (
	sys "golang.org/x/sys/unix"
)

func getRegs(tid int, s *Snapshot) error {
	return sys.PtraceGetRegs(tid, (*sys.PtraceRegs)(s.AMD64))
}

func setRegs(tid int, s *Snapshot) error {
	return sys.PtraceSetRegs(tid, (*sys.PtraceRegs)(s.AMD64))
}
