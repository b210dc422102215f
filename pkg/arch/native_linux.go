//go:build linux && (amd64 || arm64)

package arch

import (
	"fmt"
	"runtime"

	sys "golang.org/x/sys/unix"
)

// ptraceThread controls a stopped thread of another process through
// ptrace. All ptrace requests for a tracee must come from the thread that
// attached to it, so every request is funneled through a goroutine locked
// to its OS thread.
type ptraceThread struct {
	tid      int
	reqs     chan func()
	frame    *[2]uint64
	detached bool
}

// Attach stops thread tid and returns a Platform for it.
func Attach(tid int) (Tracee, error) {
	t := &ptraceThread{tid: tid, reqs: make(chan func())}
	go t.loop()
	var err error
	t.exec(func() {
		if err = sys.PtraceAttach(tid); err != nil {
			return
		}
		var ws sys.WaitStatus
		_, err = sys.Wait4(tid, &ws, sys.WALL, nil)
		if err == nil && !ws.Stopped() {
			err = fmt.Errorf("thread %d did not stop after attach: %#x", tid, ws)
		}
	})
	if err != nil {
		close(t.reqs)
		return nil, fmt.Errorf("could not attach to thread %d: %w", tid, err)
	}
	return t, nil
}

func (t *ptraceThread) loop() {
	runtime.LockOSThread()
	for fn := range t.reqs {
		fn()
	}
}

func (t *ptraceThread) exec(fn func()) {
	done := make(chan struct{})
	t.reqs <- func() {
		fn()
		close(done)
	}
	<-done
}

func (t *ptraceThread) Arch() Arch {
	return Host()
}

func (t *ptraceThread) Capture() (Snapshot, error) {
	s := NewSnapshot(Host())
	var err error
	t.exec(func() { err = getRegs(t.tid, &s) })
	if err != nil {
		return Snapshot{}, fmt.Errorf("could not read registers of thread %d: %w", t.tid, err)
	}
	return s, nil
}

func (t *ptraceThread) SetFrame(fp, sp uint64) error {
	t.frame = &[2]uint64{fp, sp}
	return nil
}

// Install writes the registers and detaches, letting the thread run.
func (t *ptraceThread) Install(s Snapshot) error {
	if t.detached {
		return fmt.Errorf("thread %d already resumed", t.tid)
	}
	if s.Arch != Host() || !s.Valid() {
		return fmt.Errorf("cannot install %v registers on a %v thread", s.Arch, Host())
	}
	s = s.Copy()
	if t.frame != nil {
		s.SetFrame(t.frame[0], t.frame[1])
	}
	var err error
	t.exec(func() {
		if err = setRegs(t.tid, &s); err != nil {
			return
		}
		err = sys.PtraceDetach(t.tid)
	})
	close(t.reqs)
	t.detached = true
	if err != nil {
		return fmt.Errorf("could not install registers on thread %d: %w", t.tid, err)
	}
	return nil
}

func (t *ptraceThread) PeekText(addr uint64, buf []byte) error {
	if t.detached {
		return fmt.Errorf("thread %d already resumed", t.tid)
	}
	var err error
	t.exec(func() { _, err = sys.PtracePeekText(t.tid, uintptr(addr), buf) })
	return err
}

// Detach lets the thread run with its registers unchanged.
func (t *ptraceThread) Detach() error {
	if t.detached {
		return nil
	}
	var err error
	t.exec(func() { err = sys.PtraceDetach(t.tid) })
	close(t.reqs)
	t.detached = true
	return err
}
