package fault

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/go-hdsm/hdsm/pkg/dsmerr"
)

// ErrClosed is returned by Access after Close.
var ErrClosed = errors.New("fault interceptor closed")

type resolveRequest struct {
	addr uint64
	done chan error
}

// resolver serves the requests handed off by faulting goroutines. It is
// the only place where the signal mechanism does network I/O.
func (i *Interceptor) resolver() {
	for {
		select {
		case req := <-i.requests:
			req.done <- i.Resolve(req.addr)
		case <-i.quit:
			return
		}
	}
}

// handoff passes addr to the resolver goroutine and blocks until the
// fault is resolved.
func (i *Interceptor) handoff(addr uint64) error {
	i.resolverOnce.Do(func() { go i.resolver() })
	req := resolveRequest{addr: addr, done: make(chan error, 1)}
	select {
	case i.requests <- req:
	case <-i.quit:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-i.quit:
		return ErrClosed
	}
}

// Access runs fn, which touches memory that may be protected or absent.
// Every access violation raised by fn is resolved and fn runs again from
// the start, so fn must be safe to repeat. An access that keeps faulting
// on the same address after its page was resolved is reported as a
// FaultResolutionError.
func (i *Interceptor) Access(fn func()) error {
	var last uint64
	repeated := false
	for {
		addr, faulted := trap(fn)
		if !faulted {
			return nil
		}
		if repeated && addr == last {
			return &dsmerr.FaultResolutionError{Addr: addr, Err: fmt.Errorf("access still faults after resolution (page is %v)", i.State(addr))}
		}
		repeated, last = true, addr
		if err := i.handoff(addr); err != nil {
			return err
		}
	}
}

// trap runs fn with faults turned into panics and returns the faulting
// address, if any.
func trap(fn func()) (addr uint64, faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(interface{ Addr() uintptr }); ok {
				addr, faulted = uint64(f.Addr()), true
				return
			}
			panic(r)
		}
	}()
	fn()
	return 0, false
}
