package fault

import (
	"context"
	"errors"
	"runtime"

	"github.com/go-hdsm/hdsm/pkg/sys"
)

// RunQueue drains q until it is closed or ctx is done, resolving each
// reported fault. It runs locked to its own OS thread; threads blocked on
// a registered range stay blocked until it acknowledges their fault.
func (i *Interceptor) RunQueue(ctx context.Context, q sys.FaultQueue) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for {
		addr, err := q.GetFault(ctx)
		switch {
		case errors.Is(err, sys.ErrQueueClosed):
			return nil
		case err != nil:
			return err
		}
		if err := i.Resolve(addr); err != nil {
			return err
		}
	}
}
