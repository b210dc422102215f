// Package archtest provides an in-memory Platform for tests.
package archtest

import (
	"errors"
	"sync"

	"github.com/go-hdsm/hdsm/pkg/arch"
)

// Platform is a fake register platform. Capture returns Regs. Install
// records what it was given and makes it the thread's registers.
type Platform struct {
	A    arch.Arch
	Regs arch.Snapshot

	mu        sync.Mutex
	Frame     *[2]uint64
	Installed []arch.Snapshot
	// CaptureErr, when set, is returned by Capture.
	CaptureErr error
}

// New returns a fake platform of architecture a whose thread currently
// has the given pc, sp and fp.
func New(a arch.Arch, pc, sp, fp uint64) *Platform {
	s := arch.NewSnapshot(a)
	s.SetPC(pc)
	s.SetFrame(fp, sp)
	return &Platform{A: a, Regs: s}
}

func (p *Platform) Arch() arch.Arch { return p.A }

func (p *Platform) Capture() (arch.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CaptureErr != nil {
		return arch.Snapshot{}, p.CaptureErr
	}
	return p.Regs.Copy(), nil
}

func (p *Platform) SetFrame(fp, sp uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Frame = &[2]uint64{fp, sp}
	return nil
}

func (p *Platform) Install(s arch.Snapshot) error {
	if s.Arch != p.A {
		return errors.New("architecture mismatch")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Installed = append(p.Installed, s.Copy())
	p.Regs = s.Copy()
	return nil
}

// Last returns the most recently installed snapshot.
func (p *Platform) Last() (arch.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Installed) == 0 {
		return arch.Snapshot{}, false
	}
	return p.Installed[len(p.Installed)-1], true
}
