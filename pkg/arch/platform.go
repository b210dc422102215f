package arch

import "errors"

// ErrUnsupportedPlatform is returned by Attach when there is no native
// platform for the host operating system and architecture.
var ErrUnsupportedPlatform = errors.New("no native register platform for this OS/architecture")

// Platform captures and installs the register state of the thread being
// migrated. It is the only place where raw, ABI specific register
// manipulation happens.
type Platform interface {
	// Arch is the architecture of the thread this platform controls.
	Arch() Arch
	// Capture returns the full register state of the thread.
	Capture() (Snapshot, error)
	// SetFrame switches the thread to the given frame and stack pointers
	// before the next Install.
	SetFrame(fp, sp uint64) error
	// Install loads s into the thread and lets it run from s.PC().
	Install(s Snapshot) error
}

// Tracee is a Platform controlling a stopped thread of another process.
type Tracee interface {
	Platform
	// PeekText reads len(buf) bytes of the tracee's memory at addr.
	PeekText(addr uint64, buf []byte) error
	// Detach resumes the thread without installing registers.
	Detach() error
}

// Transformer rewrites a captured call stack, in place, from the layout of
// one architecture to the layout of another. The transformation may move
// the stack and frame pointers of snap.
type Transformer interface {
	Transform(src, dst Arch, snap *Snapshot) error
}

// TransformFunc adapts an ordinary function to the Transformer interface.
type TransformFunc func(src, dst Arch, snap *Snapshot) error

func (f TransformFunc) Transform(src, dst Arch, snap *Snapshot) error {
	return f(src, dst, snap)
}
