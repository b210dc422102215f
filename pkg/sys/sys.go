// Package sys abstracts the operating system capabilities the DSM engine
// relies on: enumerating the memory map, changing page protections,
// reading and writing process memory regardless of protection, and the
// kernel fault-notification channel.
package sys

import (
	"context"
	"errors"
	"strings"
)

// Perm is the permission set of a mapping.
type Perm uint32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermPrivate

	PermNone Perm = 0
)

// ParsePerm parses the permission column of /proc/pid/maps ("rw-p").
func ParsePerm(s string) Perm {
	var p Perm
	if len(s) < 4 {
		return p
	}
	if s[0] == 'r' {
		p |= PermRead
	}
	if s[1] == 'w' {
		p |= PermWrite
	}
	if s[2] == 'x' {
		p |= PermExec
	}
	if s[3] == 'p' {
		p |= PermPrivate
	}
	return p
}

func (p Perm) String() string {
	var b strings.Builder
	flag := func(f Perm, c byte) {
		if p&f != 0 {
			b.WriteByte(c)
		} else {
			b.WriteByte('-')
		}
	}
	flag(PermRead, 'r')
	flag(PermWrite, 'w')
	flag(PermExec, 'x')
	if p&PermPrivate != 0 {
		b.WriteByte('p')
	} else {
		b.WriteByte('s')
	}
	return b.String()
}

// Access returns p without the sharing flag, i.e. what gets passed to
// Protect.
func (p Perm) Access() Perm {
	return p &^ PermPrivate
}

// MapEntry is one line of the process memory map.
type MapEntry struct {
	Start, End uint64
	Perm       Perm
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

// Anonymous reports whether the mapping has no file backing.
func (e *MapEntry) Anonymous() bool {
	return e.Inode == 0 && (e.Path == "" || strings.HasPrefix(e.Path, "["))
}

// MapSource enumerates the regions of an address space.
type MapSource interface {
	EnumerateRegions() ([]MapEntry, error)
}

// Memory changes protections of, and copies bytes in and out of, an
// address space. Load and Store must work on pages whose protection
// currently forbids the access, since they are used to fill pages that
// are still trapping.
type Memory interface {
	// Map reserves [start, start+length) with no access rights.
	Map(start, length uint64) error
	// Protect sets the access rights of [start, start+length).
	Protect(start, length uint64, perm Perm) error
	// Load copies len(buf) bytes starting at addr into buf.
	Load(addr uint64, buf []byte) error
	// Store copies data to addr.
	Store(addr uint64, data []byte) error
	// Discard drops the contents of the range so that the next access
	// finds the pages missing again.
	Discard(start, length uint64) error
}

// FaultQueue is a kernel delivered page fault notification channel. A
// faulting thread stays blocked until AckFault populates the page it
// faulted on.
type FaultQueue interface {
	// Register starts delivering missing-page faults for the range.
	Register(start, length uint64) error
	// GetFault blocks until a fault arrives and returns its address.
	GetFault(ctx context.Context) (uint64, error)
	// AckFault atomically installs data at start and wakes the threads
	// blocked on any page in the range.
	AckFault(start uint64, data []byte) error
	Close() error
}

var ErrQueueClosed = errors.New("fault queue closed")
