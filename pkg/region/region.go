package region

import (
	"fmt"

	"github.com/go-hdsm/hdsm/pkg/sys"
)

// Mechanism selects how faults on a region are resolved.
type Mechanism uint8

const (
	// Signal resolves faults from a trap taken on the faulting thread,
	// with the work handed off to a resolver goroutine.
	Signal Mechanism = iota
	// Queue resolves faults from the kernel fault queue on a dedicated
	// worker thread.
	Queue
)

func (m Mechanism) String() string {
	switch m {
	case Signal:
		return "signal"
	case Queue:
		return "queue"
	}
	return fmt.Sprintf("mechanism(%d)", m)
}

// Region is a contiguous, uniformly permissioned range of the address
// space, [Start, End).
type Region struct {
	Start, End uint64
	Perm       sys.Perm
	Path       string
	Inode      uint64

	// Owner is the node that holds the authoritative content.
	Owner uint32
	// Remote is set while the content lives on Owner and has to be
	// fetched page by page.
	Remote    bool
	Mechanism Mechanism

	pageSize uint64
	// present is nil until the first page is marked, which keeps large
	// untouched writable mappings free.
	present *bitmap
	// lent marks the pages sent to the peer since control last came back.
	lent *bitmap
}

// Page is a page of a Region.
type Page struct {
	Start   uint64
	Size    uint64
	Present bool
}

func (r *Region) Len() uint64 { return r.End - r.Start }

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Anonymous reports whether the region has no file backing.
func (r *Region) Anonymous() bool {
	return r.Inode == 0 && r.Path == ""
}

func (r *Region) numPages() int {
	return int((r.Len() + r.pageSize - 1) / r.pageSize)
}

func (r *Region) pageIndex(addr uint64) int {
	return int((addr - r.Start) / r.pageSize)
}

func (r *Region) isPresent(addr uint64) bool {
	return r.present.get(r.pageIndex(addr))
}

func (r *Region) String() string {
	remote := ""
	if r.Remote {
		remote = fmt.Sprintf(" remote(node %d)", r.Owner)
	}
	return fmt.Sprintf("%#x-%#x %v %s%s", r.Start, r.End, r.Perm, r.Path, remote)
}

// Descriptor returns the wire description of r.
func (r *Region) Descriptor() Descriptor {
	return Descriptor{
		Start: r.Start,
		End:   r.End,
		Perm:  r.Perm,
		Owner: r.Owner,
		Inode: r.Inode,
		Path:  r.Path,
	}
}
