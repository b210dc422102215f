// Package fault resolves accesses to memory that is protected or not yet
// present locally.
//
// Every page of a registered region goes through Absent, Pending and
// Resolved. Only one fetch is ever in flight for a page: a resolution
// that finds a page Pending waits for the fetch already running instead
// of issuing its own.
//
// Two mechanisms deliver faults and they are never mixed within one
// range. With Signal, the access runs on a goroutine that turns the
// hardware trap into a recoverable panic (see Access); the faulting
// goroutine only records the address and hands it to the resolver
// goroutine. With Queue, the kernel reports missing pages on a fault
// queue drained by a worker locked to its own OS thread (see RunQueue),
// which acknowledges each fault by copying the page in.
package fault

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/region"
	"github.com/go-hdsm/hdsm/pkg/sys"
)

// Fetcher retrieves memory content and region descriptors from the node
// owning them.
type Fetcher interface {
	FetchPage(addr, length uint64) ([]byte, error)
	FetchDescriptor(addr uint64) (region.Descriptor, error)
}

// State is the resolution state of a page.
type State uint8

const (
	Absent State = iota
	Pending
	Resolved
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Config configures an Interceptor.
type Config struct {
	Catalog *region.Catalog
	Memory  sys.Memory
	Fetcher Fetcher
	// Queue acknowledges faults on regions using the Queue mechanism.
	Queue sys.FaultQueue
	// Peer is the node id recorded as owner of regions discovered
	// through Fetcher.
	Peer uint32
	// Granularity is the size of the window fetched per fault, a multiple
	// of the page size. 0 means one page.
	Granularity uint64
	// Mechanism is used for regions discovered through Fetcher.
	Mechanism region.Mechanism
}

// Stats counts the work done by an Interceptor.
type Stats struct {
	Faults        uint64
	LocalFaults   uint64
	RemoteFetches uint64
	BytesFetched  uint64
	Discovered    uint64
}

// Interceptor resolves faults against a region catalog.
type Interceptor struct {
	cfg Config
	log logflags.Logger

	mu      sync.Mutex
	pending map[uint64]chan struct{}

	faults, localFaults, fetches, fetched, discovered uint64

	resolverOnce sync.Once
	requests     chan resolveRequest
	quit         chan struct{}
	closeOnce    sync.Once
}

// New returns an Interceptor.
func New(cfg Config) (*Interceptor, error) {
	if cfg.Catalog == nil || cfg.Memory == nil {
		return nil, errors.New("fault interceptor needs a catalog and a memory")
	}
	ps := cfg.Catalog.PageSize()
	switch {
	case cfg.Granularity == 0:
		cfg.Granularity = ps
	case cfg.Granularity%ps != 0:
		return nil, fmt.Errorf("fetch granularity %d is not a multiple of the page size %d", cfg.Granularity, ps)
	}
	if cfg.Mechanism == region.Queue && cfg.Queue == nil {
		return nil, errors.New("queue mechanism selected without a fault queue")
	}
	return &Interceptor{
		cfg:      cfg,
		log:      logflags.FaultLogger(),
		pending:  make(map[uint64]chan struct{}),
		requests: make(chan resolveRequest),
		quit:     make(chan struct{}),
	}, nil
}

// SetFetcher replaces the fetcher, for sessions whose connection to the
// peer is established after the interceptor.
func (i *Interceptor) SetFetcher(f Fetcher) {
	i.mu.Lock()
	i.cfg.Fetcher = f
	i.mu.Unlock()
}

func (i *Interceptor) fetcher() Fetcher {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cfg.Fetcher
}

// Stats returns a snapshot of the counters.
func (i *Interceptor) Stats() Stats {
	return Stats{
		Faults:        atomic.LoadUint64(&i.faults),
		LocalFaults:   atomic.LoadUint64(&i.localFaults),
		RemoteFetches: atomic.LoadUint64(&i.fetches),
		BytesFetched:  atomic.LoadUint64(&i.fetched),
		Discovered:    atomic.LoadUint64(&i.discovered),
	}
}

func (i *Interceptor) pageOf(addr uint64) uint64 {
	return addr &^ (i.cfg.Catalog.PageSize() - 1)
}

// State returns the resolution state of the page containing addr.
func (i *Interceptor) State(addr uint64) State {
	i.mu.Lock()
	_, pending := i.pending[i.pageOf(addr)]
	i.mu.Unlock()
	switch {
	case pending:
		return Pending
	case i.cfg.Catalog.Present(addr):
		return Resolved
	}
	return Absent
}

// Resolve makes the page containing addr, and the absent pages around it
// within the fetch window, available.
func (i *Interceptor) Resolve(addr uint64) error {
	atomic.AddUint64(&i.faults, 1)
	r, err := i.region(addr)
	if err != nil {
		return &dsmerr.FaultResolutionError{Addr: addr, Err: err}
	}

	start, end := i.cfg.Catalog.Bounds(r)
	g := i.cfg.Granularity
	lo, hi := addr/g*g, addr/g*g+g
	if lo < start {
		lo = start
	}
	if hi > end || hi < lo {
		hi = end
	}

	claimed, wait := i.claim(r, lo, hi)
	err = i.fill(r, claimed)
	i.release(claimed)
	if err != nil {
		return &dsmerr.FaultResolutionError{Addr: addr, Err: err}
	}
	for _, ch := range wait {
		<-ch
	}
	if !i.cfg.Catalog.Present(addr) {
		return &dsmerr.FaultResolutionError{Addr: addr, Err: errors.New("concurrent resolution of the page failed")}
	}
	return nil
}

// region returns the region containing addr, asking the owner for its
// descriptor and registering it when it was never seen locally.
func (i *Interceptor) region(addr uint64) (*region.Region, error) {
	r, err := i.cfg.Catalog.Lookup(addr)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, region.ErrNotFound) {
		return nil, err
	}
	f := i.fetcher()
	if f == nil {
		return nil, fmt.Errorf("%w and no peer to ask", err)
	}
	d, err := f.FetchDescriptor(addr)
	if err != nil {
		return nil, err
	}
	if !d.Contains(addr) {
		return nil, fmt.Errorf("peer descriptor %#x-%#x does not contain the address", d.Start, d.End)
	}
	r, err = i.cfg.Catalog.InsertRemote(d, i.cfg.Peer, i.cfg.Mechanism)
	if errors.Is(err, region.ErrOverlap) {
		// registered by a concurrent resolution
		return i.cfg.Catalog.Lookup(addr)
	}
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&i.discovered, 1)
	if logflags.Fault() {
		i.log.Debugf("discovered remote region %v", r)
	}
	return r, nil
}

// claim marks the absent pages of [lo, hi) that nobody is resolving as
// Pending and returns them as runs, together with the completion
// channels of the pages already Pending.
func (i *Interceptor) claim(r *region.Region, lo, hi uint64) (claimed [][2]uint64, wait []chan struct{}) {
	ps := i.cfg.Catalog.PageSize()
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, run := range i.cfg.Catalog.AbsentRuns(r, lo, hi) {
		for a := run[0]; a < run[1]; a += ps {
			if ch, ok := i.pending[a]; ok {
				wait = append(wait, ch)
				continue
			}
			i.pending[a] = make(chan struct{})
			end := a + ps
			if end > run[1] {
				end = run[1]
			}
			if n := len(claimed); n > 0 && claimed[n-1][1] == a {
				claimed[n-1][1] = end
			} else {
				claimed = append(claimed, [2]uint64{a, end})
			}
		}
	}
	return claimed, wait
}

func (i *Interceptor) release(claimed [][2]uint64) {
	ps := i.cfg.Catalog.PageSize()
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, run := range claimed {
		for a := run[0]; a < run[1]; a += ps {
			if ch, ok := i.pending[a]; ok {
				close(ch)
				delete(i.pending, a)
			}
		}
	}
}

// fill makes the claimed runs of r available and marks them present.
func (i *Interceptor) fill(r *region.Region, claimed [][2]uint64) error {
	for _, run := range claimed {
		start, length := run[0], run[1]-run[0]
		if !r.Remote {
			atomic.AddUint64(&i.localFaults, 1)
			if err := i.cfg.Memory.Protect(start, length, r.Perm.Access()); err != nil {
				return err
			}
			i.cfg.Catalog.MarkPresent(r, start, length)
			if logflags.Fault() {
				i.log.Debugf("local fault %#x-%#x in %v", run[0], run[1], r)
			}
			continue
		}

		f := i.fetcher()
		if f == nil {
			return errors.New("remote region but no peer to fetch from")
		}
		data, err := f.FetchPage(start, length)
		if err != nil {
			return err
		}
		if uint64(len(data)) != length {
			return fmt.Errorf("fetched %d bytes, want %d", len(data), length)
		}
		atomic.AddUint64(&i.fetches, 1)
		atomic.AddUint64(&i.fetched, length)

		switch r.Mechanism {
		case region.Queue:
			// the copy wakes the threads blocked on the range
			if err := i.cfg.Queue.AckFault(start, data); err != nil {
				return err
			}
		default:
			// content first, then access
			if err := i.cfg.Memory.Store(start, data); err != nil {
				return err
			}
			if err := i.cfg.Memory.Protect(start, length, r.Perm.Access()); err != nil {
				return err
			}
		}
		i.cfg.Catalog.MarkPresent(r, start, length)
		if logflags.Fault() {
			i.log.Debugf("fetched %#x-%#x from node %d", run[0], run[1], r.Owner)
		}
	}
	return nil
}

// Close stops the resolver goroutine.
func (i *Interceptor) Close() {
	i.closeOnce.Do(func() { close(i.quit) })
}
