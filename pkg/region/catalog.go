// Package region keeps the table of memory regions of the process: which
// address ranges exist, who owns their content, and which of their pages
// are already present locally.
package region

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/sys"
)

var (
	// ErrNotFound is returned by Lookup when no registered region contains
	// the address.
	ErrNotFound = errors.New("no region contains address")
	// ErrOverlap is returned when a region would overlap a registered one.
	ErrOverlap = errors.New("region overlaps a registered region")
)

const defaultCacheSize = 128

// Config configures a Catalog.
type Config struct {
	// Self is the node id recorded as owner of local regions.
	Self uint32
	// PageSize is the granularity of presence tracking.
	PageSize uint64
	// Memory is used to apply protections to regions backed by a peer.
	Memory sys.Memory
	// Queue, if set, receives registrations for regions resolved through
	// the fault queue.
	Queue sys.FaultQueue
	// CacheSize is the number of page lookups remembered; 0 means a
	// default size.
	CacheSize int
}

// Catalog is the set of registered regions, kept sorted by start address.
// Registered regions never overlap.
type Catalog struct {
	cfg Config
	log logflags.Logger

	mu      sync.RWMutex
	regions []*Region
	cache   *lru.Cache
}

// New returns an empty catalog.
func New(cfg Config) (*Catalog, error) {
	if cfg.PageSize == 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", cfg.PageSize)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Catalog{cfg: cfg, cache: cache, log: logflags.CatalogLogger()}, nil
}

// PageSize returns the presence tracking granularity.
func (c *Catalog) PageSize() uint64 { return c.cfg.PageSize }

func (c *Catalog) pageOf(addr uint64) uint64 {
	return addr &^ (c.cfg.PageSize - 1)
}

func (c *Catalog) localRegion(e *sys.MapEntry) *Region {
	return &Region{
		Start:    e.Start,
		End:      e.End,
		Perm:     e.Perm,
		Path:     e.Path,
		Inode:    e.Inode,
		Owner:    c.cfg.Self,
		pageSize: c.cfg.PageSize,
	}
}

// Build replaces the contents of the catalog with the regions enumerated
// by src. Without it faults cannot be attributed to a region, so callers
// treat an error as fatal.
func (c *Catalog) Build(src sys.MapSource) error {
	entries, err := src.EnumerateRegions()
	if err != nil {
		return fmt.Errorf("could not enumerate memory regions: %w", err)
	}
	regions := make([]*Region, 0, len(entries))
	for i := range entries {
		regions = append(regions, c.localRegion(&entries[i]))
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	for i := 1; i < len(regions); i++ {
		if regions[i].Start < regions[i-1].End {
			return fmt.Errorf("%w: %v and %v", ErrOverlap, regions[i-1], regions[i])
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions = regions
	c.cache.Purge()
	if logflags.Catalog() {
		c.log.Debugf("built catalog with %d regions", len(regions))
	}
	return nil
}

// search returns the index of the first region whose end is above addr.
func (c *Catalog) search(addr uint64) int {
	return sort.Search(len(c.regions), func(i int) bool { return c.regions[i].End > addr })
}

func (c *Catalog) lookupLocked(addr uint64) *Region {
	i := c.search(addr)
	if i < len(c.regions) && c.regions[i].Contains(addr) {
		return c.regions[i]
	}
	return nil
}

// Lookup returns the region containing addr or ErrNotFound.
func (c *Catalog) Lookup(addr uint64) (*Region, error) {
	pg := c.pageOf(addr)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.cache.Get(pg); ok {
		if r := v.(*Region); r.Contains(addr) {
			return r, nil
		}
	}
	r := c.lookupLocked(addr)
	if r == nil {
		return nil, fmt.Errorf("%w %#x", ErrNotFound, addr)
	}
	// removals and refreshes hold the write lock and purge the cache
	c.cache.Add(pg, r)
	return r, nil
}

// Bounds returns the current extent of r, which Refresh may grow.
func (c *Catalog) Bounds(r *Region) (start, end uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return r.Start, r.End
}

// Regions returns a copy of the registered regions in address order.
func (c *Catalog) Regions() []Region {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Region, len(c.regions))
	for i, r := range c.regions {
		out[i] = *r
		out[i].present = r.present.clone()
		out[i].lent = r.lent.clone()
	}
	return out
}

// Len returns the number of registered regions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.regions)
}

func (c *Catalog) insertLocked(r *Region) error {
	if r.End <= r.Start {
		return fmt.Errorf("empty region %v", r)
	}
	i := c.search(r.Start)
	if i < len(c.regions) && c.regions[i].Start < r.End {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, r, c.regions[i])
	}
	c.regions = append(c.regions, nil)
	copy(c.regions[i+1:], c.regions[i:])
	c.regions[i] = r
	c.cache.Purge()
	return nil
}

// Insert registers r, enforcing the no-overlap invariant.
func (c *Catalog) Insert(r *Region) error {
	r.pageSize = c.cfg.PageSize
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(r)
}

func (c *Catalog) remoteRegion(d Descriptor, owner uint32, mech Mechanism) (*Region, error) {
	if d.Empty() {
		return nil, errors.New("empty region descriptor")
	}
	if d.Start%c.cfg.PageSize != 0 || d.End%c.cfg.PageSize != 0 {
		return nil, fmt.Errorf("region descriptor %#x-%#x is not page aligned", d.Start, d.End)
	}
	if mech == Queue && c.cfg.Queue == nil {
		return nil, errors.New("fault queue mechanism requested without a fault queue")
	}
	return &Region{
		Start:     d.Start,
		End:       d.End,
		Perm:      d.Perm,
		Path:      d.Path,
		Inode:     d.Inode,
		Owner:     owner,
		Remote:    true,
		Mechanism: mech,
		pageSize:  c.cfg.PageSize,
	}, nil
}

// InsertRemote registers a region whose content lives on owner and
// protects it so that every access traps until its pages are fetched.
func (c *Catalog) InsertRemote(d Descriptor, owner uint32, mech Mechanism) (*Region, error) {
	r, err := c.remoteRegion(d, owner, mech)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.insertLocked(r); err != nil {
		return nil, err
	}
	if err := c.trap(r); err != nil {
		c.removeLocked(r)
		return nil, err
	}
	if logflags.Catalog() {
		c.log.Debugf("registered remote region %v via %v", r, mech)
	}
	return r, nil
}

// Claim registers the region d of owner like InsertRemote, replacing the
// registered regions that lie inside it. Their local content is dropped.
// A registered region reaching past the bounds of d is an ErrOverlap.
func (c *Catalog) Claim(d Descriptor, owner uint32, mech Mechanism) (*Region, error) {
	r, err := c.remoteRegion(d, owner, mech)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.search(r.Start)
	j := i
	for ; j < len(c.regions) && c.regions[j].Start < r.End; j++ {
		if o := c.regions[j]; o.Start < r.Start || o.End > r.End {
			return nil, fmt.Errorf("%w: %v and %v", ErrOverlap, r, o)
		}
	}
	if i == j {
		if err := c.insertLocked(r); err != nil {
			return nil, err
		}
		if err := c.trap(r); err != nil {
			c.removeLocked(r)
			return nil, err
		}
		return r, nil
	}

	mem := c.cfg.Memory
	next := r.Start
	for _, o := range c.regions[i:j] {
		if o.Start > next {
			if err := mem.Map(next, o.Start-next); err != nil {
				return nil, err
			}
		}
		if err := mem.Discard(o.Start, o.Len()); err != nil {
			return nil, err
		}
		next = o.End
	}
	if next < r.End {
		if err := mem.Map(next, r.End-next); err != nil {
			return nil, err
		}
	}
	// mappings that existed before are not registered with the fault queue
	r.Mechanism = Signal
	if err := mem.Protect(r.Start, r.Len(), sys.PermNone); err != nil {
		return nil, err
	}
	replaced := j - i
	c.regions = append(c.regions[:i+1], c.regions[j:]...)
	c.regions[i] = r
	c.cache.Purge()
	if logflags.Catalog() {
		c.log.Debugf("claimed %v for node %d, replacing %d regions", r, owner, replaced)
	}
	return r, nil
}

// trap makes every access to r fault.
func (c *Catalog) trap(r *Region) error {
	mem := c.cfg.Memory
	if err := mem.Map(r.Start, r.Len()); err != nil {
		return err
	}
	switch r.Mechanism {
	case Queue:
		// missing-page faults are only reported for accessible ranges
		perm := r.Perm.Access() | sys.PermRead
		if err := mem.Protect(r.Start, r.Len(), perm); err != nil {
			return err
		}
		return c.cfg.Queue.Register(r.Start, r.Len())
	default:
		return mem.Protect(r.Start, r.Len(), sys.PermNone)
	}
}

func (c *Catalog) removeLocked(r *Region) {
	for i := range c.regions {
		if c.regions[i] == r {
			c.regions = append(c.regions[:i], c.regions[i+1:]...)
			break
		}
	}
	c.cache.Purge()
}

// MarkLent records that the pages of r overlapping [start, start+length)
// were sent to the peer, which may now modify them.
func (c *Catalog) MarkLent(r *Region, start, length uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.lent == nil {
		r.lent = newBitmap(r.numPages())
	}
	end := start + length
	if start < r.Start {
		start = r.Start
	}
	if end > r.End {
		end = r.End
	}
	for a := c.pageOf(start); a < end; a += c.cfg.PageSize {
		r.lent.set(r.pageIndex(a))
	}
}

// Disown gives owner the content of every local region that is both
// writable and private, for a process that has just been started in
// place of a departed one: its own copies of data, heap and stack hold
// initial values the peer may have changed long ago. Every page of those
// regions is dropped and traps on the next access. Regions for which keep
// reports true stay local; keep is called with the catalog locked. It
// returns the number of pages invalidated.
func (c *Catalog) Disown(owner uint32, keep func(*Region) bool) (int, error) {
	const writablePrivate = sys.PermWrite | sys.PermPrivate
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, r := range c.regions {
		if r.Remote || r.Perm&writablePrivate != writablePrivate {
			continue
		}
		if keep != nil && keep(r) {
			continue
		}
		if err := c.cfg.Memory.Discard(r.Start, r.Len()); err != nil {
			return total, err
		}
		if err := c.cfg.Memory.Protect(r.Start, r.Len(), sys.PermNone); err != nil {
			return total, err
		}
		r.present = newBitmap(r.numPages())
		r.lent = nil
		r.Remote = true
		r.Owner = owner
		r.Mechanism = Signal
		total += r.numPages()
		if logflags.Catalog() {
			c.log.Debugf("disowned %v", r)
		}
	}
	c.cache.Purge()
	return total, nil
}

// Reclaim is run when control comes back from the peer: every page lent
// to it becomes absent again, owned by owner, and traps on the next
// access so that the peer's copy is fetched. Pages never lent keep their
// local content. It returns the number of pages invalidated.
func (c *Catalog) Reclaim(owner uint32) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, r := range c.regions {
		n := r.lent.count()
		if n == 0 {
			continue
		}
		if r.present == nil {
			r.present = newBitmap(r.numPages())
			if !r.Remote {
				r.present.setAll()
			}
		}
		for i := 0; i < r.lent.n; i++ {
			if !r.lent.get(i) {
				continue
			}
			a := r.Start + uint64(i)*c.cfg.PageSize
			if err := c.cfg.Memory.Discard(a, c.cfg.PageSize); err != nil {
				return total, err
			}
			if !r.Remote || r.Mechanism == Signal {
				if err := c.cfg.Memory.Protect(a, c.cfg.PageSize, sys.PermNone); err != nil {
					return total, err
				}
			}
			r.present.clear(i)
		}
		if !r.Remote {
			// local ranges are not registered with the fault queue
			r.Mechanism = Signal
		}
		r.Remote = true
		r.Owner = owner
		r.lent = nil
		total += n
		if logflags.Catalog() {
			c.log.Debugf("reclaimed %d pages of %v", n, r)
		}
	}
	c.cache.Purge()
	return total, nil
}

// Refresh re-enumerates src and merges the result into the registered
// regions in place. Regions only ever grow: presence bits of existing
// regions are kept, new pages start absent. Growth is clamped so that it
// never reaches into a neighbouring region.
func (c *Catalog) Refresh(src sys.MapSource) error {
	entries, err := src.EnumerateRegions()
	if err != nil {
		return fmt.Errorf("could not enumerate memory regions: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	added, grown := 0, 0
	for i := range entries {
		e := &entries[i]
		switch c.mergeLocked(e) {
		case mergeInserted:
			added++
		case mergeGrown:
			grown++
		}
	}
	c.cache.Purge()
	if logflags.Catalog() {
		c.log.Debugf("refresh: %d regions added, %d grown, %d total", added, grown, len(c.regions))
	}
	return nil
}

type mergeResult uint8

const (
	mergeUnchanged mergeResult = iota
	mergeInserted
	mergeGrown
)

func (c *Catalog) mergeLocked(e *sys.MapEntry) mergeResult {
	i := c.search(e.Start)
	if i >= len(c.regions) || c.regions[i].Start >= e.End {
		// no overlap with anything registered
		if err := c.insertLocked(c.localRegion(e)); err != nil {
			return mergeUnchanged
		}
		return mergeInserted
	}

	// an entry spanning several registered regions (adjacent mappings
	// merged by the kernel) can only grow the first one up to the next
	r := c.regions[i]
	res := mergeUnchanged
	if e.Start < r.Start {
		lo := e.Start
		if i > 0 && c.regions[i-1].End > lo {
			lo = c.regions[i-1].End
		}
		lo = c.pageOf(lo + c.cfg.PageSize - 1)
		if lo < r.Start {
			k := int((r.Start - lo) / c.cfg.PageSize)
			if r.present != nil {
				r.present.growFront(k)
			}
			if r.lent != nil {
				r.lent.growFront(k)
			}
			r.Start = lo
			res = mergeGrown
		}
	}
	if e.End > r.End {
		hi := e.End
		if i+1 < len(c.regions) && c.regions[i+1].Start < hi {
			hi = c.regions[i+1].Start
		}
		if hi > r.End {
			old := r.numPages()
			r.End = hi
			if r.present != nil {
				r.present.growBack(r.numPages() - old)
			}
			if r.lent != nil {
				r.lent.growBack(r.numPages() - old)
			}
			res = mergeGrown
		}
	}
	return res
}

// Present reports whether the page containing addr is present.
func (c *Catalog) Present(addr uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.lookupLocked(addr)
	return r != nil && r.isPresent(addr)
}

// MarkPresent marks the pages of r overlapping [start, start+length) as
// present, materializing the presence bitmap on first use.
func (c *Catalog) MarkPresent(r *Region, start, length uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.present == nil {
		r.present = newBitmap(r.numPages())
	}
	end := start + length
	if start < r.Start {
		start = r.Start
	}
	if end > r.End {
		end = r.End
	}
	for a := c.pageOf(start); a < end; a += c.cfg.PageSize {
		r.present.set(r.pageIndex(a))
	}
}

// AbsentRuns returns the maximal runs of absent pages of r inside
// [start, end), as [start, end) pairs.
func (c *Catalog) AbsentRuns(r *Region, start, end uint64) [][2]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var runs [][2]uint64
	for a := c.pageOf(start); a < end; a += c.cfg.PageSize {
		if r.isPresent(a) {
			continue
		}
		hi := a + c.cfg.PageSize
		if hi > end {
			hi = end
		}
		if n := len(runs); n > 0 && runs[n-1][1] == a {
			runs[n-1][1] = hi
		} else {
			runs = append(runs, [2]uint64{a, hi})
		}
	}
	return runs
}

// Pages lists the pages of r with their presence.
func (c *Catalog) Pages(r *Region) []Page {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pages := make([]Page, 0, r.numPages())
	for a := r.Start; a < r.End; a += c.cfg.PageSize {
		size := c.cfg.PageSize
		if a+size > r.End {
			size = r.End - a
		}
		pages = append(pages, Page{Start: a, Size: size, Present: r.isPresent(a)})
	}
	return pages
}

// PresentCount returns how many pages of r are present.
func (c *Catalog) PresentCount(r *Region) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return r.present.count()
}
