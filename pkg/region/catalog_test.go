package region

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-hdsm/hdsm/pkg/sys"
	"github.com/go-hdsm/hdsm/pkg/sys/systest"
)

const pg = systest.PageSize

func newCatalog(t *testing.T, mem sys.Memory, entries ...sys.MapEntry) (*Catalog, *systest.Maps) {
	t.Helper()
	c, err := New(Config{Self: 1, PageSize: pg, Memory: mem})
	if err != nil {
		t.Fatal(err)
	}
	maps := &systest.Maps{Entries: entries}
	if err := c.Build(maps); err != nil {
		t.Fatal(err)
	}
	return c, maps
}

func entry(start, pages uint64, perm string) sys.MapEntry {
	return sys.MapEntry{Start: start, End: start + pages*pg, Perm: sys.ParsePerm(perm)}
}

func TestLookupContainment(t *testing.T) {
	c, _ := newCatalog(t, systest.NewMemory(),
		entry(0x10000, 3, "r--p"),
		entry(0x20000, 2, "rw-p"),
		entry(0x40000, 1, "r-xp"))

	for _, r := range c.Regions() {
		for a := r.Start; a < r.End; a += 0x100 {
			got, err := c.Lookup(a)
			if err != nil {
				t.Fatalf("Lookup(%#x): %v", a, err)
			}
			if got.Start != r.Start || got.End != r.End {
				t.Fatalf("Lookup(%#x) = %v, want %v", a, got, &r)
			}
		}
	}
	for _, a := range []uint64{0, 0x13000, 0x1ffff, 0x22000, 0x41000} {
		if _, err := c.Lookup(a); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%#x): expected ErrNotFound, got %v", a, err)
		}
	}
}

func TestBuildRejectsOverlap(t *testing.T) {
	c, err := New(Config{PageSize: pg, Memory: systest.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	maps := &systest.Maps{Entries: []sys.MapEntry{entry(0x10000, 4, "r--p"), entry(0x12000, 4, "rw-p")}}
	if err := c.Build(maps); !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	maps.Err = errors.New("permission denied")
	if err := c.Build(maps); err == nil {
		t.Fatal("expected enumeration error to be reported")
	}
}

func TestInsertNoOverlap(t *testing.T) {
	c, _ := newCatalog(t, systest.NewMemory(), entry(0x10000, 2, "rw-p"), entry(0x20000, 2, "rw-p"))
	for _, r := range []*Region{
		{Start: 0x11000, End: 0x13000},
		{Start: 0xf000, End: 0x11000},
		{Start: 0x1f000, End: 0x23000},
		{Start: 0x10000, End: 0x12000},
	} {
		if err := c.Insert(r); !errors.Is(err, ErrOverlap) {
			t.Errorf("Insert(%v): expected ErrOverlap, got %v", r, err)
		}
	}
	if err := c.Insert(&Region{Start: 0x12000, End: 0x20000}); err != nil {
		t.Fatalf("Insert of gap-filling region: %v", err)
	}
	regions := c.Regions()
	for i := 1; i < len(regions); i++ {
		if regions[i].Start < regions[i-1].End {
			t.Fatalf("regions %v and %v overlap", &regions[i-1], &regions[i])
		}
	}
}

func TestPresenceLazyAndRuns(t *testing.T) {
	c, _ := newCatalog(t, systest.NewMemory(), entry(0x10000, 4, "rw-p"))
	r, err := c.Lookup(0x10000)
	if err != nil {
		t.Fatal(err)
	}
	if r.present != nil {
		t.Fatal("presence bitmap should start uninitialized")
	}
	if c.Present(0x10000) {
		t.Fatal("page present before being marked")
	}
	c.MarkPresent(r, 0x11000, pg)
	if !c.Present(0x11800) || c.Present(0x10000) || c.Present(0x12000) {
		t.Fatal("wrong presence after MarkPresent")
	}
	runs := c.AbsentRuns(r, r.Start, r.End)
	want := [][2]uint64{{0x10000, 0x11000}, {0x12000, 0x14000}}
	if len(runs) != len(want) || runs[0] != want[0] || runs[1] != want[1] {
		t.Fatalf("AbsentRuns = %#x, want %#x", runs, want)
	}
	if n := c.PresentCount(r); n != 1 {
		t.Fatalf("PresentCount = %d", n)
	}
}

func TestRefreshKeepsPresence(t *testing.T) {
	c, maps := newCatalog(t, systest.NewMemory(),
		entry(0x10000, 2, "rw-p"),
		sys.MapEntry{Start: 0x40000, End: 0x42000, Perm: sys.ParsePerm("rw-p"), Path: "[stack]"})
	heap, _ := c.Lookup(0x10000)
	stack, _ := c.Lookup(0x40000)
	c.MarkPresent(heap, 0x11000, pg)
	c.MarkPresent(stack, 0x40000, pg)

	// the heap grows up, the stack grows down, a new mapping appears
	maps.Set(
		entry(0x10000, 4, "rw-p"),
		entry(0x30000, 1, "r--p"),
		sys.MapEntry{Start: 0x3e000, End: 0x42000, Perm: sys.ParsePerm("rw-p"), Path: "[stack]"})
	if err := c.Refresh(maps); err != nil {
		t.Fatal(err)
	}

	if heap.End != 0x14000 {
		t.Errorf("heap end %#x, want 0x14000", heap.End)
	}
	if !c.Present(0x11000) || c.Present(0x10000) || c.Present(0x13000) {
		t.Errorf("heap presence changed by refresh")
	}
	if stack.Start != 0x3e000 {
		t.Errorf("stack start %#x, want 0x3e000", stack.Start)
	}
	if !c.Present(0x40000) || c.Present(0x3e000) || c.Present(0x41000) {
		t.Errorf("stack presence changed by refresh")
	}
	if _, err := c.Lookup(0x30000); err != nil {
		t.Errorf("new region not inserted: %v", err)
	}
	if c.Len() != 3 {
		t.Errorf("expected 3 regions, got %d", c.Len())
	}

	// a region missing from the map is kept and nothing shrinks
	maps.Set(entry(0x10000, 1, "rw-p"))
	if err := c.Refresh(maps); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 || heap.End != 0x14000 || !c.Present(0x11000) {
		t.Errorf("refresh shrank the catalog")
	}
}

func TestRefreshClampsGrowth(t *testing.T) {
	c, maps := newCatalog(t, systest.NewMemory(), entry(0x10000, 2, "rw-p"), entry(0x14000, 2, "r--p"))
	low, _ := c.Lookup(0x10000)
	maps.Set(entry(0x10000, 5, "rw-p"), entry(0x15000, 1, "r--p"))
	if err := c.Refresh(maps); err != nil {
		t.Fatal(err)
	}
	if low.End != 0x14000 {
		t.Fatalf("growth was not clamped at the neighbour: end %#x", low.End)
	}
}

func TestInsertRemoteTraps(t *testing.T) {
	mem := systest.NewMemory()
	c, _ := newCatalog(t, mem, entry(0x10000, 1, "rw-p"))
	d := Descriptor{Start: 0x7f0000, End: 0x7f3000, Perm: sys.ParsePerm("rw-p"), Owner: 2, Path: "[stack]"}
	r, err := c.InsertRemote(d, 2, Signal)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Remote || r.Owner != 2 {
		t.Fatalf("bad remote region %v", r)
	}
	for a := d.Start; a < d.End; a += pg {
		if err := mem.Access(a, false); !errors.Is(err, systest.ErrFault) {
			t.Fatalf("access to %#x did not trap", a)
		}
	}
	if _, err := c.InsertRemote(d, 2, Signal); !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap on double registration, got %v", err)
	}
	if _, err := c.InsertRemote(Descriptor{Start: 0x900000, End: 0x901000}, 2, Queue); err == nil {
		t.Fatal("queue mechanism accepted without a queue")
	}
	if _, err := c.InsertRemote(Descriptor{Start: 0x900010, End: 0x901000}, 2, Signal); err == nil {
		t.Fatal("unaligned descriptor accepted")
	}
}

func TestInsertRemoteQueueRegisters(t *testing.T) {
	mem := systest.NewMemory()
	q := systest.NewFaultQueue(mem)
	c, err := New(Config{Self: 1, PageSize: pg, Memory: mem, Queue: q})
	if err != nil {
		t.Fatal(err)
	}
	d := Descriptor{Start: 0x7f0000, End: 0x7f1000, Perm: sys.ParsePerm("rw-p")}
	if _, err := c.InsertRemote(d, 2, Queue); err != nil {
		t.Fatal(err)
	}
	// registered ranges stay accessible, the queue reports the faults
	if err := mem.Access(0x7f0000, false); err != nil {
		t.Fatalf("queue region not accessible: %v", err)
	}
}

func TestReclaim(t *testing.T) {
	mem := systest.NewMemory()
	mem.Populate(0x10000, make([]byte, 4*pg), sys.PermRead|sys.PermWrite)
	c, _ := newCatalog(t, mem, entry(0x10000, 4, "rw-p"))
	local, _ := c.Lookup(0x10000)
	remote, err := c.InsertRemote(Descriptor{Start: 0x7f0000, End: 0x7f2000, Perm: sys.ParsePerm("rw-p")}, 2, Signal)
	if err != nil {
		t.Fatal(err)
	}
	c.MarkPresent(remote, remote.Start, remote.Len())
	if err := mem.Protect(remote.Start, remote.Len(), sys.PermRead|sys.PermWrite); err != nil {
		t.Fatal(err)
	}

	c.MarkLent(local, 0x11000, 2*pg)
	c.MarkLent(remote, 0x7f1000, pg)
	n, err := c.Reclaim(2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("reclaimed %d pages, want 3", n)
	}
	for _, tc := range []struct {
		addr    uint64
		present bool
	}{
		{0x10000, true}, {0x11000, false}, {0x12000, false}, {0x13000, true},
		{0x7f0000, true}, {0x7f1000, false},
	} {
		if got := c.Present(tc.addr); got != tc.present {
			t.Errorf("Present(%#x) = %v, want %v", tc.addr, got, tc.present)
		}
		if err := mem.Access(tc.addr, false); (err == nil) != tc.present {
			t.Errorf("access to %#x: %v", tc.addr, err)
		}
	}
	if !local.Remote || local.Owner != 2 || local.Mechanism != Signal {
		t.Fatalf("local region not handed over: %v", local)
	}
	if n, _ := c.Reclaim(2); n != 0 {
		t.Fatalf("second reclaim invalidated %d pages", n)
	}
}

func TestDisown(t *testing.T) {
	mem := systest.NewMemory()
	libc := sys.MapEntry{Start: 0x40000, End: 0x41000, Perm: sys.ParsePerm("rw-p"), Path: "/lib/libc.so.6"}
	for _, e := range []sys.MapEntry{entry(0x10000, 2, "rw-p"), entry(0x20000, 1, "r-xp"), entry(0x30000, 1, "rw-s"), libc} {
		data := make([]byte, e.End-e.Start)
		data[0] = 0x5a
		mem.Populate(e.Start, data, e.Perm.Access())
	}
	c, _ := newCatalog(t, mem, entry(0x10000, 2, "rw-p"), entry(0x20000, 1, "r-xp"), entry(0x30000, 1, "rw-s"), libc)

	n, err := c.Disown(2, func(r *Region) bool { return r.Path == libc.Path })
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("disowned %d pages, want 2", n)
	}
	data, _ := c.Lookup(0x10000)
	if !data.Remote || data.Owner != 2 || data.Mechanism != Signal {
		t.Fatalf("data region %v", data)
	}
	for _, a := range []uint64{0x10000, 0x11000} {
		if c.Present(a) {
			t.Errorf("%#x still present", a)
		}
		if err := mem.Access(a, false); err == nil {
			t.Errorf("access to %#x does not trap", a)
		}
	}
	buf := make([]byte, 1)
	if err := mem.Load(0x10000, buf); err != nil || buf[0] != 0 {
		t.Fatalf("stale content %#x %v", buf[0], err)
	}
	for _, a := range []uint64{0x20000, 0x30000, 0x40000} {
		r, _ := c.Lookup(a)
		if r.Remote || r.Owner != 1 {
			t.Errorf("region %v should stay local", r)
		}
		if err := mem.Access(a, false); err != nil {
			t.Errorf("access to %#x: %v", a, err)
		}
	}
	if n, _ := c.Disown(2, nil); n != 1 {
		t.Fatalf("second disown invalidated %d pages, want only the kept one", n)
	}
}

func TestClaim(t *testing.T) {
	mem := systest.NewMemory()
	mem.Populate(0x10000, []byte{0x5a}, sys.PermRead|sys.PermWrite)
	mem.Populate(0x11000, []byte{0x5b}, sys.PermRead|sys.PermWrite)
	c, _ := newCatalog(t, mem, entry(0x10000, 2, "rw-p"))

	d := Descriptor{Start: 0xf000, End: 0x13000, Perm: sys.ParsePerm("rw-p"), Path: "[stack]"}
	r, err := c.Claim(d, 2, Signal)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 || !r.Remote || r.Owner != 2 || r.Start != d.Start || r.End != d.End {
		t.Fatalf("claimed %v, %d regions", r, c.Len())
	}
	if got, _ := c.Lookup(0x10000); got != r {
		t.Fatalf("lookup returned the replaced region %v", got)
	}
	buf := make([]byte, 1)
	for _, a := range []uint64{0xf000, 0x10000, 0x11000, 0x12000} {
		if err := mem.Load(a, buf); err != nil {
			t.Fatalf("%#x not mapped: %v", a, err)
		}
		if buf[0] != 0 {
			t.Errorf("%#x kept local content %#x", a, buf[0])
		}
		if err := mem.Access(a, false); err == nil {
			t.Errorf("access to %#x does not trap", a)
		}
	}

	if _, err := c.Claim(Descriptor{Start: 0x12000, End: 0x14000, Perm: sys.ParsePerm("rw-p")}, 2, Signal); !errors.Is(err, ErrOverlap) {
		t.Fatalf("partial overlap: %v", err)
	}
}

func TestLookupAfterFailedInsert(t *testing.T) {
	mem := systest.NewMemory()
	// already mapped, so trapping the new region fails
	mem.Populate(0x50000, []byte{1}, sys.PermRead)
	c, _ := newCatalog(t, mem, entry(0x10000, 1, "rw-p"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Lookup(0x50000)
			}
		}
	}()
	if _, err := c.InsertRemote(Descriptor{Start: 0x50000, End: 0x51000, Perm: sys.ParsePerm("rw-p")}, 2, Signal); err == nil {
		t.Fatal("expected the insertion to fail")
	}
	close(stop)
	wg.Wait()
	if r, err := c.Lookup(0x50000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled back region still found: %v %v", r, err)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	d := Descriptor{Start: 0x400000, End: 0x40b000, Perm: sys.ParsePerm("r-xp"), Owner: 7, Inode: 1186, Path: "/usr/bin/cat"}
	buf, err := d.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != DescriptorSize {
		t.Fatalf("encoded size %d", len(buf))
	}
	var got Descriptor
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatal(err)
	}
	if got != d {
		t.Fatalf("got %+v, want %+v", got, d)
	}
	if err := got.UnmarshalBinary(buf[1:]); err == nil {
		t.Fatal("short descriptor accepted")
	}
}

func TestBitmapGrowFront(t *testing.T) {
	b := newBitmap(70)
	b.set(0)
	b.set(69)
	b.growFront(3)
	if b.n != 73 || !b.get(3) || !b.get(72) || b.get(0) || b.get(69) {
		t.Fatalf("unexpected bitmap after growFront: n=%d", b.n)
	}
	b.growBack(60)
	if b.n != 133 || b.get(100) || !b.get(72) {
		t.Fatalf("unexpected bitmap after growBack: n=%d", b.n)
	}
}
