// Package migrate moves the execution of a thread between the two nodes.
//
// Depart captures the thread's registers, has the stack rewritten for the
// destination architecture, points the snapshot at the re-entry address
// and hands control to the peer, then serves the peer's requests. Arrive
// is its counterpart on the destination: it fetches the snapshot, makes
// the stack page under the stack and frame pointers available and
// installs the registers. The resumed thread re-enters Depart, finds the
// reentry guard set and returns as if the call had completed locally.
//
// The first arrival in a process that never ran the thread gives the
// peer ownership of all its writable private memory, except what
// Config.KeepLocal retains. Later arrivals only take back the pages lent
// to the peer.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/config"
	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/fault"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/region"
	"github.com/go-hdsm/hdsm/pkg/sys"
	"github.com/go-hdsm/hdsm/pkg/wire"
)

// Phase is the migration state of the local node.
type Phase int

const (
	RunningLocal Phase = iota
	Leaving
	InFlight
	Arriving
	RunningRemote
)

func (p Phase) String() string {
	switch p {
	case RunningLocal:
		return "running (local)"
	case Leaving:
		return "leaving"
	case InFlight:
		return "in flight"
	case Arriving:
		return "arriving"
	case RunningRemote:
		return "running (remote)"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrResumed is returned by the serving loop of a departed node once the
// peer migrated execution back and the arrive path completed.
var ErrResumed = errors.New("execution migrated back")

// Handoff passes control to a peer node and serves it afterwards.
type Handoff interface {
	// Handoff transfers control to target: the first hop connects and
	// sends the executable path, later hops send MIGRATE_BACK.
	Handoff(ctx context.Context, target config.Node) error
	// Serve answers the peer's requests. It returns wire.ErrExit when the
	// peer exits and ErrResumed when execution came back.
	Serve(ctx context.Context) error
}

// Peer is the node execution arrives from.
type Peer interface {
	FetchContext() (arch.Snapshot, error)
	FetchDescriptor(addr uint64) (region.Descriptor, error)
}

// Config configures a Controller.
type Config struct {
	Platform    arch.Platform
	Transformer arch.Transformer
	// EntryPoint returns the re-entry address of the migration point in
	// the binary for an architecture.
	EntryPoint  func(arch.Arch) (uint64, error)
	Catalog     *region.Catalog
	Interceptor *fault.Interceptor
	// Memory, if set, is used to show the instruction execution resumes
	// at.
	Memory sys.Memory
	// Peer is the node id of the other node.
	Peer uint32
	// Mechanism is used for the stack region fetched on arrival.
	Mechanism region.Mechanism
	// KeepLocal selects the writable regions whose local content
	// survives the first arrival. It is called with the catalog locked.
	KeepLocal func(*region.Region) bool
}

// Controller runs departures and arrivals for one session.
type Controller struct {
	cfg Config
	log logflags.Logger

	mu    sync.Mutex
	phase Phase
	// reentry is set right before the registers of an arriving thread
	// are installed and consumed by the Depart call it resumes in.
	reentry bool
	// snap is the departed thread's snapshot, served once.
	snap       []byte
	served     bool
	hops       int
	departures int
}

func New(cfg Config) (*Controller, error) {
	if cfg.Platform == nil || cfg.Catalog == nil || cfg.Interceptor == nil {
		return nil, errors.New("migration controller needs a platform, a catalog and a fault interceptor")
	}
	if cfg.EntryPoint == nil {
		return nil, errors.New("migration controller needs an entry point resolver")
	}
	if cfg.Transformer == nil {
		cfg.Transformer = arch.TransformFunc(sameArch)
	}
	return &Controller{cfg: cfg, log: logflags.MigrateLogger()}, nil
}

// sameArch is the transformer used when none is configured: it only
// accepts migrations that do not change architecture.
func sameArch(src, dst arch.Arch, snap *arch.Snapshot) error {
	if src != dst {
		return fmt.Errorf("no stack transformation from %v to %v", src, dst)
	}
	return nil
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Hops returns the number of completed arrivals.
func (c *Controller) Hops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hops
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	old := c.phase
	c.phase = p
	c.mu.Unlock()
	if logflags.Migrate() {
		c.log.Debugf("%v -> %v", old, p)
	}
}

// Depart migrates the calling thread to target. It returns nil only in
// the resumed execution, after control came back through Arrive. When
// the peer exits instead, the error wraps wire.ErrExit. Every other
// failure is a MigrationError and leaves the process unable to continue.
func (c *Controller) Depart(ctx context.Context, target config.Node, h Handoff) error {
	for {
		if c.Reenter() {
			return nil
		}
		c.mu.Lock()
		if c.phase != RunningLocal && c.phase != RunningRemote {
			p := c.phase
			c.mu.Unlock()
			return &dsmerr.MigrationError{Phase: "depart", Err: fmt.Errorf("migration already %v", p)}
		}
		c.mu.Unlock()

		err := c.depart(ctx, target, h)
		if !errors.Is(err, ErrResumed) {
			return err
		}
		// back through the reentry guard
	}
}

func (c *Controller) depart(ctx context.Context, target config.Node, h Handoff) error {
	c.mu.Lock()
	c.departures++
	c.mu.Unlock()
	c.setPhase(Leaving)
	snap, err := c.cfg.Platform.Capture()
	if err != nil {
		return &dsmerr.MigrationError{Phase: "capture", Err: err}
	}
	src := snap.Arch
	if err := c.cfg.Transformer.Transform(src, target.Arch, &snap); err != nil {
		return &dsmerr.MigrationError{Phase: "transform", Err: err}
	}
	if snap.Arch != target.Arch || !snap.Valid() {
		return &dsmerr.MigrationError{Phase: "transform", Err: fmt.Errorf("transformation produced a %v snapshot for a %v node", snap.Arch, target.Arch)}
	}
	pc, err := c.cfg.EntryPoint(target.Arch)
	if err != nil {
		return &dsmerr.MigrationError{Phase: "patch", Err: err}
	}
	snap.SetPC(pc)
	buf, err := snap.MarshalBinary()
	if err != nil {
		return &dsmerr.MigrationError{Phase: "patch", Err: err}
	}

	c.mu.Lock()
	c.snap, c.served = buf, false
	c.mu.Unlock()
	if logflags.Migrate() {
		c.log.Debugf("departing to %s (%v -> %v) pc=%#x sp=%#x fp=%#x", target.Name, src, target.Arch, pc, snap.SP(), snap.FP())
	}

	c.setPhase(InFlight)
	if err := h.Handoff(ctx, target); err != nil {
		return &dsmerr.MigrationError{Phase: "handoff", Err: err}
	}
	err = h.Serve(ctx)
	switch {
	case errors.Is(err, wire.ErrExit), errors.Is(err, ErrResumed):
		return err
	case err == nil:
		err = errors.New("serving ended without exit or migration back")
	}
	return &dsmerr.MigrationError{Phase: "serve", Err: err}
}

// Reenter consumes the reentry guard set by Arrive. It reports whether
// the caller is the execution Arrive resumed, which must return from its
// migration call instead of migrating again.
func (c *Controller) Reenter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.reentry {
		return false
	}
	c.reentry = false
	if logflags.Migrate() {
		c.log.Debugf("resumed after migration")
	}
	return true
}

// Context returns the encoded snapshot of the departed thread, for the
// GET_CTXT request. It can be fetched once per departure.
func (c *Controller) Context() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != InFlight || c.snap == nil {
		return nil, &dsmerr.ProtocolViolation{Context: wire.OpGetContext.String(), Detail: fmt.Sprintf("no departed thread (%v)", c.phase)}
	}
	if c.served {
		return nil, &dsmerr.ProtocolViolation{Context: wire.OpGetContext.String(), Detail: "register snapshot already consumed"}
	}
	c.served = true
	return c.snap, nil
}

// Arrive resumes on this node the thread that departed from p.
func (c *Controller) Arrive(ctx context.Context, p Peer) error {
	c.setPhase(Arriving)
	snap, err := p.FetchContext()
	if err != nil {
		return &dsmerr.MigrationError{Phase: "fetch context", Err: err}
	}
	if local := c.cfg.Platform.Arch(); snap.Arch != local || !snap.Valid() {
		return &dsmerr.MigrationError{Phase: "fetch context", Err: fmt.Errorf("received a %v snapshot on a %v node", snap.Arch, local)}
	}

	c.mu.Lock()
	fresh := c.hops == 0 && c.departures == 0
	c.mu.Unlock()
	if fresh {
		n, err := c.cfg.Catalog.Disown(c.cfg.Peer, c.cfg.KeepLocal)
		if err != nil {
			return &dsmerr.MigrationError{Phase: "disown", Err: err}
		}
		if logflags.Migrate() {
			c.log.Debugf("first arrival: %d local pages now owned by node %d", n, c.cfg.Peer)
		}
	} else {
		// pages the peer fetched from us may have been modified there
		n, err := c.cfg.Catalog.Reclaim(c.cfg.Peer)
		if err != nil {
			return &dsmerr.MigrationError{Phase: "reclaim", Err: err}
		}
		if n > 0 && logflags.Migrate() {
			c.log.Debugf("reclaimed %d pages from node %d", n, c.cfg.Peer)
		}
	}

	sp, fp := snap.SP(), snap.FP()
	stack, err := c.stackRegion(p, sp, fresh)
	if err != nil {
		return &dsmerr.MigrationError{Phase: "fetch stack", Err: err}
	}
	if logflags.Migrate() {
		c.log.Debugf("stack region %v", stack)
	}

	// only the page under the stack pointer, and the frame pointer's if
	// it is another one, is needed to resume
	if err := c.cfg.Interceptor.Resolve(sp); err != nil {
		return &dsmerr.MigrationError{Phase: "prefault stack", Err: err}
	}
	ps := c.cfg.Catalog.PageSize()
	lo, hi := c.cfg.Catalog.Bounds(stack)
	if fp/ps != sp/ps && fp >= lo && fp < hi {
		if err := c.cfg.Interceptor.Resolve(fp); err != nil {
			return &dsmerr.MigrationError{Phase: "prefault stack", Err: err}
		}
	}

	c.logResumePoint(&snap)

	c.mu.Lock()
	c.reentry = true
	c.snap = nil
	c.mu.Unlock()
	if err := c.cfg.Platform.SetFrame(fp, sp); err != nil {
		return &dsmerr.MigrationError{Phase: "set frame", Err: err}
	}
	if err := c.cfg.Platform.Install(snap); err != nil {
		return &dsmerr.MigrationError{Phase: "install", Err: err}
	}
	c.mu.Lock()
	c.hops++
	c.mu.Unlock()
	c.setPhase(RunningRemote)
	return nil
}

// stackRegion returns the region holding the stack pointer of the
// arriving thread. A fresh process always takes the peer's region, even
// over a mapping of its own at the same address.
func (c *Controller) stackRegion(p Peer, sp uint64, fresh bool) (*region.Region, error) {
	if !fresh {
		r, err := c.cfg.Catalog.Lookup(sp)
		if !errors.Is(err, region.ErrNotFound) {
			return r, err
		}
	}
	d, err := p.FetchDescriptor(sp)
	if err != nil {
		return nil, err
	}
	if !d.Contains(sp) {
		return nil, fmt.Errorf("peer has no region at stack pointer %#x", sp)
	}
	if fresh {
		return c.cfg.Catalog.Claim(d, c.cfg.Peer, c.cfg.Mechanism)
	}
	return c.cfg.Catalog.InsertRemote(d, c.cfg.Peer, c.cfg.Mechanism)
}

func (c *Controller) logResumePoint(snap *arch.Snapshot) {
	if !logflags.Migrate() {
		return
	}
	for _, r := range snap.Slice() {
		c.log.Debugf("  %v", r)
	}
	if c.cfg.Memory == nil {
		return
	}
	code := make([]byte, arch.MaxInstructionLen)
	if err := c.cfg.Memory.Load(snap.PC(), code); err != nil {
		c.log.Debugf("resume point %#x: %v", snap.PC(), err)
		return
	}
	text, _, err := arch.Disassemble(snap.Arch, code, snap.PC())
	if err != nil {
		c.log.Debugf("resume point %#x: %v", snap.PC(), err)
		return
	}
	c.log.Debugf("resuming at %#x: %s", snap.PC(), text)
}
