// Package session ties the DSM components of one process together: the
// region catalog, the connection to the peer, the fault interceptor and
// the migration controller. A Session has an explicit lifecycle (New,
// Close) so that independent sessions can coexist, in tests in
// particular.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/config"
	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/fault"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/migrate"
	"github.com/go-hdsm/hdsm/pkg/region"
	"github.com/go-hdsm/hdsm/pkg/sys"
	"github.com/go-hdsm/hdsm/pkg/wire"
)

// Config holds the collaborators of a Session.
type Config struct {
	Conf *config.Config

	Memory sys.Memory
	Maps   sys.MapSource
	// Queue is the kernel fault queue, nil when unavailable.
	Queue sys.FaultQueue

	Platform    arch.Platform
	Transformer arch.Transformer

	// Executable is the path sent to the peer on the first departure.
	// Defaults to the running executable.
	Executable string
	// Out receives the text of PRINT requests. Defaults to os.Stdout.
	Out io.Writer
	// Exit terminates the process after a fatal error. Defaults to
	// os.Exit.
	Exit func(code int)
}

// Session is the DSM state of one process.
type Session struct {
	cfg        Config
	conf       *config.Config
	log        logflags.Logger
	self, peer uint32
	mechanism  region.Mechanism

	Catalog     *region.Catalog
	Interceptor *fault.Interceptor
	Controller  *migrate.Controller

	mu     sync.Mutex
	conn   *wire.Conn
	client *wire.Client
	server *wire.Server

	cancelQueue context.CancelFunc
	queueDone   chan error
	closeOnce   sync.Once
}

// New builds the region catalog and the components around it. Failing
// to enumerate the memory map is returned as an error: the caller must
// not continue without a catalog.
func New(cfg Config) (*Session, error) {
	if cfg.Conf == nil {
		return nil, &dsmerr.ConfigError{Field: "config", Err: errors.New("missing configuration")}
	}
	if cfg.Memory == nil || cfg.Maps == nil || cfg.Platform == nil {
		return nil, errors.New("session needs a memory, a map source and a platform")
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	conf := cfg.Conf
	s := &Session{cfg: cfg, conf: conf, log: logflags.SessionLogger()}

	self, err := conf.SelfNode()
	if err != nil {
		return nil, err
	}
	peer, err := conf.Peer()
	if err != nil {
		return nil, err
	}
	if self.Arch != cfg.Platform.Arch() {
		return nil, &dsmerr.ConfigError{Field: "self", Err: fmt.Errorf("node %q is %v but the platform is %v", self.Name, self.Arch, cfg.Platform.Arch())}
	}
	s.self, s.peer = conf.NodeID(self.Name), conf.NodeID(peer.Name)

	s.mechanism, err = pickMechanism(conf.FaultMechanism, cfg.Queue)
	if err != nil {
		return nil, err
	}
	queue := cfg.Queue
	if s.mechanism != region.Queue {
		queue = nil
	}

	ps := self.Arch.PageSize()
	s.Catalog, err = region.New(region.Config{
		Self:      s.self,
		PageSize:  ps,
		Memory:    cfg.Memory,
		Queue:     queue,
		CacheSize: conf.LookupCacheSize,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Catalog.Build(cfg.Maps); err != nil {
		return nil, err
	}
	s.Interceptor, err = fault.New(fault.Config{
		Catalog:     s.Catalog,
		Memory:      cfg.Memory,
		Queue:       queue,
		Peer:        s.peer,
		Granularity: conf.Granularity(ps),
		Mechanism:   s.mechanism,
	})
	if err != nil {
		return nil, err
	}
	s.Controller, err = migrate.New(migrate.Config{
		Platform:    cfg.Platform,
		Transformer: cfg.Transformer,
		EntryPoint:  conf.EntryPoint,
		Catalog:     s.Catalog,
		Interceptor: s.Interceptor,
		Memory:      cfg.Memory,
		Peer:        s.peer,
		Mechanism:   s.mechanism,
		KeepLocal:   s.keepLocal,
	})
	if err != nil {
		return nil, err
	}

	if queue != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelQueue = cancel
		s.queueDone = make(chan error, 1)
		go s.runQueue(ctx, queue)
	}
	if logflags.Session() {
		s.log.Debugf("session for node %s (%v) with %d regions, %v faults", self.Name, self.Arch, s.Catalog.Len(), s.mechanism)
	}
	return s, nil
}

// runQueue drains the fault queue. A fault it cannot resolve leaves the
// faulting thread blocked for good, so it terminates the process.
func (s *Session) runQueue(ctx context.Context, q sys.FaultQueue) {
	err := s.Interceptor.RunQueue(ctx, q)
	s.queueDone <- err
	if err != nil && !errors.Is(err, context.Canceled) {
		s.Fatal(err)
	}
}

// keepLocal reports the regions an arriving process keeps its own
// content for: the mappings matching keep-local and the one holding the
// stack of the calling goroutine.
func (s *Session) keepLocal(r *region.Region) bool {
	var marker byte
	if r.Contains(uint64(uintptr(unsafe.Pointer(&marker)))) {
		return true
	}
	return s.conf.Keeps(r.Path)
}

func pickMechanism(name string, q sys.FaultQueue) (region.Mechanism, error) {
	switch name {
	case config.MechanismSignal:
		return region.Signal, nil
	case config.MechanismQueue:
		if q == nil {
			return 0, &dsmerr.ConfigError{Field: "fault-mechanism", Err: errors.New("fault queue unavailable on this system")}
		}
		return region.Queue, nil
	case config.MechanismAuto, "":
		if q != nil {
			return region.Queue, nil
		}
		return region.Signal, nil
	}
	return 0, &dsmerr.ConfigError{Field: "fault-mechanism", Err: fmt.Errorf("unknown mechanism %q", name)}
}

// Mechanism returns the fault mechanism used for remote regions.
func (s *Session) Mechanism() region.Mechanism { return s.mechanism }

// Attach installs conn as the connection to the peer.
func (s *Session) Attach(conn *wire.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.client = wire.NewClient(conn)
	s.server = s.newServer(conn)
	s.Interceptor.SetFetcher(s.client)
}

func (s *Session) connection() (*wire.Conn, *wire.Client, *wire.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn, s.client, s.server
}

// Client returns the client for the attached connection, nil before one
// is attached.
func (s *Session) Client() *wire.Client {
	_, c, _ := s.connection()
	return c
}

// Depart migrates the thread controlled by the platform to the node
// called name. See migrate.Controller.Depart.
func (s *Session) Depart(ctx context.Context, name string) error {
	target, err := s.conf.Node(name)
	if err != nil {
		return err
	}
	return s.Controller.Depart(ctx, target, s)
}

// Handoff implements migrate.Handoff.
func (s *Session) Handoff(ctx context.Context, target config.Node) error {
	_, client, _ := s.connection()
	if client != nil {
		return client.MigrateBack()
	}
	conn, err := wire.Dial(ctx, target.Addr)
	if err != nil {
		return err
	}
	s.Attach(conn)
	exe := s.cfg.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return err
		}
	}
	if logflags.Session() {
		s.log.Debugf("connected to %s at %s, sending %s", target.Name, target.Addr, exe)
	}
	return conn.WritePath(exe)
}

// Serve implements migrate.Handoff.
func (s *Session) Serve(ctx context.Context) error {
	_, _, srv := s.connection()
	if srv == nil {
		return &dsmerr.TransportError{Op: "serve", Err: errors.New("no connection")}
	}
	return srv.Serve(ctx)
}

// Arrive resumes the thread that departed from the peer on the attached
// connection.
func (s *Session) Arrive(ctx context.Context) error {
	_, client, _ := s.connection()
	if client == nil {
		return &dsmerr.TransportError{Op: "arrive", Err: errors.New("no connection")}
	}
	return s.Controller.Arrive(ctx, client)
}

// Access runs fn, resolving the faults it raises on remote or protected
// memory (see fault.Interceptor.Access). A fault that cannot be resolved
// is fatal.
func (s *Session) Access(fn func()) {
	if err := s.Interceptor.Access(fn); err != nil {
		s.Fatal(err)
	}
}

// Stats returns the fault counters.
func (s *Session) Stats() fault.Stats {
	return s.Interceptor.Stats()
}

// Close releases the session. It stops the fault queue worker and closes
// the fault queue, the connection and the memory.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cancelQueue != nil {
			s.cancelQueue()
			if qerr := <-s.queueDone; qerr != nil && !errors.Is(qerr, context.Canceled) {
				err = qerr
			}
		}
		if s.cfg.Queue != nil {
			s.cfg.Queue.Close()
		}
		s.Interceptor.Close()
		if logflags.Session() {
			st := s.Interceptor.Stats()
			s.log.Debugf("faults=%d local=%d fetches=%d bytes=%d discovered=%d", st.Faults, st.LocalFaults, st.RemoteFetches, st.BytesFetched, st.Discovered)
		}
		if conn, _, _ := s.connection(); conn != nil {
			if cerr := conn.Close(); err == nil {
				err = cerr
			}
		}
		if c, ok := s.cfg.Memory.(io.Closer); ok {
			c.Close()
		}
	})
	return err
}

// Fatal reports err, releases the session and terminates the process
// with status 1.
func (s *Session) Fatal(err error) {
	logflags.WriteError(fmt.Sprintf("fatal %s error: %v", dsmerr.Kind(err), err))
	s.Close()
	s.cfg.Exit(1)
}
