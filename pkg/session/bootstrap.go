package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-hdsm/hdsm/pkg/config"
	"github.com/go-hdsm/hdsm/pkg/dsmerr"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/wire"
	"golang.org/x/sys/unix"
)

// Environment of a process started for an arriving thread.
const (
	// EnvSocketFD holds the number of the inherited connection descriptor.
	EnvSocketFD = "HDSM_SOCKET_FD"
	// EnvMigrated is set to 1 in a process that must arrive instead of
	// starting from main.
	EnvMigrated = "HDSM_MIGRATED"
)

// Migrated reports whether the environment describes an arriving
// process.
func Migrated(getenv func(string) string) bool {
	return getenv(EnvMigrated) == "1"
}

// ConnFromEnv returns the connection inherited through EnvSocketFD.
func ConnFromEnv(getenv func(string) string) (*wire.Conn, error) {
	s := getenv(EnvSocketFD)
	if s == "" {
		return nil, &dsmerr.ConfigError{Field: EnvSocketFD, Err: errors.New("not set")}
	}
	fd, err := strconv.Atoi(s)
	if err != nil || fd < 0 {
		return nil, &dsmerr.ConfigError{Field: EnvSocketFD, Err: fmt.Errorf("invalid descriptor %q", s)}
	}
	return wire.FromFD(fd)
}

// Target is the process image started to receive a migrated thread.
type Target struct {
	Path string
	Argv []string
	Env  []string
}

// NewTarget resolves the executable path sent by the peer for the local
// architecture and builds the arguments and environment of the target
// process. fd is the connection descriptor it inherits.
func NewTarget(conf *config.Config, path string, fd int, environ []string) (*Target, error) {
	self, err := conf.SelfNode()
	if err != nil {
		return nil, err
	}
	path = config.NewSubstituter(conf.SubstitutePath).Substitute(path, self.Arch)
	args, err := conf.Argv()
	if err != nil {
		return nil, err
	}
	t := &Target{Path: path, Argv: append([]string{path}, args...)}
	for _, kv := range environ {
		if strings.HasPrefix(kv, EnvSocketFD+"=") || strings.HasPrefix(kv, EnvMigrated+"=") {
			continue
		}
		t.Env = append(t.Env, kv)
	}
	t.Env = append(t.Env, EnvSocketFD+"="+strconv.Itoa(fd), EnvMigrated+"=1")
	return t, nil
}

// Exec replaces the current process with the local counterpart of the
// executable at path. conn stays open across the exec and is found by the
// new image through EnvSocketFD. Exec only returns on failure.
func Exec(conf *config.Config, conn *wire.Conn, path string) error {
	f, err := conn.File()
	if err != nil {
		return &dsmerr.TransportError{Op: "inherit socket", Err: err}
	}
	defer f.Close()
	fd := int(f.Fd())
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); err != nil {
		return &dsmerr.TransportError{Op: "inherit socket", Err: err}
	}
	t, err := NewTarget(conf, path, fd, os.Environ())
	if err != nil {
		return err
	}
	if logflags.Session() {
		logflags.SessionLogger().Debugf("exec %s %v with socket on fd %d", t.Path, t.Argv[1:], fd)
	}
	err = unix.Exec(t.Path, t.Argv, t.Env)
	return fmt.Errorf("could not start %s: %w", t.Path, err)
}

// Accept listens on the address of the local node and returns the first
// connection and the executable path the peer sent with it.
func Accept(ctx context.Context, conf *config.Config) (*wire.Conn, string, error) {
	self, err := conf.SelfNode()
	if err != nil {
		return nil, "", err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", self.Addr)
	if err != nil {
		return nil, "", &dsmerr.TransportError{Op: "listen " + self.Addr, Err: err}
	}
	defer l.Close()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	if logflags.Session() {
		logflags.SessionLogger().Debugf("node %s waiting on %s", self.Name, l.Addr())
	}
	c, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, "", &dsmerr.TransportError{Op: "accept", Err: err}
	}
	conn := wire.NewConn(c)
	path, err := conn.ReadPath()
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	return conn, path, nil
}
