package session

import (
	"context"
	"os"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/config"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/sys"
)

// Open returns a session for the calling process: its own address space
// and memory map and, unless the signal mechanism is configured, a
// userfaultfd fault queue when the kernel grants one.
func Open(conf *config.Config, plat arch.Platform, tr arch.Transformer) (*Session, error) {
	mem, err := sys.OpenSelfMemory()
	if err != nil {
		return nil, err
	}
	var q sys.FaultQueue
	if conf.FaultMechanism != config.MechanismSignal && sys.ProbeUserfaultfd() {
		if q, err = sys.OpenFaultQueue(); err != nil {
			mem.Close()
			return nil, err
		}
	}
	s, err := New(Config{
		Conf:        conf,
		Memory:      mem,
		Maps:        sys.ProcMaps{},
		Queue:       q,
		Platform:    plat,
		Transformer: tr,
	})
	if err != nil {
		if q != nil {
			q.Close()
		}
		mem.Close()
		return nil, err
	}
	return s, nil
}

// Resume completes the arrival of a process started by Exec: it attaches
// the inherited connection and installs the departed thread's registers.
// It reports false, doing nothing, in a process that was started
// normally.
func (s *Session) Resume(ctx context.Context) (bool, error) {
	if !Migrated(os.Getenv) {
		return false, nil
	}
	conn, err := ConnFromEnv(os.Getenv)
	if err != nil {
		return true, err
	}
	os.Unsetenv(EnvMigrated)
	os.Unsetenv(EnvSocketFD)
	if logflags.Session() {
		s.log.Debugf("resuming migrated thread")
	}
	s.Attach(conn)
	return true, s.Arrive(ctx)
}
