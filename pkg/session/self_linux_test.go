//go:build linux && (amd64 || arm64)

package session

import (
	"context"
	"os"
	"testing"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/arch/archtest"
	"github.com/go-hdsm/hdsm/pkg/config"
)

func TestOpenSelf(t *testing.T) {
	conf := &config.Config{
		Self: "here",
		Nodes: []config.Node{
			{Name: "here", Arch: arch.Host(), Addr: "127.0.0.1:1"},
			{Name: "there", Arch: arch.Host(), Addr: "127.0.0.1:2"},
		},
		FaultMechanism: config.MechanismSignal,
	}
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}
	s, err := Open(conf, archtest.New(arch.Host(), 0, 0, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var local int
	if _, err := s.Catalog.Lookup(uint64(os.Getpagesize())); err == nil {
		t.Fatal("the zero page should not be mapped")
	}
	for _, r := range s.Catalog.Regions() {
		if !r.Remote {
			local++
		}
	}
	if local == 0 {
		t.Fatal("no regions found in /proc/self/maps")
	}

	os.Unsetenv(EnvMigrated)
	resumed, err := s.Resume(context.Background())
	if resumed || err != nil {
		t.Fatalf("Resume in a process started normally: %v %v", resumed, err)
	}
}
