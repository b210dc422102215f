// Package arch is the platform boundary of the migration engine.
//
// Everything that depends on a concrete register layout lives here: the
// architecture tag, the tagged RegisterSnapshot, the Platform interface
// (capture, install, set frame) and its native implementations. The rest of
// the engine only handles Snapshot values and never looks inside them.
package arch

import (
	"fmt"
	"runtime"
	"strings"
)

// Arch identifies an instruction set the engine can migrate between.
type Arch uint32

const (
	Unknown Arch = iota
	AMD64
	ARM64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "x86_64"
	case ARM64:
		return "aarch64"
	}
	return fmt.Sprintf("unknown(%d)", uint32(a))
}

// PageSize returns the base page size used by the architecture on Linux.
func (a Arch) PageSize() uint64 {
	return 4096
}

// Parse converts both the kernel names (x86_64, aarch64) and the Go names
// (amd64, arm64) of an architecture into an Arch.
func Parse(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64", "x86-64":
		return AMD64, nil
	case "aarch64", "arm64":
		return ARM64, nil
	}
	return Unknown, fmt.Errorf("unsupported architecture %q", s)
}

// Host returns the architecture of the running process.
func Host() Arch {
	a, err := Parse(runtime.GOARCH)
	if err != nil {
		return Unknown
	}
	return a
}

// UnmarshalYAML lets configuration files name architectures by string.
func (a *Arch) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalYAML writes the kernel name of the architecture.
func (a Arch) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}
