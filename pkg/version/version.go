package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/wire"
)

// Version represents the current version of hdsm.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// HDSMVersion is the current version of hdsm.
var HDSMVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// Protocol describes the wire format this build speaks. Both nodes must
// print the same line.
func Protocol() string {
	return fmt.Sprintf("Protocol: header %d bytes, inline %d bytes, context %d bytes, host %v",
		wire.HeaderSize, wire.InlineSize, arch.SnapshotSize, arch.Host())
}

// BuildInfo describes the toolchain and module versions of the binary.
// Two nodes exchanging pages must run builds of the same revision.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	info, ok := debug.ReadBuildInfo()
	if !ok {
		b.WriteString("not built in module mode\n")
		return b.String()
	}
	fmt.Fprintf(&b, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision", "vcs.time", "vcs.modified", "CGO_ENABLED":
			fmt.Fprintf(&b, " build\t%s=%s\n", s.Key, s.Value)
		}
	}
	for _, dep := range info.Deps {
		fmt.Fprintf(&b, " dep\t%s\t%s", dep.Path, dep.Version)
		if dep.Replace != nil {
			fmt.Fprintf(&b, "\t=> %s\t%s", dep.Replace.Path, dep.Replace.Version)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}
