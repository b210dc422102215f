package main

import (
	"os"

	"github.com/go-hdsm/hdsm/cmd/hdsm/cmds"
	"github.com/go-hdsm/hdsm/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.HDSMVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
