package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/dsmerr"
)

const (
	configDir  string = "hdsm"
	configFile string = "config.yml"
)

// Fault resolution mechanisms.
const (
	MechanismSignal = "signal"
	MechanismQueue  = "queue"
	// MechanismAuto picks the fault queue when the kernel offers one.
	MechanismAuto = "auto"
)

// MaxNodes is the number of cooperating nodes supported.
const MaxNodes = 2

// Node describes one machine taking part in the migration.
type Node struct {
	Name string    `yaml:"name"`
	Arch arch.Arch `yaml:"arch"`
	// Addr is the host:port the node listens on for arriving processes.
	Addr string `yaml:"addr"`
}

// SubstitutePathRule maps an executable built for one architecture to
// its counterpart for another.
type SubstitutePathRule struct {
	// Executable path will be substituted if it starts with `From`.
	From string `yaml:"from"`
	// Path to which substitution is performed.
	To string `yaml:"to"`
	// Arch restricts the rule to destinations of that architecture.
	Arch arch.Arch `yaml:"arch,omitempty"`
}

// SubstitutePathRules is a slice of executable path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Self is the name of the local node in Nodes.
	Self  string `yaml:"self"`
	Nodes []Node `yaml:"nodes"`

	// FaultMechanism is one of signal, queue or auto.
	FaultMechanism string `yaml:"fault-mechanism"`
	// FetchGranularity is the number of bytes requested per fault. It is
	// rounded to whole pages; 0 means one page.
	FetchGranularity uint64 `yaml:"fetch-granularity"`
	// LookupCacheSize is the number of page to region lookups cached.
	LookupCacheSize int `yaml:"lookup-cache-size"`

	// Executable path substitution rules, applied by the listening node
	// to the path sent by the departing process.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`
	// ExecArgs are extra arguments passed to the arriving executable,
	// written as a shell command line.
	ExecArgs string `yaml:"exec-args"`

	// EntryPoints is the re-entry address of the migration point per
	// architecture.
	EntryPoints map[string]uint64 `yaml:"entry-points"`

	// KeepLocal lists the mappings, by path pattern, whose content an
	// arriving process keeps instead of taking the departed process'.
	// Anonymous mappings have an empty path and can only be kept through
	// the pattern "".
	KeepLocal []string `yaml:"keep-local,omitempty"`
}

// LoadConfig reads the configuration from path, or from the default
// location when path is empty, creating a default file there if none
// exists.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		if err := createConfigPath(); err != nil {
			return nil, &dsmerr.ConfigError{Field: "path", Err: fmt.Errorf("could not create config directory: %w", err)}
		}
		fullConfigFile, err := GetConfigFilePath(configFile)
		if err != nil {
			return nil, &dsmerr.ConfigError{Field: "path", Err: err}
		}
		if _, err := os.Stat(fullConfigFile); errors.Is(err, os.ErrNotExist) {
			if err := createDefaultConfig(fullConfigFile); err != nil {
				return nil, &dsmerr.ConfigError{Field: "path", Err: err}
			}
		}
		path = fullConfigFile
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &dsmerr.ConfigError{Field: "path", Err: fmt.Errorf("unable to read config data: %w", err)}
	}
	return Parse(data)
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, &dsmerr.ConfigError{Field: "yaml", Err: fmt.Errorf("unable to decode config file: %w", err)}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(path, out, 0600)
}

// Validate checks the node table and the tunables.
func (c *Config) Validate() error {
	if c.FaultMechanism == "" {
		c.FaultMechanism = MechanismAuto
	}
	switch c.FaultMechanism {
	case MechanismSignal, MechanismQueue, MechanismAuto:
	default:
		return &dsmerr.ConfigError{Field: "fault-mechanism", Err: fmt.Errorf("unknown mechanism %q", c.FaultMechanism)}
	}
	if len(c.Nodes) > MaxNodes {
		return &dsmerr.ConfigError{Field: "nodes", Err: fmt.Errorf("%d nodes configured, at most %d are supported", len(c.Nodes), MaxNodes)}
	}
	seen := map[string]bool{}
	for i, n := range c.Nodes {
		if n.Name == "" {
			return &dsmerr.ConfigError{Field: fmt.Sprintf("nodes[%d].name", i), Err: errors.New("missing node name")}
		}
		if seen[n.Name] {
			return &dsmerr.ConfigError{Field: fmt.Sprintf("nodes[%d].name", i), Err: fmt.Errorf("duplicate node %q", n.Name)}
		}
		seen[n.Name] = true
		if n.Arch == arch.Unknown {
			return &dsmerr.ConfigError{Field: fmt.Sprintf("nodes[%d].arch", i), Err: errors.New("missing architecture")}
		}
	}
	if c.Self != "" && !seen[c.Self] {
		return &dsmerr.ConfigError{Field: "self", Err: fmt.Errorf("node %q is not in the node table", c.Self)}
	}
	for name := range c.EntryPoints {
		if _, err := arch.Parse(name); err != nil {
			return &dsmerr.ConfigError{Field: "entry-points", Err: err}
		}
	}
	for i, r := range c.SubstitutePath {
		if r.From == "" {
			return &dsmerr.ConfigError{Field: fmt.Sprintf("substitute-path[%d].from", i), Err: errors.New("empty prefix")}
		}
	}
	for i, pat := range c.KeepLocal {
		if _, err := filepath.Match(pat, ""); err != nil {
			return &dsmerr.ConfigError{Field: fmt.Sprintf("keep-local[%d]", i), Err: err}
		}
	}
	if c.LookupCacheSize < 0 {
		return &dsmerr.ConfigError{Field: "lookup-cache-size", Err: errors.New("negative size")}
	}
	if _, err := c.Argv(); err != nil {
		return &dsmerr.ConfigError{Field: "exec-args", Err: err}
	}
	return nil
}

// SelfNode returns the local node.
func (c *Config) SelfNode() (Node, error) {
	for _, n := range c.Nodes {
		if n.Name == c.Self {
			return n, nil
		}
	}
	return Node{}, &dsmerr.ConfigError{Field: "self", Err: fmt.Errorf("node %q not configured", c.Self)}
}

// Peer returns the node that is not the local one.
func (c *Config) Peer() (Node, error) {
	for _, n := range c.Nodes {
		if n.Name != c.Self {
			return n, nil
		}
	}
	return Node{}, &dsmerr.ConfigError{Field: "nodes", Err: errors.New("no peer node configured")}
}

// Node returns the node called name.
func (c *Config) Node(name string) (Node, error) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, nil
		}
	}
	return Node{}, &dsmerr.ConfigError{Field: "nodes", Err: fmt.Errorf("unknown node %q", name)}
}

// NodeID returns the position of the node called name in the node table,
// counting from 1. Unknown names map to 0.
func (c *Config) NodeID(name string) uint32 {
	for i, n := range c.Nodes {
		if n.Name == name {
			return uint32(i + 1)
		}
	}
	return 0
}

// EntryPoint returns the re-entry address configured for a.
func (c *Config) EntryPoint(a arch.Arch) (uint64, error) {
	for name, pc := range c.EntryPoints {
		if b, _ := arch.Parse(name); b == a {
			return pc, nil
		}
	}
	return 0, &dsmerr.ConfigError{Field: "entry-points", Err: fmt.Errorf("no entry point for %v", a)}
}

// Keeps reports whether a mapping of path matches keep-local. Names such
// as [vvar] match literally as well.
func (c *Config) Keeps(path string) bool {
	for _, pat := range c.KeepLocal {
		if pat == path {
			return true
		}
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
	}
	return false
}

// Granularity returns the fetch granularity rounded up to whole pages of
// size pageSize.
func (c *Config) Granularity(pageSize uint64) uint64 {
	g := c.FetchGranularity
	if g < pageSize {
		return pageSize
	}
	return (g + pageSize - 1) &^ (pageSize - 1)
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for hdsm.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Name of this machine in the node table.
# self: left

# The two machines taking part in the migration.
nodes:
  # - {name: left, arch: x86_64, addr: "10.0.0.1:7070"}
  # - {name: right, arch: aarch64, addr: "10.0.0.2:7070"}

# How faults on remote memory are resolved: signal, queue or auto.
# fault-mechanism: auto

# Number of bytes fetched per fault, rounded to whole pages.
# fetch-granularity: 4096

# Rewrite the executable path received from the departing process into the
# binary built for this machine. The longest matching prefix wins.
substitute-path:
  # - {from: /opt/app/x86_64/, to: /opt/app/aarch64/}

# Extra arguments for the arriving executable.
# exec-args: "--quiet"

# Re-entry address of the migration point per architecture.
entry-points:
  # x86_64: 0x401000
  # aarch64: 0x400800

# Writable mappings an arriving process keeps its own copy of, by path
# pattern. Everything else writable is fetched from the departed process.
# keep-local:
  # - "/usr/lib/*/libc.so*"
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, configDir, file), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", configDir, file), nil
}
