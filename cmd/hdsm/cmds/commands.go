package cmds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/go-hdsm/hdsm/pkg/arch"
	"github.com/go-hdsm/hdsm/pkg/config"
	"github.com/go-hdsm/hdsm/pkg/logflags"
	"github.com/go-hdsm/hdsm/pkg/region"
	"github.com/go-hdsm/hdsm/pkg/session"
	"github.com/go-hdsm/hdsm/pkg/sys"
	"github.com/go-hdsm/hdsm/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v2"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath is the configuration file, empty for the default location.
	configPath string
	// selfName overrides the self entry of the configuration.
	selfName string
	// verbose adds the build information to the version output.
	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const hdsmCommandLongDesc = `hdsm moves a running thread between machines of different architectures.

The departing process keeps serving its memory to the destination, one page
at a time, as the resumed code touches it. Control can come back to the
origin, and the two processes keep exchanging pages until one of them exits.

Applications link the session package and call Depart at their migration
point. The hdsm command runs on every node: 'hdsm listen' waits for a
departing process and starts the executable built for the local architecture
in its place.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:          "hdsm",
		Short:        "hdsm is a heterogeneous DSM and live migration engine.",
		Long:         hdsmCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.SetGlobalNormalizationFunc(normalizeFlag)
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default $XDG_CONFIG_HOME/hdsm/config.yml).")
	rootCommand.PersistentFlags().StringVar(&selfName, "node", "", "Name of the local node, overrides 'self' in the configuration.")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'hdsm help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'hdsm help log').")

	// 'listen' subcommand.
	listenCommand := &cobra.Command{
		Use:   "listen",
		Short: "Wait for a departing process and start its counterpart.",
		Long: `Wait for a departing process and start its counterpart.

The command listens on the address of the local node. When a process departs
towards this node, the executable path it sends is rewritten through the
substitute-path rules of the configuration and the result is executed in
place of hdsm, inheriting the connection. Extra arguments are taken from
exec-args.`,
		Args: cobra.NoArgs,
		RunE: listenCmd,
	}
	rootCommand.AddCommand(listenCommand)

	// 'maps' subcommand.
	mapsCommand := &cobra.Command{
		Use:   "maps [pid]",
		Short: "Print the memory regions of a process.",
		Long: `Print the memory regions of a process as the region catalog sees them.

Without arguments the regions of the hdsm process itself are printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: mapsCmd,
	}
	rootCommand.AddCommand(mapsCommand)

	// 'regs' subcommand.
	regsCommand := &cobra.Command{
		Use:   "regs <tid>",
		Short: "Print the registers and next instruction of a thread.",
		Long: `Stop a thread, print the register snapshot that would be sent to a
peer and disassemble the instruction at its program counter, then let the
thread continue.`,
		Args: cobra.ExactArgs(1),
		RunE: regsCmd,
	}
	rootCommand.AddCommand(regsCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration.",
		Args:  cobra.NoArgs,
		RunE:  configCmd,
	}
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hdsm\n%s\n%s\n", version.HDSMVersion, version.Protocol())
			if verbose {
				fmt.Fprint(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build information")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	session		Log session setup, bootstrap and teardown
	wire		Log every frame sent and received
	fault		Log fault resolution
	catalog		Log region catalog changes
	migrate		Log departures and arrivals, with the resume point

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// normalizeFlag accepts the spelling of the configuration file keys,
// log_output for log-output.
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// loadConfig sets up logging and reads the configuration. The returned
// function must be called before exiting.
func loadConfig() (*config.Config, func(), error) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return nil, func() {}, err
	}
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, logflags.Close, err
	}
	if selfName != "" {
		conf.Self = selfName
		if err := conf.Validate(); err != nil {
			return nil, logflags.Close, err
		}
	}
	return conf, logflags.Close, nil
}

func listenCmd(cmd *cobra.Command, args []string) error {
	conf, done, err := loadConfig()
	defer done()
	if err != nil {
		return err
	}
	if conf.Self == "" {
		return errNoSelf
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	conn, path, err := session.Accept(ctx, conf)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := session.Exec(conf, conn, path); err != nil {
		return err
	}
	return nil
}

func mapsCmd(cmd *cobra.Command, args []string) error {
	conf, done, err := loadConfig()
	defer done()
	if err != nil {
		return err
	}
	var pid int
	if len(args) > 0 {
		pid, err = strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q: %w", args[0], err)
		}
	}
	cat, err := region.New(region.Config{
		Self:      conf.NodeID(conf.Self),
		PageSize:  uint64(os.Getpagesize()),
		CacheSize: conf.LookupCacheSize,
	})
	if err != nil {
		return err
	}
	if err := cat.Build(sys.ProcMaps{Pid: pid}); err != nil {
		return err
	}
	printRegions(cmd.OutOrStdout(), cat.Regions())
	return nil
}

func printRegions(w io.Writer, regions []region.Region) {
	var total uint64
	for i := range regions {
		r := &regions[i]
		kind := "file"
		if r.Anonymous() {
			kind = "anon"
		}
		fmt.Fprintf(w, "%#016x-%#016x %v %s %8dK %s\n", r.Start, r.End, r.Perm, kind, r.Len()/1024, r.Path)
		total += r.Len()
	}
	fmt.Fprintf(w, "%d regions, %dK\n", len(regions), total/1024)
}

func regsCmd(cmd *cobra.Command, args []string) error {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return err
	}
	defer logflags.Close()
	tid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid thread id %q: %w", args[0], err)
	}
	t, err := arch.Attach(tid)
	if err != nil {
		return err
	}
	snap, err := t.Capture()
	if err != nil {
		t.Detach()
		return err
	}
	code := make([]byte, arch.MaxInstructionLen)
	peekErr := t.PeekText(snap.PC(), code)
	if err := t.Detach(); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "thread %d (%v)\n", tid, snap.Arch)
	for _, r := range snap.Slice() {
		fmt.Fprintf(w, "%10s = %#016x\n", r.Name, r.Value)
	}
	if peekErr != nil {
		return fmt.Errorf("could not read code at %#x: %w", snap.PC(), peekErr)
	}
	text, _, err := arch.Disassemble(snap.Arch, code, snap.PC())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "=> %#x: %s\n", snap.PC(), text)
	return nil
}

func configCmd(cmd *cobra.Command, args []string) error {
	conf, done, err := loadConfig()
	defer done()
	if err != nil {
		return err
	}
	if _, err := conf.SelfNode(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
	}
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

var errNoSelf = errors.New("the local node is not set, use --node or 'self' in the configuration")
