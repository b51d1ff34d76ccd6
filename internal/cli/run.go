package cli

import (
	"context"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"pipeweaver/internal/config"
	"pipeweaver/internal/engine"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int

	// Make is the result of a make command, when one ran.
	Make *engine.Result
}

// Run is a high-level CLI entrypoint suitable for black-box tests.
// It accepts the argument slice (excluding argv[0]) and returns the semantic
// exit code plus any error.
func Run(ctx context.Context, args []string) (CLIResult, error) {
	return RunWithIO(ctx, args, os.Stdout, os.Stderr)
}

// RunWithIO is Run with explicit output streams.
func RunWithIO(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	return CLIResult{ExitCode: ExitCode(err), Make: a.made}, err
}

// app holds the state of one invocation.
type app struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer

	made *engine.Result
}

func (a *app) printer() *printer {
	return newPrinter(a.stdout, a.opts.noColor)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipeweaver",
		Short: "Incremental, reproducible builds for data pipelines",
		Long: `pipeweaver builds a plan of named targets. Each target is a Go expression
whose dependencies on other targets, globals and files are detected statically.
Only targets whose inputs changed since their last build are run again; every
value is kept in a content-addressed store and every build is logged.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unknown command %q", args[0])
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	defaults := config.Default()
	pf := root.PersistentFlags()
	pf.StringVar(&a.opts.workDir, "workdir", "", "working directory tracked files resolve against (default: current directory)")
	pf.StringVar(&a.opts.configPath, "config", config.DefaultFile, "path to config file")
	pf.StringVarP(&a.opts.planPath, "plan", "p", defaults.Plan, "path to plan file")
	pf.StringVar(&a.opts.storeDir, "store-dir", defaults.StoreDir, "store directory")
	pf.IntVarP(&a.opts.jobs, "jobs", "j", runtime.NumCPU(), "targets built concurrently")
	pf.StringVar(&a.opts.logLevel, "log-level", defaults.LogLevel, "log level")
	pf.StringVar(&a.opts.logFormat, "log-format", defaults.LogFormat, "log format: text or json")
	pf.BoolVar(&a.opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.makeCommand(),
		a.outdatedCommand(),
		a.depsCommand(),
		a.diagnoseCommand(),
		a.historyCommand(),
		a.showCommand(),
		a.gcCommand(),
		a.runsCommand(),
		a.versionCommand(),
	)
	return root
}

// exactArgs is cobra.ExactArgs reporting an invalid invocation.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("%s: expected %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

// maxArgs is cobra.MaximumNArgs reporting an invalid invocation.
func maxArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) > n {
			return invalidInvocationf("%s: expected at most %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  exactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			p := a.printer()
			p.println("pipeweaver %s", version)
			p.println("  commit:  %s", commit)
			p.println("  go:      %s", runtime.Version())
		},
	}
}
