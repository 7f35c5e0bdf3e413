// Package cli is the CLI wrapper around the build engine: it parses
// subcommands and flags into a canonical Invocation, tokenizes the
// user's root command line into argv, and wires the engine's packages
// together for one of three subcommands (run, trace, plan). It carries
// no engine logic of its own — every decision about what reruns and
// why is made by internal/build and internal/plan.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

const (
	ExitSuccess           = 0
	ExitBuildFailed       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Subcommand names the three operations the wrapper exposes.
type Subcommand string

const (
	SubcommandRun   Subcommand = "run"
	SubcommandTrace Subcommand = "trace"
	SubcommandPlan  Subcommand = "plan"
)

// Invocation is the fully canonicalized, deterministic description of
// one CLI call. All paths are made absolute against WorkDir so no
// engine package ever consults the process's own working directory.
type Invocation struct {
	Subcommand Subcommand

	// RootArgv is the root command's tokenized argument vector, ready
	// to hand to DefaultTrace synthesis. Only meaningful for
	// Subcommand == SubcommandRun; the trace/plan subcommands act on
	// an existing trace log and never launch anything.
	RootArgv []string

	WorkDir   string
	StateDir  string // holds the trace log and fingerprint store blobs
	TracePath string

	ForceFull   bool
	DryRun      bool
	ShowOnRun   bool
	EnableCache bool
	PrintPlan   bool
}

// InvocationError is a user-facing parse or validation failure; its
// ExitCode is returned to the shell verbatim.
type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses argv (excluding the program name) into a
// canonical Invocation. The first token selects the subcommand; the
// remaining tokens are subcommand flags. WorkDir must be given
// explicitly and absolute rather than defaulting to the process's own
// cwd, so a build's output never depends on where it was launched
// from.
func ParseInvocation(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{}, invalidInvocationf("usage: warp <run|trace|plan> [flags] [command]")
	}

	sub := Subcommand(args[0])
	switch sub {
	case SubcommandRun, SubcommandTrace, SubcommandPlan:
	default:
		return Invocation{}, invalidInvocationf("unknown subcommand %q (expected run|trace|plan)", args[0])
	}

	fs := flag.NewFlagSet(string(sub), flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parse errors are returned, not printed

	var workDir, stateDir, tracePath string
	var forceFull, dryRun, showOnRun, noCache, printPlan bool

	fs.StringVar(&workDir, "workdir", "", "Absolute working directory. Required.")
	fs.StringVar(&stateDir, "state-dir", ".warp", "State directory (trace log + fingerprint store), relative to workdir unless absolute.")
	fs.StringVar(&tracePath, "trace", "", "Trace log path (defaults to <state-dir>/trace.log).")
	fs.BoolVar(&forceFull, "force", false, "Force a full rebuild: treat every command as never-run.")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute the rebuild plan but never launch anything.")
	fs.BoolVar(&showOnRun, "show-on-run", true, "Print each rerun command's argv as it launches.")
	fs.BoolVar(&noCache, "no-cache", false, "Disable the fingerprint store; every commit refingerprints from scratch.")
	fs.BoolVar(&printPlan, "print-plan", false, "Print the rebuild plan (command, reason, cause) before executing.")

	if err := fs.Parse(args[1:]); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}

	workDir = filepath.Clean(workDir)
	if workDir == "" || !filepath.IsAbs(workDir) {
		return Invocation{}, invalidInvocationf("--workdir is required and must be absolute (got %q)", workDir)
	}

	resolvedState, err := resolveUnderWorkDir(workDir, stateDir)
	if err != nil {
		return Invocation{}, err
	}
	resolvedTrace := filepath.Join(resolvedState, "trace.log")
	if strings.TrimSpace(tracePath) != "" {
		resolvedTrace, err = resolveUnderWorkDir(workDir, tracePath)
		if err != nil {
			return Invocation{}, err
		}
	}

	inv := Invocation{
		Subcommand:  sub,
		WorkDir:     workDir,
		StateDir:    resolvedState,
		TracePath:   resolvedTrace,
		ForceFull:   forceFull,
		DryRun:      dryRun || sub == SubcommandPlan,
		ShowOnRun:   showOnRun,
		EnableCache: !noCache,
		PrintPlan:   printPlan || sub == SubcommandPlan,
	}

	if sub == SubcommandRun {
		rest := strings.TrimSpace(strings.Join(fs.Args(), " "))
		if rest == "" {
			return Invocation{}, invalidInvocationf("warp run requires a root command line, e.g. warp run --workdir=%s \"make -j4\"", workDir)
		}
		// A single argument is a whole command line ("make -j4") and is
		// tokenized with shlex; several arguments were already tokenized
		// by the caller's shell and are kept verbatim.
		argv := append([]string(nil), fs.Args()...)
		if len(argv) == 1 {
			var err error
			argv, err = shlex.Split(rest)
			if err != nil {
				return Invocation{}, invalidInvocationf("tokenizing root command: %v", err)
			}
		}
		if len(argv) == 0 {
			return Invocation{}, invalidInvocationf("root command tokenized to zero arguments")
		}
		inv.RootArgv = argv
	}

	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts a semantic exit code from an error returned by
// ParseInvocation or Execute.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	return ExitInternalError
}
