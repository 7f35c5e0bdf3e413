package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"warp/internal/build"
	"warp/internal/builderrors"
	"warp/internal/env"
	"warp/internal/fingerprint"
	"warp/internal/interceptor"
	"warp/internal/ir"
	"warp/internal/plan"
	"warp/internal/tracelog"
)

// Result is what Execute reports back to the entrypoint: the exit code
// to use and, if a rebuild plan was computed, the plan itself so a
// caller (or a test) can inspect it without reparsing log output.
type Result struct {
	ExitCode int
	Plan     *plan.Plan
}

// Execute wires one Invocation's worth of engine components together
// and runs it. It is the seam an entrypoint calls after
// ParseInvocation succeeds; Run below composes the two along with
// output and panic handling.
func Execute(ctx context.Context, inv Invocation, out, errOut io.Writer) (Result, error) {
	if inv.Subcommand == SubcommandTrace {
		return executeTrace(inv, out)
	}

	if err := os.MkdirAll(inv.StateDir, 0755); err != nil {
		return Result{ExitCode: ExitConfigError}, fmt.Errorf("cli: creating state dir: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "warp-tmp-")
	if err != nil {
		return Result{ExitCode: ExitConfigError}, fmt.Errorf("cli: creating temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)
	if v := os.Getenv("WARP_TMPDIR"); v != "" {
		tempDir = v
	}

	logger := log.New(errOut, "", 0)

	environment := env.New(tempDir)
	planner := plan.New()

	var store *fingerprint.Store
	if inv.EnableCache {
		store, err = fingerprint.New(filepath.Join(inv.StateDir, "objects"), 0)
		if err != nil {
			return Result{ExitCode: ExitConfigError}, fmt.Errorf("cli: opening fingerprint store: %w", err)
		}
	}

	// WARP_INTERCEPTOR_PATH names the real syscall-level interceptor
	// helper on a system that has one; this build's process-launcher
	// stand-in has no separate helper binary to exec, so the variable
	// is accepted (for forward compatibility with a real interceptor)
	// but otherwise unused here.
	_ = os.Getenv("WARP_INTERCEPTOR_PATH")
	var tracer interceptor.Tracer = interceptor.NewProcessTracer(tempDir)

	sink := tracelog.NewFileSink(inv.TracePath)
	tracePath := inv.TracePath
	if inv.ForceFull {
		tracePath = filepath.Join(inv.StateDir, "does-not-exist")
	}
	source := &tracelog.FileSource{Path: tracePath, UserArgs: inv.RootArgv}

	runner := build.New(environment, planner, tracer, sink, store, "/", logger)
	runner.ShowOnRun = inv.ShowOnRun

	if inv.PrintPlan || inv.DryRun {
		p, err := runner.Plan(source)
		if err != nil {
			return Result{ExitCode: ExitInternalError}, err
		}
		if inv.PrintPlan {
			printPlan(out, p)
		}
		if inv.DryRun {
			return Result{ExitCode: ExitSuccess, Plan: p}, nil
		}
		// Re-wire a fresh runner over a fresh environment, planner and
		// trace source: Run repeats the emulation pass itself, and the
		// source's commands already hold the steps Plan appended to
		// them, so Run needs its own pristine command table to rebuild
		// the trace from scratch.
		environment = env.New(tempDir)
		planner = plan.New()
		source = &tracelog.FileSource{Path: tracePath, UserArgs: inv.RootArgv}
		runner = build.New(environment, planner, tracer, sink, store, "/", logger)
		runner.ShowOnRun = inv.ShowOnRun
	}

	if err := runner.Run(ctx, source); err != nil {
		var bf *builderrors.BuildFailed
		if errors.As(err, &bf) {
			fmt.Fprintln(errOut, bf.Error())
			return Result{ExitCode: ExitBuildFailed}, err
		}
		var iv *builderrors.InvariantViolation
		if errors.As(err, &iv) {
			fmt.Fprintln(errOut, iv.Error())
			return Result{ExitCode: ExitInternalError}, err
		}
		return Result{ExitCode: ExitInternalError}, err
	}

	return Result{ExitCode: ExitSuccess}, nil
}

// executeTrace dumps an existing trace log's records without touching
// the filesystem model at all: one line per record, in order, naming
// its kind and issuing command.
func executeTrace(inv Invocation, out io.Writer) (Result, error) {
	n := 0
	if _, statErr := os.Stat(inv.TracePath); statErr == nil {
		source := &tracelog.FileSource{Path: inv.TracePath}
		err := source.Replay(func(rec ir.Record) error {
			n++
			fmt.Fprintf(out, "%4d  %-14s cmd=%s\n", n, rec.Kind, rec.Command)
			return nil
		})
		if err != nil {
			return Result{ExitCode: ExitInternalError}, err
		}
	}
	if n == 0 {
		fmt.Fprintln(out, "trace log is empty or absent; a run would start from a synthesized default trace")
	}
	return Result{ExitCode: ExitSuccess}, nil
}

func printPlan(out io.Writer, p *plan.Plan) {
	marks := p.Sorted()
	if len(marks) == 0 {
		fmt.Fprintln(out, "rebuild plan: nothing to run")
		return
	}
	fmt.Fprintf(out, "rebuild plan: %d command(s) marked\n", len(marks))
	for _, m := range marks {
		if m.HasPrev {
			fmt.Fprintf(out, "  %s: %s (caused by %s)\n", m.Command, m.Reason, m.Previous)
		} else {
			fmt.Fprintf(out, "  %s: %s\n", m.Command, m.Reason)
		}
	}
}
