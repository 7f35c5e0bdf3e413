// Package builderrors defines the typed failure classes used across the
// build engine. Every fatal or reportable condition described by the
// engine's error handling design is a concrete exported type here,
// carrying enough context to be logged or surfaced to a user without a
// second lookup. Internal invariant violations are raised with panic,
// since they signal a bug in the tracer rather than a condition the
// engine can recover from; the top-level recover turns such a panic
// into an InvariantViolation.
package builderrors

import (
	"fmt"

	"warp/internal/ids"
)

// TraceCorrupt indicates the on-disk trace log could not be
// deserialized. Callers recover by falling back to the default trace,
// so this type is informational: it is returned up to the point where
// the fallback decision is made and then discarded.
type TraceCorrupt struct {
	Path string
	Err  error
}

func (e *TraceCorrupt) Error() string {
	return fmt.Sprintf("trace log %q is corrupt: %v", e.Path, e.Err)
}

func (e *TraceCorrupt) Unwrap() error { return e.Err }

// UncommittableVersion indicates a version has no way to reproduce its
// state on disk. Raised when apply_final_state attempts to commit a
// version whose can_commit() is false.
type UncommittableVersion struct {
	Artifact ids.ArtifactID
	Path     string
	Kind     string
}

func (e *UncommittableVersion) Error() string {
	return fmt.Sprintf("cannot commit %s version for artifact %s at %q: no saved copy or fingerprint available", e.Kind, e.Artifact, e.Path)
}

// InterceptorFailure indicates the external syscall interceptor (or
// its process-launcher stand-in) failed to launch or attach to a
// command. Fatal: the build cannot continue once this occurs, since
// the engine has no way to know what the command did.
type InterceptorFailure struct {
	Command ids.CommandID
	Argv    []string
	Err     error
}

func (e *InterceptorFailure) Error() string {
	return fmt.Sprintf("interceptor failed for command %s (%v): %v", e.Command, e.Argv, e.Err)
}

func (e *InterceptorFailure) Unwrap() error { return e.Err }

// ResolutionMismatch is not an error in the exception sense: it is a
// planner input describing that a reference did not resolve the way
// the trace expected it to. It implements error so it can travel
// through the same reporting paths, but the build runner treats it as
// data to hand the rebuild planner, never as a reason to abort.
type ResolutionMismatch struct {
	Command  ids.CommandID
	Ref      ids.RefID
	Expected int
	Observed int
}

func (e *ResolutionMismatch) Error() string {
	return fmt.Sprintf("command %s: reference %s resolved to %d, expected %d", e.Command, e.Ref, e.Observed, e.Expected)
}

// BuildFailed wraps a fatal condition (an UncommittableVersion at
// final-state apply, or an InterceptorFailure) that terminates the
// build and requires the user to intervene.
type BuildFailed struct {
	Reason error
}

func (e *BuildFailed) Error() string {
	return fmt.Sprintf("build failed: %v", e.Reason)
}

func (e *BuildFailed) Unwrap() error { return e.Reason }

// InvariantViolation wraps a recovered panic from one of the engine's
// internal assertions (an exhausted directory-version walk, a mark()
// call missing its required previous command, and similar
// programmer-error conditions that must abort rather than degrade).
// The recover handlers in build.Runner.Plan, build.Runner.Run and
// cli.Run turn a panic into one of these so a caller sees a typed
// error instead of a bare panic.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation: %s", e.Msg)
}
