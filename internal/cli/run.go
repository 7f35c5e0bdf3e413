package cli

import (
	"context"
	"fmt"
	"io"

	"warp/internal/builderrors"
)

// Run is the high-level entrypoint suitable for both cmd/warp/main.go
// and black-box tests: it parses argv, executes the resulting
// invocation, and recovers any panic that escaped Execute so a caller
// never sees one, converting it to an InvariantViolation the same way
// internal/build.Runner.Run does at the engine layer. Two recovery
// points (here and in the runner) give a belt-and-suspenders panic
// wrapper: a bug surfacing during emulation shouldn't take down the
// whole process either way.
func Run(ctx context.Context, args []string, out, errOut io.Writer) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &builderrors.InvariantViolation{Msg: fmt.Sprintf("%v", p)}
			result = Result{ExitCode: ExitInternalError}
		}
	}()

	inv, err := ParseInvocation(args)
	if err != nil {
		return Result{ExitCode: ExitCode(err)}, err
	}

	result, err = Execute(ctx, inv, out, errOut)
	if result.ExitCode == 0 && err != nil {
		result.ExitCode = ExitCode(err)
	}
	return result, err
}
