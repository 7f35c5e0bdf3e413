package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warp/internal/builderrors"
)

func TestRun_EndToEndSuccessfulBuildReturnsSuccessExitCode(t *testing.T) {
	workDir := t.TempDir()
	var out, errOut bytes.Buffer

	res, err := Run(context.Background(), []string{"run", "--workdir", workDir, "--", "/bin/true"}, &out, &errOut)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
}

func TestRun_InvalidInvocationNeverReachesExecute(t *testing.T) {
	var out, errOut bytes.Buffer

	res, err := Run(context.Background(), []string{"run", "--workdir", "not-absolute", "--", "/bin/true"}, &out, &errOut)
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, res.ExitCode)
	var ie *InvocationError
	assert.ErrorAs(t, err, &ie)
}

func TestRun_UnstartableBinaryIsReportedAsBuildFailed(t *testing.T) {
	workDir := t.TempDir()
	var out, errOut bytes.Buffer

	res, err := Run(context.Background(), []string{"run", "--workdir", workDir, "--", "/nonexistent-binary-xyz"}, &out, &errOut)
	require.Error(t, err)
	assert.Equal(t, ExitBuildFailed, res.ExitCode)
}

func TestExitCode_BuildFailedFallsBackToInternalError(t *testing.T) {
	// ExitCode only special-cases InvocationError; Execute assigns
	// ExitBuildFailed itself before Run ever calls ExitCode, so a bare
	// BuildFailed reaching ExitCode (e.g. from a caller that skips
	// Execute) gets the generic fallback.
	bf := &builderrors.BuildFailed{Reason: assert.AnError}
	assert.Equal(t, ExitInternalError, ExitCode(bf))
}
