package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warp/internal/ids"
	"warp/internal/ir"
)

func TestNew_HasNoPriorTrace(t *testing.T) {
	c := New(ids.NewCommandID(), []string{"gcc", "-c", "hello.c"})
	assert.True(t, c.NeverRun())
}

func TestNewFromTrace_HasPriorTrace(t *testing.T) {
	c := NewFromTrace(ids.NewCommandID(), nil)
	assert.False(t, c.NeverRun())
}

func TestMarkHasPriorTrace_FlipsNeverRun(t *testing.T) {
	c := New(ids.NewCommandID(), nil)
	require.True(t, c.NeverRun())
	c.MarkHasPriorTrace()
	assert.False(t, c.NeverRun())
}

func TestAppendStep_RejectsStepFromAnotherCommand(t *testing.T) {
	c := New(ids.NewCommandID(), nil)
	rec := ir.Record{Kind: ir.KindExit, Command: ids.NewCommandID()}
	err := c.AppendStep(rec)
	assert.Error(t, err)
}

func TestAppendStep_RejectsInvalidRecord(t *testing.T) {
	c := New(ids.NewCommandID(), nil)
	rec := ir.Record{Kind: ir.KindLaunch, Command: c.ID} // missing Child
	err := c.AppendStep(rec)
	assert.Error(t, err)
}

func TestAppendStep_AcceptsValidRecordForThisCommand(t *testing.T) {
	c := New(ids.NewCommandID(), nil)
	rec := ir.Record{Kind: ir.KindExit, Command: c.ID}
	require.NoError(t, c.AppendStep(rec))
	assert.Len(t, c.Steps, 1)
}

func TestLaunch_AppendsChildInOrder(t *testing.T) {
	c := New(ids.NewCommandID(), nil)
	child1, child2 := ids.NewCommandID(), ids.NewCommandID()
	c.Launch(child1)
	c.Launch(child2)
	assert.Equal(t, []ids.CommandID{child1, child2}, c.Children)
}

func TestReset_ClearsStepsChildrenReferencesAndExit(t *testing.T) {
	c := New(ids.NewCommandID(), nil)
	c.Launch(ids.NewCommandID())
	require.NoError(t, c.AppendStep(ir.Record{Kind: ir.KindExit, Command: c.ID}))
	c.AddReference(&Reference{ID: "r1", Kind: RefSpecial})
	c.ExitStatus = 1
	c.Exited = true

	c.Reset()

	assert.Empty(t, c.Steps)
	assert.Empty(t, c.Children)
	assert.False(t, c.Exited)
	assert.Zero(t, c.ExitStatus)
	_, ok := c.Reference("r1")
	assert.False(t, ok)
}

func TestAddReference_IsRetrievableByID(t *testing.T) {
	c := New(ids.NewCommandID(), nil)
	ref := &Reference{ID: "r1", Kind: RefPath, Artifact: "a1", Resolved: true}
	c.AddReference(ref)

	got, ok := c.Reference("r1")
	require.True(t, ok)
	assert.Equal(t, ref, got)
}
