package tracelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warp/internal/ids"
	"warp/internal/ir"
)

func TestFileSink_FlushThenFileSource_RoundTripsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.log")

	sink := NewFileSink(path)
	cmd := ids.NewCommandID()
	require.NoError(t, sink.Append(ir.Record{Kind: ir.KindSpecialRef, Command: cmd, Entity: ir.EntityStdin, Out: ids.NewRefID()}))
	require.NoError(t, sink.Append(ir.Record{Kind: ir.KindExit, Command: cmd}))
	require.NoError(t, sink.Flush())

	src := &FileSource{Path: path}
	cmds, err := src.Commands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, cmd, cmds[0].ID)

	var replayed []ir.Record
	err = src.Replay(func(r ir.Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, replayed, 2)
	assert.Equal(t, ir.KindSpecialRef, replayed[0].Kind)
	assert.Equal(t, ir.KindExit, replayed[1].Kind)
}

func TestFileSource_Replay_FallsBackToDefaultTraceWhenFileMissing(t *testing.T) {
	src := &FileSource{Path: filepath.Join(t.TempDir(), "does-not-exist.log"), UserArgs: []string{"make", "-j4"}}

	cmds, err := src.Commands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, ids.RootCommandID, cmds[0].ID)

	var replayed []ir.Record
	err = src.Replay(func(r ir.Record) error {
		replayed = append(replayed, r)
		return nil
	})
	require.NoError(t, err)

	// Six special refs plus one Launch record, per the default trace shape.
	assert.Len(t, replayed, 7)
	assert.Equal(t, ir.KindLaunch, replayed[len(replayed)-1].Kind)
}

func TestFileSource_Replay_FallsBackToDefaultTraceWhenFileIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.log")
	require.NoError(t, os.WriteFile(path, []byte("not a valid gob stream"), 0644))

	src := &FileSource{Path: path}
	cmds, err := src.Commands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, ids.RootCommandID, cmds[0].ID)

	require.NoError(t, src.Replay(func(ir.Record) error { return nil }))
}

func TestFileSource_Replay_PropagatesHandlerError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.log")
	sink := NewFileSink(path)
	require.NoError(t, sink.Append(ir.Record{Kind: ir.KindExit, Command: ids.NewCommandID()}))
	require.NoError(t, sink.Flush())

	src := &FileSource{Path: path}
	err := src.Replay(func(ir.Record) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFileSink_Append_RejectsInvalidRecord(t *testing.T) {
	sink := NewFileSink(filepath.Join(t.TempDir(), "trace.log"))
	err := sink.Append(ir.Record{})
	assert.Error(t, err)
}

func TestFileSink_Flush_IsAtomicViaRenameOverExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.log")
	require.NoError(t, os.WriteFile(path, []byte("stale contents"), 0644))

	sink := NewFileSink(path)
	require.NoError(t, sink.Append(ir.Record{Kind: ir.KindExit, Command: ids.NewCommandID()}))
	require.NoError(t, sink.Flush())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no leftover temp file after a successful flush")
}
