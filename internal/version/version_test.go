package version

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warp/internal/ids"
)

func TestContent_Matches_DigestTakesPriorityOverMTime(t *testing.T) {
	a := NewContentScanned()
	a.FP = &Fingerprint{Digest: "abc", Size: 1}
	b := NewContentScanned()
	b.FP = &Fingerprint{Digest: "abc", Size: 999}

	assert.True(t, a.Matches(b), "identical digests must match regardless of size/mtime")
}

func TestContent_Matches_FallsBackToSavedHandle(t *testing.T) {
	a := NewContentScanned()
	a.SavedHandle = "deadbeef"
	b := NewContentScanned()
	b.SavedHandle = "deadbeef"

	assert.True(t, a.Matches(b))
}

func TestContent_Matches_DifferentKindNeverMatches(t *testing.T) {
	a := NewContentScanned()
	a.FP = &Fingerprint{Digest: "abc"}
	m := NewMetadata(0, 0, 0644)

	assert.False(t, a.Matches(m))
}

func TestContent_CanCommit_RequiresHandleOrDigest(t *testing.T) {
	c := NewContentFrom(ids.NewCommandID())
	assert.False(t, c.CanCommit())

	c.SavedHandle = "handle"
	assert.True(t, c.CanCommit())
}

func TestContent_Fingerprint_ReadsFileFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	c := NewContentScanned()
	require.NoError(t, c.Fingerprint(path))
	assert.NotEmpty(t, c.FP.Digest)
	assert.Equal(t, int64(5), c.FP.Size)
}

func TestMetadata_Commit_ChmodsPathAndMarksCommitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	m := NewMetadataFrom(ids.NewCommandID(), 0, 0, 0600)
	require.NoError(t, m.Commit(path, CommitContext{}))
	assert.True(t, m.Committed())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestMarkCommitted_PanicsWhenCanCommitIsFalse(t *testing.T) {
	p := NewPipeFrom(ids.NewCommandID())
	assert.Panics(t, func() { MarkCommitted(p) })
}

func TestVersion_Creator_ReportsHasCreatorCorrectly(t *testing.T) {
	scanned := NewContentScanned()
	_, hasCreator := scanned.Creator()
	assert.False(t, hasCreator)

	cmd := ids.NewCommandID()
	produced := NewContentFrom(cmd)
	creator, hasCreator := produced.Creator()
	assert.True(t, hasCreator)
	assert.Equal(t, cmd, creator)
}

func TestContent_GobRoundTrip_PreservesCreatorAndDigest(t *testing.T) {
	cmd := ids.NewCommandID()
	c := NewContentFrom(cmd)
	c.FP = &Fingerprint{Digest: "abc123", Size: 42}
	MarkCommitted(c) // CanCommit is true once FP.Digest is set

	var buf bytes.Buffer
	var v Version = c
	require.NoError(t, gob.NewEncoder(&buf).Encode(&v))

	var decoded Version
	require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))

	got, ok := decoded.(*Content)
	require.True(t, ok)
	creator, hasCreator := got.Creator()
	assert.True(t, hasCreator)
	assert.Equal(t, cmd, creator)
	assert.Equal(t, "abc123", got.FP.Digest)
	assert.True(t, got.Committed())
}

func TestSpecial_AlwaysChanged_NeverMatchesEvenItself(t *testing.T) {
	a := NewSpecial(true)
	b := NewSpecial(true)
	assert.False(t, a.Matches(b))
}

func TestSpecial_NotAlwaysChanged_MatchesAnotherStableSpecial(t *testing.T) {
	a := NewSpecial(false)
	b := NewSpecial(false)
	assert.True(t, a.Matches(b))
}
