package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDigest(t *testing.T, content string) string {
	t.Helper()
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func TestNew_DefaultsCacheSizeWhenNonPositive(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestDigest_MatchesSHA256OfContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)

	digest, size, _, err := s.Digest(path)
	require.NoError(t, err)
	assert.Equal(t, mustDigest(t, "hello"), digest)
	assert.EqualValues(t, 5, size)
}

func TestDigest_CachesUnchangedStatSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)

	d1, _, _, err := s.Digest(path)
	require.NoError(t, err)
	d2, _, _, err := s.Digest(path)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
}

func TestSaveThenRestore_RoundTripsContent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)

	handle, err := s.Save(src)
	require.NoError(t, err)
	assert.Equal(t, mustDigest(t, "payload"), handle)

	dst := filepath.Join(dir, "sub", "restored.txt")
	require.NoError(t, s.Restore(handle, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestSave_IsIdempotentForSameDigest(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0644))

	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)

	h1, err := s.Save(a)
	require.NoError(t, err)
	h2, err := s.Save(b)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestRestore_ErrorsForUnknownHandle(t *testing.T) {
	s, err := New(t.TempDir(), 16)
	require.NoError(t, err)
	err = s.Restore("deadbeef", filepath.Join(t.TempDir(), "out"))
	assert.Error(t, err)
}

func TestBlobPath_ShardsByFirstTwoHexChars(t *testing.T) {
	s := &Store{root: "/store"}
	assert.Equal(t, filepath.Join("/store", "ab", "abcdef"), s.blobPath("abcdef"))
	assert.Equal(t, filepath.Join("/store", "x"), s.blobPath("x"))
}
