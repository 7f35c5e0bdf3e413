package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warp/internal/ids"
)

type stubDirEnv struct {
	present map[string]bool
}

func (s stubDirEnv) EntryExists(_ string, name string) (bool, error) {
	return s.present[name], nil
}

func TestAddEntry_HasEntry_YesForItsOwnNameMaybeOtherwise(t *testing.T) {
	target := ids.NewArtifactID()
	a := NewAddEntry(ids.NewCommandID(), "foo", target)

	assert.Equal(t, LookupYes, a.HasEntry(nil, "/d", "foo"))
	assert.Equal(t, LookupMaybe, a.HasEntry(nil, "/d", "bar"))

	got, ok := a.GetEntry("foo")
	require.True(t, ok)
	assert.Equal(t, target, got)
}

func TestRemoveEntry_HasEntry_NoForItsOwnNameMaybeOtherwise(t *testing.T) {
	r := NewRemoveEntry(ids.NewCommandID(), "foo")

	assert.Equal(t, LookupNo, r.HasEntry(nil, "/d", "foo"))
	assert.Equal(t, LookupMaybe, r.HasEntry(nil, "/d", "bar"))
}

func TestExistingDir_HasEntry_CachesAnswerFromEnv(t *testing.T) {
	env := stubDirEnv{present: map[string]bool{"a": true}}
	e := NewExistingDir()

	assert.Equal(t, LookupYes, e.HasEntry(env, "/d", "a"))
	assert.Equal(t, LookupNo, e.HasEntry(env, "/d", "b"))

	// Second call must not re-consult env; mutate the map to prove the
	// cached answer is what's returned.
	env.present["b"] = true
	assert.Equal(t, LookupNo, e.HasEntry(env, "/d", "b"))
}

func TestCreatedDir_SeedsDotAndDotDot(t *testing.T) {
	c := NewCreatedDir(ids.NewCommandID())

	assert.Equal(t, LookupYes, c.HasEntry(nil, "/d", "."))
	assert.Equal(t, LookupYes, c.HasEntry(nil, "/d", ".."))
	assert.Equal(t, LookupNo, c.HasEntry(nil, "/d", "missing"))
}

func TestCreatedDir_Link_MakesEntryResolvable(t *testing.T) {
	c := NewCreatedDir(ids.NewCommandID())
	target := ids.NewArtifactID()
	c.Link("foo", target)

	got, ok := c.GetEntry("foo")
	require.True(t, ok)
	assert.Equal(t, target, got)
}

func TestListedDirFromDisk_ListsRealEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two"), nil, 0644))

	l, err := NewListedDirFromDisk(dir)
	require.NoError(t, err)

	assert.Equal(t, LookupYes, l.HasEntry(nil, dir, "one"))
	assert.Equal(t, LookupYes, l.HasEntry(nil, dir, "two"))
	assert.Equal(t, LookupNo, l.HasEntry(nil, dir, "three"))
}

func TestDirVersion_CanCommit_AlwaysFalse(t *testing.T) {
	var d DirVersion = NewAddEntry(ids.NewCommandID(), "foo", ids.NewArtifactID())
	assert.False(t, d.CanCommit())
}
