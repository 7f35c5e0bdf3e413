package artifact

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"warp/internal/ids"
	"warp/internal/ir"
	"warp/internal/version"
)

// fakeResolveEnv is a minimal ResolveEnv backed by an in-memory map,
// good enough to drive Resolve's walk without a real Environment.
type fakeResolveEnv struct {
	artifacts map[ids.ArtifactID]Artifact
}

func newFakeResolveEnv() *fakeResolveEnv {
	return &fakeResolveEnv{artifacts: map[ids.ArtifactID]Artifact{}}
}

func (e *fakeResolveEnv) ArtifactByID(id ids.ArtifactID) (Artifact, error) {
	a, ok := e.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("fakeResolveEnv: no artifact %s", id)
	}
	return a, nil
}

func (e *fakeResolveEnv) MaterializeChild(parentPath, name string) (Artifact, error) {
	return nil, fmt.Errorf("fakeResolveEnv: unexpected materialize(%s, %s)", parentPath, name)
}

func (e *fakeResolveEnv) CreateFile(cmd ids.CommandID) (*FileArtifact, error) {
	f := NewFile(ids.NewArtifactID(), version.NewMetadataFrom(cmd, 0, 0, 0644), version.NewContentFrom(cmd))
	e.artifacts[f.ID()] = f
	return f, nil
}

func (e *fakeResolveEnv) newDir(path string) *DirArtifact {
	d := NewCreatedDirArtifact(ids.NewArtifactID(), version.NewMetadata(0, 0, 0755), path, "")
	e.artifacts[d.ID()] = d
	return d
}

func (e *fakeResolveEnv) link(d *DirArtifact, name string, a Artifact) {
	e.artifacts[a.ID()] = a
	d.Link(name, a.ID())
}

func TestResolve_ENOTDIR_WhenBaseIsNotADirectory(t *testing.T) {
	env := newFakeResolveEnv()
	base := &FileArtifact{}

	res, err := Resolve(ids.NewCommandID(), base, "/f", "child", ir.AccessFlags{}, 40, env, nil)
	require.NoError(t, err)
	assert.Equal(t, int(unix.ENOTDIR), res.Errno)
}

func TestResolve_ENOENT_ForMissingEntryWithoutCreate(t *testing.T) {
	env := newFakeResolveEnv()
	root := env.newDir("/")

	res, err := Resolve(ids.NewCommandID(), root, "/", "missing", ir.AccessFlags{}, 40, env, nil)
	require.NoError(t, err)
	assert.Equal(t, int(unix.ENOENT), res.Errno)
}

func TestResolve_CreatesMissingFileWhenCreateFlagSet(t *testing.T) {
	env := newFakeResolveEnv()
	root := env.newDir("/")

	res, err := Resolve(ids.NewCommandID(), root, "/", "new.txt", ir.AccessFlags{Create: true}, 40, env, nil)
	require.NoError(t, err)
	require.Zero(t, res.Errno)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, KindFile, res.Artifact.Kind())

	// The new entry is now resolvable without a second create.
	got, err := root.GetEntry(ids.NewCommandID(), stubDirEnv{}, "new.txt", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, res.Artifact.ID(), got)
}

func TestResolve_EEXIST_WhenExclusiveCreateHitsExistingEntry(t *testing.T) {
	env := newFakeResolveEnv()
	root := env.newDir("/")
	existing, err := env.CreateFile(ids.NewCommandID())
	require.NoError(t, err)
	env.link(root, "already-there", existing)

	res, err := Resolve(ids.NewCommandID(), root, "/", "already-there", ir.AccessFlags{Create: true, Exclusive: true}, 40, env, nil)
	require.NoError(t, err)
	assert.Equal(t, int(unix.EEXIST), res.Errno)
}

func TestResolve_FollowsRelativeSymlinkWithinBudget(t *testing.T) {
	env := newFakeResolveEnv()
	root := env.newDir("/")
	target, err := env.CreateFile(ids.NewCommandID())
	require.NoError(t, err)
	env.link(root, "real", target)

	link := NewSymlink(ids.NewArtifactID(), version.NewMetadata(0, 0, 0), version.NewSymlinkFrom("", "real"))
	env.link(root, "link", link)

	res, err := Resolve(ids.NewCommandID(), root, "/", "link", ir.AccessFlags{Read: true}, 1, env, nil)
	require.NoError(t, err)
	require.Zero(t, res.Errno)
	assert.Equal(t, target.ID(), res.Artifact.ID())
}

func TestResolve_ELOOP_WhenBudgetExhaustedOnFirstSymlink(t *testing.T) {
	env := newFakeResolveEnv()
	root := env.newDir("/")
	target, err := env.CreateFile(ids.NewCommandID())
	require.NoError(t, err)
	env.link(root, "real", target)

	link := NewSymlink(ids.NewArtifactID(), version.NewMetadata(0, 0, 0), version.NewSymlinkFrom("", "real"))
	env.link(root, "link", link)

	res, err := Resolve(ids.NewCommandID(), root, "/", "link", ir.AccessFlags{Read: true}, 0, env, nil)
	require.NoError(t, err)
	assert.Equal(t, int(unix.ELOOP), res.Errno)
}

func TestResolve_NoFollowOnFinalSymlink_FailsELOOPEvenIfDangling(t *testing.T) {
	env := newFakeResolveEnv()
	root := env.newDir("/")

	dangling := NewSymlink(ids.NewArtifactID(), version.NewMetadata(0, 0, 0), version.NewSymlinkFrom("", "nonexistent/target"))
	env.link(root, "dangling", dangling)

	res, err := Resolve(ids.NewCommandID(), root, "/", "dangling", ir.AccessFlags{NoFollow: true, Create: true}, 40, env, nil)
	require.NoError(t, err)
	assert.Equal(t, int(unix.ELOOP), res.Errno)
}
