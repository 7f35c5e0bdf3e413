// Package env implements the Environment entity: the in-memory
// filesystem model used during emulation. It maps paths and
// (device, inode) pairs to artifacts, creates artifacts on demand from
// the real filesystem, and is the single source of path resolution
// for the build runner.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"warp/internal/artifact"
	"warp/internal/builderrors"
	"warp/internal/ids"
	"warp/internal/version"
)

// devIno is the (device, inode) pair used to enforce at most one
// artifact identity per (device, inode) observed from disk.
// golang.org/x/sys/unix.Stat_t exposes both fields portably where
// os.FileInfo does not.
type devIno struct {
	Dev, Ino uint64
}

// Environment is the in-memory filesystem model for one build.
type Environment struct {
	root    *artifact.DirArtifact
	byInode map[devIno]ids.ArtifactID
	byID    map[ids.ArtifactID]artifact.Artifact
	tempDir string
	tempSeq uint64
}

// New creates an Environment rooted at tempDir for anonymous temp
// path allocation. The filesystem root ("/") is stat'd lazily on
// first use.
func New(tempDir string) *Environment {
	return &Environment{
		byInode: map[devIno]ids.ArtifactID{},
		byID:    map[ids.ArtifactID]artifact.Artifact{},
		tempDir: tempDir,
	}
}

// GetRootDir lazily stats "/" and creates the root DirArtifact,
// memoized for the life of the Environment.
func (e *Environment) GetRootDir() (*artifact.DirArtifact, error) {
	if e.root != nil {
		return e.root, nil
	}
	a, err := e.GetFilesystemArtifact("/")
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	d, ok := a.(*artifact.DirArtifact)
	if !ok {
		return nil, fmt.Errorf("root is not a directory artifact")
	}
	e.root = d
	return d, nil
}

// GetFilesystemArtifact looks up the (device, inode) map; on miss it
// constructs the appropriate artifact variant from the stat mode and
// (for symlinks) a readlink, with the initial metadata, content and
// symlink-target versions marked committed since they were observed on
// the real filesystem, not produced by a command in this build. A
// directory's ExistingDir version cannot commit and stays uncommitted.
func (e *Environment) GetFilesystemArtifact(path string) (artifact.Artifact, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, err
	}
	key := devIno{Dev: uint64(st.Dev), Ino: st.Ino}
	if id, ok := e.byInode[key]; ok {
		return e.byID[id], nil
	}

	mode := os.FileMode(st.Mode &^ unix.S_IFMT)
	md := version.NewMetadata(st.Uid, st.Gid, mode)
	version.MarkCommitted(md)

	var a artifact.Artifact
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		id := ids.NewArtifactID()
		d := artifact.NewDirFromDisk(id, md, path)
		a = d
	case unix.S_IFLNK:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, err
		}
		sv := version.NewSymlinkScanned(target)
		version.MarkCommitted(sv)
		a = artifact.NewSymlink(ids.NewArtifactID(), md, sv)
	case unix.S_IFIFO:
		a = artifact.NewPipe(ids.NewArtifactID(), "")
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFSOCK:
		a = artifact.NewSpecial(ids.NewArtifactID(), md, true)
	default:
		cv := version.NewContentScanned()
		if err := cv.Fingerprint(path); err != nil {
			return nil, err
		}
		version.MarkCommitted(cv)
		f := artifact.NewFile(ids.NewArtifactID(), md, cv)
		a = f
	}

	a.CommitLink(path)
	e.byInode[key] = a.ID()
	e.byID[a.ID()] = a
	return a, nil
}

// ArtifactByID satisfies artifact.ResolveEnv.
func (e *Environment) ArtifactByID(id ids.ArtifactID) (artifact.Artifact, error) {
	a, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("no artifact with id %s", id)
	}
	return a, nil
}

// MaterializeChild satisfies artifact.ResolveEnv: it stats
// parentPath/name and registers the result the same way
// GetFilesystemArtifact does.
func (e *Environment) MaterializeChild(parentPath, name string) (artifact.Artifact, error) {
	return e.GetFilesystemArtifact(filepath.Join(parentPath, name))
}

// EntryExists satisfies version.DirEnvQuerier.
func (e *Environment) EntryExists(dirPath, name string) (bool, error) {
	_, err := e.MaterializeChild(dirPath, name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetPipe mints an anonymous pipe artifact owned by the Environment.
// Anonymous artifacts have no initial committed path.
func (e *Environment) GetPipe(creator ids.CommandID) *artifact.PipeArtifact {
	p := artifact.NewPipe(ids.NewArtifactID(), creator)
	e.byID[p.ID()] = p
	return p
}

// GetSymlink mints an anonymous symlink artifact.
func (e *Environment) GetSymlink(creator ids.CommandID, target string) *artifact.SymlinkArtifact {
	md := version.NewMetadataFrom(creator, 0, 0, os.ModeSymlink|0777)
	sv := version.NewSymlinkFrom(creator, target)
	s := artifact.NewSymlink(ids.NewArtifactID(), md, sv)
	e.byID[s.ID()] = s
	return s
}

// GetDir mints an anonymous, freshly created directory artifact
// (mkdir), whose CreatedDir version seeds "." and "..".
func (e *Environment) GetDir(creator ids.CommandID) *artifact.DirArtifact {
	md := version.NewMetadataFrom(creator, 0, 0, os.ModeDir|0755)
	d := artifact.NewCreatedDirArtifact(ids.NewArtifactID(), md, "", creator)
	e.byID[d.ID()] = d
	return d
}

// CreateFile mints an anonymous new file artifact with empty content,
// satisfying artifact.ResolveEnv for the O_CREAT resolution path.
func (e *Environment) CreateFile(creator ids.CommandID) (*artifact.FileArtifact, error) {
	md := version.NewMetadataFrom(creator, 0, 0, 0644)
	cv := version.NewContentFrom(creator)
	f := artifact.NewFile(ids.NewArtifactID(), md, cv)
	e.byID[f.ID()] = f
	return f, nil
}

// GetTempPath allocates a unique path under the per-build temp
// directory.
func (e *Environment) GetTempPath() string {
	n := atomic.AddUint64(&e.tempSeq, 1)
	return filepath.Join(e.tempDir, fmt.Sprintf("tmp-%d", n))
}

// CommitFinalState walks every artifact registered with this
// Environment and applies its final state. It stops at the first
// UncommittableVersion, wrapping it as a fatal BuildFailed since that
// case needs user intervention rather than a silent skip.
func (e *Environment) CommitFinalState(ctx version.CommitContext) error {
	for id, a := range e.byID {
		for _, p := range a.CommittedPaths() {
			if err := a.ApplyFinalState(p, ctx); err != nil {
				if uce, ok := err.(*artifact.UncommittableError); ok {
					return &builderrors.BuildFailed{Reason: &builderrors.UncommittableVersion{
						Artifact: id,
						Path:     uce.Path,
						Kind:     string(a.Kind()),
					}}
				}
				return &builderrors.BuildFailed{Reason: err}
			}
		}
	}
	return nil
}

// CheckFinalState walks every artifact and returns the set of final
// mismatches found, so the caller (the build runner) can report them
// to the rebuild planner.
func (e *Environment) CheckFinalState() ([]*artifact.FinalMismatch, error) {
	var mismatches []*artifact.FinalMismatch
	for _, a := range e.byID {
		for _, p := range a.CommittedPaths() {
			m, err := a.CheckFinalState(p)
			if err != nil {
				return nil, err
			}
			if m != nil {
				mismatches = append(mismatches, m)
			}
		}
	}
	return mismatches, nil
}
