package artifact

import (
	"fmt"

	"warp/internal/ids"
	"warp/internal/version"
)

// DirArtifact stores a sequence (newest first) of directory-mutation
// versions plus the resolved-entry cache.
type DirArtifact struct {
	base

	// versions is newest-first, matching the directory-entry
	// resolution state machine's newest-to-oldest walk order.
	versions []version.DirVersion

	// resolved memoizes GetEntry results so a directory's contents
	// are only walked and (if necessary) materialized from disk once
	// per name.
	resolved map[string]ids.ArtifactID

	dirPath string // the path this directory was discovered/created at, for lazy ExistingDir lookups
}

// NewDirFromDisk creates a DirArtifact for a directory that already
// existed on disk, with an ExistingDir version as its sole initial
// mutation.
func NewDirFromDisk(id ids.ArtifactID, md *version.Metadata, dirPath string) *DirArtifact {
	d := &DirArtifact{
		base:     newBase(id, KindDir, md),
		versions: []version.DirVersion{version.NewExistingDir()},
		resolved: map[string]ids.ArtifactID{},
		dirPath:  dirPath,
	}
	return d
}

// NewCreatedDirArtifact creates a DirArtifact for a directory freshly
// created during this build (mkdir), whose CreatedDir version already
// seeds "." and "..".
func NewCreatedDirArtifact(id ids.ArtifactID, md *version.Metadata, dirPath string, creator ids.CommandID) *DirArtifact {
	cd := version.NewCreatedDir(creator)
	return &DirArtifact{
		base:     newBase(id, KindDir, md),
		versions: []version.DirVersion{cd},
		resolved: map[string]ids.ArtifactID{},
		dirPath:  dirPath,
	}
}

func (d *DirArtifact) Path() string { return d.dirPath }

// GetContent returns the newest directory-mutation version, treating
// the directory's version stack top as its "current content" for the
// purposes of the generic Artifact interface.
func (d *DirArtifact) GetContent(cmd ids.CommandID, obs Observer) version.Version {
	d.recordAccess(cmd)
	if len(d.versions) == 0 {
		return nil
	}
	top := d.versions[0]
	if obs != nil {
		obs.ObserveInput(cmd, d.id, top, false)
	}
	return top
}

func (d *DirArtifact) MatchContent(cmd ids.CommandID, expected version.Version, obs Observer) bool {
	top := d.GetContent(cmd, obs)
	ok := top != nil && top.Matches(expected)
	if !ok && obs != nil {
		obs.ObserveMismatch(cmd, d.id, top, expected)
	}
	return ok
}

// UpdateContent pushes a new directory-mutation version onto the
// stack. It must be a version.DirVersion.
func (d *DirArtifact) UpdateContent(cmd ids.CommandID, v version.Version, obs Observer) error {
	dv, ok := v.(version.DirVersion)
	if !ok {
		return fmt.Errorf("dir artifact %s: content update must be a directory version, got %s", d.id, v.TypeName())
	}
	d.recordAccess(cmd)
	d.versions = append([]version.DirVersion{dv}, d.versions...)
	if obs != nil {
		obs.ObserveOutput(cmd, d.id, v)
	}
	d.invalidate(dv)
	return nil
}

// ReplaceContent overwrites the newest directory-mutation version in
// place instead of pushing another one, for a write immediately
// following another write by the same command through the same
// reference: the two collapse into a single version, so a command
// depending on this directory's final state depends on that one write
// rather than the whole chain.
func (d *DirArtifact) ReplaceContent(cmd ids.CommandID, v version.Version, obs Observer) error {
	dv, ok := v.(version.DirVersion)
	if !ok {
		return fmt.Errorf("dir artifact %s: content update must be a directory version, got %s", d.id, v.TypeName())
	}
	d.recordAccess(cmd)
	if len(d.versions) == 0 {
		d.versions = []version.DirVersion{dv}
	} else {
		d.versions[0] = dv
	}
	if obs != nil {
		obs.ObserveOutput(cmd, d.id, v)
	}
	d.invalidate(dv)
	return nil
}

// invalidate drops any memoized GetEntry result the mutation dv could
// shadow.
func (d *DirArtifact) invalidate(dv version.DirVersion) {
	switch t := dv.(type) {
	case *version.AddEntry:
		delete(d.resolved, t.Name)
	case *version.RemoveEntry:
		delete(d.resolved, t.Name)
	}
}

// Link is a direct, non-observed convenience for seeding a freshly
// created directory's "." / ".." placeholders and mkdir/creat targets
// without going through the IR-driven UpdateContent path. It only
// takes effect when the newest version is a CreatedDir.
func (d *DirArtifact) Link(name string, target ids.ArtifactID) {
	if len(d.versions) > 0 {
		if cd, ok := d.versions[0].(*version.CreatedDir); ok {
			cd.Link(name, target)
			return
		}
	}
}

// HasEntry walks the version stack newest-to-oldest, returning on the
// first definite Yes/No, per the directory-entry resolution state
// machine. A traversal that exhausts every version while still Maybe
// is an invariant violation: the oldest version in a well-formed stack
// is always definite (ExistingDir, CreatedDir, or ListedDir never
// return Maybe).
func (d *DirArtifact) HasEntry(env version.DirEnvQuerier, name string) version.Lookup {
	for _, v := range d.versions {
		switch v.HasEntry(env, d.dirPath, name) {
		case version.LookupYes:
			return version.LookupYes
		case version.LookupNo:
			return version.LookupNo
		}
	}
	panic(fmt.Sprintf("directory %s: version stack exhausted without a definite answer for %q", d.id, name))
}

// GetEntry resolves a directory entry to an artifact id, consulting
// the memoization cache first, then walking the version stack for a
// direct answer, then falling back to materialize the entry from disk.
// The provided materialize callback is only invoked when the entry is
// known to exist but no version directly names its artifact.
func (d *DirArtifact) GetEntry(
	cmd ids.CommandID,
	env version.DirEnvQuerier,
	name string,
	materialize func(name string) (ids.ArtifactID, error),
	obs Observer,
) (ids.ArtifactID, error) {
	d.recordAccess(cmd)

	if a, ok := d.resolved[name]; ok {
		return a, nil
	}

	lookup := d.HasEntry(env, name)
	if obs != nil {
		obs.ObserveInput(cmd, d.id, d.entryWitness(name), false)
	}
	if lookup == version.LookupNo {
		return "", errENOENT
	}

	for _, v := range d.versions {
		if a, ok := v.GetEntry(name); ok {
			d.resolved[name] = a
			return a, nil
		}
	}

	a, err := materialize(name)
	if err != nil {
		return "", err
	}
	d.resolved[name] = a
	return a, nil
}

// entryWitness returns the version that produced the definitive
// Yes/No for name, for input-observation purposes; it re-walks rather
// than tracking state during HasEntry to keep that method simple.
func (d *DirArtifact) entryWitness(name string) version.Version {
	for _, v := range d.versions {
		lk := v.HasEntry(nil, d.dirPath, name)
		if lk == version.LookupYes || lk == version.LookupNo {
			return v
		}
	}
	if len(d.versions) > 0 {
		return d.versions[0]
	}
	return nil
}

func (d *DirArtifact) CheckFinalState(path string) (*FinalMismatch, error) {
	// A directory never reports a final mismatch: its entries are not
	// compared against the live filesystem.
	return nil, nil
}

func (d *DirArtifact) ApplyFinalState(path string, ctx version.CommitContext) error {
	return nil
}

var errENOENT = fmt.Errorf("ENOENT")

// ErrENOENT reports whether err is the directory-entry-not-found
// sentinel returned by GetEntry.
func ErrENOENT(err error) bool { return err == errENOENT }
