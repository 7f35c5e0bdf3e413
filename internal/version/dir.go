package version

import (
	"fmt"
	"os"
	"path/filepath"

	"warp/internal/ids"
)

// Lookup is the three-valued result of asking a directory version
// whether it knows about a named entry. Maybe means the version is
// partial and the caller must fall through to the next-older version
// in the directory's version chain.
type Lookup int

const (
	LookupYes Lookup = iota
	LookupNo
	LookupMaybe
)

func (l Lookup) String() string {
	switch l {
	case LookupYes:
		return "yes"
	case LookupNo:
		return "no"
	default:
		return "maybe"
	}
}

// DirEnvQuerier is the narrow slice of Environment that a
// lazily-populated ExistingDir version needs: the ability to check
// whether a name is present in a directory on the live filesystem.
// Kept as its own interface (rather than importing the env package
// directly) so version has no dependency on env, preserving the
// Environment-owns-everything / everything-else-looks-up-by-id
// ownership direction throughout this module.
type DirEnvQuerier interface {
	EntryExists(dirPath, name string) (bool, error)
}

// DirVersion is the capability set every directory-mutation version
// implements, in addition to Version.
type DirVersion interface {
	Version

	// HasEntry checks whether this version guarantees the presence or
	// absence of name in the directory at dirPath.
	HasEntry(env DirEnvQuerier, dirPath, name string) Lookup

	// GetEntry returns the artifact this version directly knows about
	// for name, if any. A false second return means the caller should
	// materialize the artifact from the live filesystem instead.
	GetEntry(name string) (ids.ArtifactID, bool)
}

// dirBase adds directory versions' shared answer to Version's
// commit/fingerprint questions: partial directory mutations are never
// saved or committed on their own (the directory's committed state is
// whatever is on disk already), and they always compare as
// fingerprinted so a fresh comparison never re-reads the directory.
type dirBase struct {
	base
}

func (d *dirBase) Fingerprint(string) error { return nil }
func (d *dirBase) CanCommit() bool          { return false }
func (d *dirBase) Commit(string, CommitContext) error {
	return fmt.Errorf("directory versions cannot be committed")
}

// AddEntry is a partial directory version recording that name was
// linked to target. Any lookup for a different name falls through
// (Maybe) to the next-older version.
type AddEntry struct {
	dirBase
	Name   string
	Target ids.ArtifactID
}

func NewAddEntry(creator ids.CommandID, name string, target ids.ArtifactID) *AddEntry {
	a := &AddEntry{Name: name, Target: target}
	a.base = newBase(creator, true)
	return a
}

func (a *AddEntry) TypeName() string { return "+" + a.Name }

func (a *AddEntry) Matches(other Version) bool {
	o, ok := other.(*AddEntry)
	return ok && o.Name == a.Name && o.Target == a.Target
}

func (a *AddEntry) HasEntry(_ DirEnvQuerier, _ string, name string) Lookup {
	if name == a.Name {
		return LookupYes
	}
	return LookupMaybe
}

func (a *AddEntry) GetEntry(name string) (ids.ArtifactID, bool) {
	if name == a.Name {
		return a.Target, true
	}
	return "", false
}

// RemoveEntry is a partial directory version recording that name was
// unlinked. Any lookup for a different name falls through.
type RemoveEntry struct {
	dirBase
	Name string
}

func NewRemoveEntry(creator ids.CommandID, name string) *RemoveEntry {
	r := &RemoveEntry{Name: name}
	r.base = newBase(creator, true)
	return r
}

func (r *RemoveEntry) TypeName() string { return "-" + r.Name }

func (r *RemoveEntry) Matches(other Version) bool {
	o, ok := other.(*RemoveEntry)
	return ok && o.Name == r.Name
}

func (r *RemoveEntry) HasEntry(_ DirEnvQuerier, _ string, name string) Lookup {
	if name == r.Name {
		return LookupNo
	}
	return LookupMaybe
}

func (r *RemoveEntry) GetEntry(string) (ids.ArtifactID, bool) { return "", false }

// ExistingDir is a lazily-populated set of entries known to be present
// or absent in a directory that existed before the build started. A
// name not yet checked is resolved by statting the live filesystem
// (via env) and the answer is cached for the life of the build, since
// this module owns the directory for the whole build and a second
// external mutation of the same directory during a build is outside
// the model.
type ExistingDir struct {
	dirBase
	present map[string]bool
	absent  map[string]bool
}

func NewExistingDir() *ExistingDir {
	e := &ExistingDir{present: map[string]bool{}, absent: map[string]bool{}}
	e.base = newBase("", false)
	return e
}

func (e *ExistingDir) TypeName() string { return "list" }

func (e *ExistingDir) Matches(Version) bool { return false }

func (e *ExistingDir) HasEntry(env DirEnvQuerier, dirPath, name string) Lookup {
	if e.present[name] {
		return LookupYes
	}
	if e.absent[name] {
		return LookupNo
	}
	exists, err := env.EntryExists(dirPath, name)
	if err != nil {
		e.absent[name] = true
		return LookupNo
	}
	if exists {
		e.present[name] = true
		return LookupYes
	}
	e.absent[name] = true
	return LookupNo
}

func (e *ExistingDir) GetEntry(string) (ids.ArtifactID, bool) { return "", false }

// CreatedDir is the authoritative, complete contents of a directory
// created during this build. It always seeds "." and ".." per the
// original implementation's ListedDirVersion default constructor.
type CreatedDir struct {
	dirBase
	entries map[string]ids.ArtifactID
}

func NewCreatedDir(creator ids.CommandID) *CreatedDir {
	c := &CreatedDir{entries: map[string]ids.ArtifactID{".": "", "..": ""}}
	c.base = newBase(creator, true)
	return c
}

func (c *CreatedDir) TypeName() string { return "created" }

func (c *CreatedDir) Matches(other Version) bool {
	o, ok := other.(*CreatedDir)
	if !ok || len(o.entries) != len(c.entries) {
		return false
	}
	for k, v := range c.entries {
		if o.entries[k] != v {
			return false
		}
	}
	return true
}

func (c *CreatedDir) HasEntry(_ DirEnvQuerier, _ string, name string) Lookup {
	if _, ok := c.entries[name]; ok {
		return LookupYes
	}
	return LookupNo
}

func (c *CreatedDir) GetEntry(name string) (ids.ArtifactID, bool) {
	a, ok := c.entries[name]
	return a, ok && a != ""
}

// Link records a as the artifact for name, for use by the Environment
// immediately after creating a directory (before any AddEntry versions
// are appended on top of it).
func (c *CreatedDir) Link(name string, a ids.ArtifactID) {
	c.entries[name] = a
}

// ListedDir is a complete snapshot of a directory's entries, taken by
// listing the live filesystem (opendir/readdir).
type ListedDir struct {
	dirBase
	entries map[string]bool
}

// NewListedDirFromDisk lists dirPath on the live filesystem.
func NewListedDirFromDisk(dirPath string) (*ListedDir, error) {
	f, err := os.Open(dirPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	l := &ListedDir{entries: map[string]bool{".": true, "..": true}}
	l.base = newBase("", false)
	for _, n := range names {
		l.entries[filepath.Base(n)] = true
	}
	return l, nil
}

func (l *ListedDir) TypeName() string { return "list" }

func (l *ListedDir) Matches(other Version) bool {
	o, ok := other.(*ListedDir)
	if !ok || len(o.entries) != len(l.entries) {
		return false
	}
	for k := range l.entries {
		if !o.entries[k] {
			return false
		}
	}
	return true
}

func (l *ListedDir) HasEntry(_ DirEnvQuerier, _ string, name string) Lookup {
	if l.entries[name] {
		return LookupYes
	}
	return LookupNo
}

func (l *ListedDir) GetEntry(string) (ids.ArtifactID, bool) { return "", false }
