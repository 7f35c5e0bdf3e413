// Package version implements the immutable Version model: snapshots of
// one facet of an artifact — metadata, file content, a symlink target,
// or a directory mutation — each of which knows how to fingerprint
// itself against the live filesystem, compare itself to another
// version of the same kind, and commit itself to disk when possible.
//
// Conceptually this is a tagged union of variants; Go has no sum
// types, so it is expressed as a small capability interface (Version)
// implemented by one concrete type per variant.
package version

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"warp/internal/ids"
)

// Trace records embed Version values behind the Version interface
// (see ir.Record's MetadataVer/ContentVer fields), so every concrete
// variant must be registered with encoding/gob to round-trip through
// the trace log.
func init() {
	gob.Register(&Metadata{})
	gob.Register(&Content{})
	gob.Register(&Symlink{})
	gob.Register(&Special{})
	gob.Register(&Pipe{})
	gob.Register(&AddEntry{})
	gob.Register(&RemoveEntry{})
	gob.Register(&ExistingDir{})
	gob.Register(&CreatedDir{})
	gob.Register(&ListedDir{})
}

// Version is the capability set every version variant implements.
// It mirrors the {Commit, Match, Fingerprint} trait split called for
// by the design notes: TypeName and Creator are common bookkeeping,
// Matches implements the per-kind equivalence relation, Fingerprint
// populates the payload from the live filesystem, and CanCommit/Commit
// implement the materialize-without-rerunning contract.
type Version interface {
	// TypeName returns a stable tag for debugging and serialization.
	TypeName() string

	// Creator returns the command that produced this version, and
	// false if the version was instead scanned from the initial
	// filesystem and has no creator.
	Creator() (ids.CommandID, bool)

	// Matches reports whether this version is equivalent, under the
	// semantics of its own kind, to other. Comparing versions of
	// different concrete kinds is always false.
	Matches(other Version) bool

	// Fingerprint populates the version's comparison payload by
	// reading the live filesystem at path. Idempotent.
	Fingerprint(path string) error

	// CanCommit reports whether Commit can reproduce this version's
	// state at a path without rerunning its creator.
	CanCommit() bool

	// Commit writes the represented state to path. Returns an error
	// if CanCommit is false. ctx.RestoreContent is consulted only by
	// the Content variant, which has no direct dependency on the
	// external fingerprint store; every other variant ignores it.
	Commit(path string, ctx CommitContext) error

	// Committed reports whether this version has been committed
	// (via Commit, or because it was scanned from a filesystem that
	// already held this exact state).
	Committed() bool

	// markCommitted transitions Uncommitted -> Committed. Unexported:
	// callers outside this package perform this one-way transition
	// only through the exported MarkCommitted helper below, keeping the
	// version-commit state machine's sole mutation point in one
	// place.
	markCommitted()
}

// MarkCommitted performs the one-way Uncommitted -> Committed
// transition. It panics if v cannot commit, since committing an
// uncommittable version is an invariant violation, not recoverable
// data.
func MarkCommitted(v Version) {
	if !v.CanCommit() {
		panic(fmt.Sprintf("cannot mark %s version committed: CanCommit() is false", v.TypeName()))
	}
	v.markCommitted()
}

// base carries the fields common to every version variant: the weak
// creator back-pointer (a CommandID, never a *Command) and the
// one-way committed flag. Fields are exported so a version round-trips
// through encoding/gob when embedded in a trace log record — gob
// silently drops unexported fields, which would otherwise lose the
// creator and commit state on every reload.
type base struct {
	CreatorID    ids.CommandID
	HasCreatorID bool
	IsCommitted  bool
}

func newBase(creator ids.CommandID, hasCreator bool) base {
	return base{CreatorID: creator, HasCreatorID: hasCreator}
}

func (b *base) Creator() (ids.CommandID, bool) { return b.CreatorID, b.HasCreatorID }
func (b *base) Committed() bool                { return b.IsCommitted }
func (b *base) markCommitted()                 { b.IsCommitted = true }

// CommitContext carries the external collaborators a version's Commit
// may need. Only the Content variant uses RestoreContent; it is the
// seam through which the fingerprint store's restore(handle, path)
// contract reaches this package without an import cycle.
type CommitContext struct {
	RestoreContent func(handleOrDigest, path string) error

	// SaveContent pushes path's current bytes into the external
	// fingerprint store, returning a handle Commit can later pass back
	// to RestoreContent. Only consulted when a freshly fingerprinted
	// Content version has no saved copy yet — a version restored from
	// an existing handle, or matched purely by digest against an
	// already-saved peer, never needs it.
	SaveContent func(path string) (handle string, err error)
}

// Metadata is the metadata version variant: uid, gid, mode.
type Metadata struct {
	base
	UID, GID uint32
	Mode     os.FileMode
}

// NewMetadata creates a metadata version with no creator (scanned from
// disk).
func NewMetadata(uid, gid uint32, mode os.FileMode) *Metadata {
	return &Metadata{base: newBase("", false), UID: uid, GID: gid, Mode: mode}
}

// NewMetadataFrom creates a metadata version produced by creator.
func NewMetadataFrom(creator ids.CommandID, uid, gid uint32, mode os.FileMode) *Metadata {
	return &Metadata{base: newBase(creator, true), UID: uid, GID: gid, Mode: mode}
}

func (m *Metadata) TypeName() string { return "metadata" }

func (m *Metadata) Matches(other Version) bool {
	o, ok := other.(*Metadata)
	if !ok {
		return false
	}
	return m.UID == o.UID && m.GID == o.GID && m.Mode == o.Mode
}

func (m *Metadata) Fingerprint(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	m.Mode = info.Mode()
	return nil
}

func (m *Metadata) CanCommit() bool { return true }

func (m *Metadata) Commit(path string, _ CommitContext) error {
	if err := os.Chmod(path, m.Mode.Perm()); err != nil {
		return err
	}
	MarkCommitted(m)
	return nil
}

// Fingerprint is the comparison payload for a Content version: a
// content digest (a sha256 of the file's bytes), size, and mtime.
type Fingerprint struct {
	Digest string
	Size   int64
	MTime  time.Time
}

// Content is the file content version variant. At least one of
// Fingerprint or SavedHandle must be present for a Content version to
// be committable.
type Content struct {
	base
	FP          *Fingerprint
	SavedHandle string // digest into the fingerprint store, empty if unsaved
}

// NewContentFrom creates a content version produced by creator.
func NewContentFrom(creator ids.CommandID) *Content {
	return &Content{base: newBase(creator, true)}
}

// NewContentScanned creates a content version with no creator, as
// produced by scanning the initial filesystem.
func NewContentScanned() *Content {
	return &Content{base: newBase("", false)}
}

func (c *Content) TypeName() string { return "content" }

// Matches implements a three-tier fallback: digests first, then
// identical saved-copy handles, then mtime+size as the weakest signal.
func (c *Content) Matches(other Version) bool {
	o, ok := other.(*Content)
	if !ok {
		return false
	}
	if c.FP != nil && o.FP != nil && c.FP.Digest != "" && o.FP.Digest != "" {
		return c.FP.Digest == o.FP.Digest
	}
	if c.SavedHandle != "" && o.SavedHandle != "" {
		return c.SavedHandle == o.SavedHandle
	}
	if c.FP != nil && o.FP != nil {
		return c.FP.Size == o.FP.Size && c.FP.MTime.Equal(o.FP.MTime)
	}
	return false
}

func (c *Content) Fingerprint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	c.FP = &Fingerprint{
		Digest: hex.EncodeToString(h.Sum(nil)),
		Size:   info.Size(),
		MTime:  info.ModTime(),
	}
	return nil
}

func (c *Content) CanCommit() bool {
	return c.SavedHandle != "" || (c.FP != nil && c.FP.Digest != "")
}

// Commit materializes the content at path via ctx.RestoreContent,
// keyed on either the saved handle or the fingerprint digest — the
// actual bytes live in the external fingerprint store, which this
// package does not depend on directly.
func (c *Content) Commit(path string, ctx CommitContext) error {
	if !c.CanCommit() {
		return fmt.Errorf("content version has neither saved handle nor digest")
	}
	if ctx.RestoreContent == nil {
		return fmt.Errorf("no content restorer available to commit content version")
	}
	key := c.SavedHandle
	if key == "" {
		key = c.FP.Digest
	}
	if err := ctx.RestoreContent(key, path); err != nil {
		return err
	}
	MarkCommitted(c)
	return nil
}

// Symlink is the symlink-target version variant.
type Symlink struct {
	base
	Target string
}

func NewSymlinkFrom(creator ids.CommandID, target string) *Symlink {
	return &Symlink{base: newBase(creator, true), Target: target}
}

func NewSymlinkScanned(target string) *Symlink {
	return &Symlink{base: newBase("", false), Target: target}
}

func (s *Symlink) TypeName() string { return "symlink" }

func (s *Symlink) Matches(other Version) bool {
	o, ok := other.(*Symlink)
	return ok && o.Target == s.Target
}

func (s *Symlink) Fingerprint(path string) error {
	target, err := os.Readlink(path)
	if err != nil {
		return err
	}
	s.Target = target
	return nil
}

func (s *Symlink) CanCommit() bool { return true }

func (s *Symlink) Commit(path string, _ CommitContext) error {
	_ = os.Remove(path)
	if err := os.Symlink(s.Target, path); err != nil {
		return err
	}
	MarkCommitted(s)
	return nil
}

// Special is the special-device content version variant. It matches
// always or never depending on a per-artifact flag fixed at creation,
// since a special file's content cannot be meaningfully diffed.
type Special struct {
	base
	AlwaysChanged bool
}

func NewSpecial(alwaysChanged bool) *Special {
	return &Special{base: newBase("", false), AlwaysChanged: alwaysChanged}
}

func (s *Special) TypeName() string { return "special" }

func (s *Special) Matches(other Version) bool {
	if s.AlwaysChanged {
		return false
	}
	o, ok := other.(*Special)
	return ok && !o.AlwaysChanged
}

func (s *Special) Fingerprint(string) error { return nil }
func (s *Special) CanCommit() bool          { return false }
func (s *Special) Commit(string, CommitContext) error {
	return fmt.Errorf("special content versions cannot be committed")
}

// Pipe is the ephemeral pipe content version variant. It is never
// fingerprinted, never matches, and is never committed, since a pipe's
// content is transient by nature and cannot be replayed between
// builds; pipe content is treated as always-changed rather than
// modeled as a byte stream.
type Pipe struct {
	base
}

func NewPipeFrom(creator ids.CommandID) *Pipe {
	return &Pipe{base: newBase(creator, true)}
}

func (p *Pipe) TypeName() string         { return "pipe" }
func (p *Pipe) Matches(Version) bool     { return false }
func (p *Pipe) Fingerprint(string) error { return nil }
func (p *Pipe) CanCommit() bool          { return false }
func (p *Pipe) Commit(string, CommitContext) error {
	return fmt.Errorf("pipe content cannot be committed")
}
