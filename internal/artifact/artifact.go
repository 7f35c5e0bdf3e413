// Package artifact implements the Artifact entity: the identity of a
// filesystem object across its lifetime, mediating read/write/commit
// operations per concrete type (file, directory, symlink, pipe,
// special) and recording every access as an input or output the build
// runner reports to the rebuild planner.
//
// Each concrete type below satisfies the Artifact interface, a
// {Commit, Match, Fingerprint, Resolve, FinalCheck} capability set
// dispatched via Go interfaces rather than a class hierarchy.
package artifact

import (
	"fmt"

	"warp/internal/ids"
	"warp/internal/version"
)

// Kind tags an artifact's filesystem object type.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
	KindPipe    Kind = "pipe"
	KindSpecial Kind = "special"
)

// FinalMismatch describes a discrepancy between an artifact's current
// version and the live filesystem, discovered by CheckFinalState.
type FinalMismatch struct {
	Artifact ids.ArtifactID
	Path     string
	Produced version.Version
	OnDisk   version.Version
}

// Observer receives the input/output notifications every artifact
// operation reports, so the build runner can hand them to the rebuild
// planner without artifact depending on the planner package.
type Observer interface {
	ObserveInput(cmd ids.CommandID, artifact ids.ArtifactID, v version.Version, alwaysExists bool)
	ObserveOutput(cmd ids.CommandID, artifact ids.ArtifactID, v version.Version)
	ObserveMismatch(cmd ids.CommandID, artifact ids.ArtifactID, observed, expected version.Version)
}

// Artifact is the capability set common to every concrete artifact
// type.
type Artifact interface {
	ID() ids.ArtifactID
	Kind() Kind

	GetMetadata(cmd ids.CommandID, obs Observer) *version.Metadata
	MatchMetadata(cmd ids.CommandID, expected *version.Metadata, obs Observer) bool
	UpdateMetadata(cmd ids.CommandID, v *version.Metadata, obs Observer)

	GetContent(cmd ids.CommandID, obs Observer) version.Version
	MatchContent(cmd ids.CommandID, expected version.Version, obs Observer) bool
	UpdateContent(cmd ids.CommandID, v version.Version, obs Observer) error

	CommittedPaths() []string
	CommitLink(path string)
	CommitUnlink(path string)

	CheckFinalState(path string) (*FinalMismatch, error)
	ApplyFinalState(path string, ctx version.CommitContext) error
}

// base holds the fields and generic metadata handling shared by every
// concrete artifact type: identity, current metadata version, and the
// committed-path set.
type base struct {
	id             ids.ArtifactID
	kind           Kind
	metadata       *version.Metadata
	committedPaths map[string]bool
	accessedBy     []ids.CommandID
}

func newBase(id ids.ArtifactID, kind Kind, md *version.Metadata) base {
	return base{id: id, kind: kind, metadata: md, committedPaths: map[string]bool{}}
}

func (b *base) ID() ids.ArtifactID { return b.id }
func (b *base) Kind() Kind         { return b.kind }

func (b *base) recordAccess(cmd ids.CommandID) {
	b.accessedBy = append(b.accessedBy, cmd)
}

func (b *base) GetMetadata(cmd ids.CommandID, obs Observer) *version.Metadata {
	b.recordAccess(cmd)
	if obs != nil {
		obs.ObserveInput(cmd, b.id, b.metadata, false)
	}
	return b.metadata
}

func (b *base) MatchMetadata(cmd ids.CommandID, expected *version.Metadata, obs Observer) bool {
	b.recordAccess(cmd)
	ok := b.metadata.Matches(expected)
	if !ok && obs != nil {
		obs.ObserveMismatch(cmd, b.id, b.metadata, expected)
	}
	if obs != nil {
		obs.ObserveInput(cmd, b.id, b.metadata, false)
	}
	return ok
}

func (b *base) UpdateMetadata(cmd ids.CommandID, v *version.Metadata, obs Observer) {
	b.recordAccess(cmd)
	b.metadata = v
	if obs != nil {
		obs.ObserveOutput(cmd, b.id, v)
	}
}

func (b *base) CommittedPaths() []string {
	paths := make([]string, 0, len(b.committedPaths))
	for p := range b.committedPaths {
		paths = append(paths, p)
	}
	return paths
}

func (b *base) CommitLink(path string)   { b.committedPaths[path] = true }
func (b *base) CommitUnlink(path string) { delete(b.committedPaths, path) }

// FileArtifact stores the single current content version pointer: a
// file's value is always a single latest version, not a stack,
// because updates replace rather than layer.
type FileArtifact struct {
	base
	content version.Version // *version.Content
}

// NewFile creates a FileArtifact with the given initial metadata and
// content version.
func NewFile(id ids.ArtifactID, md *version.Metadata, content version.Version) *FileArtifact {
	return &FileArtifact{base: newBase(id, KindFile, md), content: content}
}

func (f *FileArtifact) GetContent(cmd ids.CommandID, obs Observer) version.Version {
	f.recordAccess(cmd)
	if obs != nil {
		obs.ObserveInput(cmd, f.id, f.content, false)
	}
	return f.content
}

func (f *FileArtifact) MatchContent(cmd ids.CommandID, expected version.Version, obs Observer) bool {
	f.recordAccess(cmd)
	ok := f.content != nil && f.content.Matches(expected)
	if !ok && obs != nil {
		obs.ObserveMismatch(cmd, f.id, f.content, expected)
	}
	if obs != nil {
		obs.ObserveInput(cmd, f.id, f.content, false)
	}
	return ok
}

func (f *FileArtifact) UpdateContent(cmd ids.CommandID, v version.Version, obs Observer) error {
	f.recordAccess(cmd)
	f.content = v
	if obs != nil {
		obs.ObserveOutput(cmd, f.id, v)
	}
	return nil
}

func (f *FileArtifact) CheckFinalState(path string) (*FinalMismatch, error) {
	onDisk := version.NewContentScanned()
	if err := onDisk.Fingerprint(path); err != nil {
		return nil, err
	}
	if f.content != nil && f.content.Matches(onDisk) {
		return nil, nil
	}
	return &FinalMismatch{Artifact: f.id, Path: path, Produced: f.content, OnDisk: onDisk}, nil
}

func (f *FileArtifact) ApplyFinalState(path string, ctx version.CommitContext) error {
	if f.content == nil {
		return fmt.Errorf("file artifact %s has no content version", f.id)
	}
	if f.content.Committed() {
		f.CommitLink(path)
		return nil
	}
	if !f.content.CanCommit() {
		// The version has no fingerprint yet: it was produced by a
		// command that wrote real bytes to path directly, so the file
		// already reflects this version's state. Fingerprint it from
		// the live file, save a copy into the external store so a
		// future build can restore it elsewhere, and mark it
		// committed in place rather than trying to Commit() bytes
		// that are already there.
		if err := f.content.Fingerprint(path); err != nil {
			return fmt.Errorf("fingerprinting %s: %w", path, err)
		}
		if !f.content.CanCommit() {
			return &UncommittableError{Artifact: f.id, Path: path}
		}
		if cv, ok := f.content.(*version.Content); ok && cv.SavedHandle == "" && ctx.SaveContent != nil {
			handle, err := ctx.SaveContent(path)
			if err != nil {
				return fmt.Errorf("saving content for %s: %w", path, err)
			}
			cv.SavedHandle = handle
		}
		version.MarkCommitted(f.content)
		f.CommitLink(path)
		return nil
	}
	if err := f.content.Commit(path, ctx); err != nil {
		return err
	}
	f.CommitLink(path)
	return nil
}

// UncommittableError is returned by ApplyFinalState when a version has
// no way to reproduce its state on disk.
type UncommittableError struct {
	Artifact ids.ArtifactID
	Path     string
}

func (e *UncommittableError) Error() string {
	return fmt.Sprintf("artifact %s: no committable version for %q", e.Artifact, e.Path)
}

// SymlinkArtifact stores one symlink-target version, fixed by its
// constructor; UpdateContent always fails.
type SymlinkArtifact struct {
	base
	target *version.Symlink
}

func NewSymlink(id ids.ArtifactID, md *version.Metadata, target *version.Symlink) *SymlinkArtifact {
	return &SymlinkArtifact{base: newBase(id, KindSymlink, md), target: target}
}

func (s *SymlinkArtifact) GetContent(cmd ids.CommandID, obs Observer) version.Version {
	s.recordAccess(cmd)
	if obs != nil {
		obs.ObserveInput(cmd, s.id, s.target, false)
	}
	return s.target
}

func (s *SymlinkArtifact) MatchContent(cmd ids.CommandID, expected version.Version, obs Observer) bool {
	s.recordAccess(cmd)
	ok := s.target.Matches(expected)
	if !ok && obs != nil {
		obs.ObserveMismatch(cmd, s.id, s.target, expected)
	}
	return ok
}

func (s *SymlinkArtifact) UpdateContent(cmd ids.CommandID, v version.Version, obs Observer) error {
	return fmt.Errorf("symlink artifact %s: content is immutable after creation", s.id)
}

func (s *SymlinkArtifact) Target() string { return s.target.Target }

func (s *SymlinkArtifact) CheckFinalState(path string) (*FinalMismatch, error) {
	onDisk := version.NewSymlinkScanned("")
	if err := onDisk.Fingerprint(path); err != nil {
		return nil, err
	}
	if s.target.Matches(onDisk) {
		return nil, nil
	}
	return &FinalMismatch{Artifact: s.id, Path: path, Produced: s.target, OnDisk: onDisk}, nil
}

func (s *SymlinkArtifact) ApplyFinalState(path string, ctx version.CommitContext) error {
	if s.target.Committed() {
		s.CommitLink(path)
		return nil
	}
	if err := s.target.Commit(path, ctx); err != nil {
		return err
	}
	s.CommitLink(path)
	return nil
}

// PipeArtifact holds a volatile reader/writer pair. It never commits
// and never checks final state, since pipe content does not survive
// between builds.
type PipeArtifact struct {
	base
	content *version.Pipe
}

func NewPipe(id ids.ArtifactID, creator ids.CommandID) *PipeArtifact {
	return &PipeArtifact{
		base:    newBase(id, KindPipe, version.NewMetadataFrom(creator, 0, 0, 0)),
		content: version.NewPipeFrom(creator),
	}
}

func (p *PipeArtifact) GetContent(cmd ids.CommandID, obs Observer) version.Version {
	p.recordAccess(cmd)
	return p.content
}

func (p *PipeArtifact) MatchContent(ids.CommandID, version.Version, Observer) bool { return false }

func (p *PipeArtifact) UpdateContent(cmd ids.CommandID, v version.Version, obs Observer) error {
	p.recordAccess(cmd)
	if pv, ok := v.(*version.Pipe); ok {
		p.content = pv
	}
	return nil
}

func (p *PipeArtifact) CheckFinalState(string) (*FinalMismatch, error) { return nil, nil }
func (p *PipeArtifact) ApplyFinalState(string, version.CommitContext) error { return nil }

// SpecialArtifact represents a device or other special file whose
// content either always matches or never matches, per a fixed flag
// set at creation.
type SpecialArtifact struct {
	base
	content *version.Special
}

func NewSpecial(id ids.ArtifactID, md *version.Metadata, alwaysChanged bool) *SpecialArtifact {
	return &SpecialArtifact{base: newBase(id, KindSpecial, md), content: version.NewSpecial(alwaysChanged)}
}

func (s *SpecialArtifact) GetContent(cmd ids.CommandID, obs Observer) version.Version {
	s.recordAccess(cmd)
	return s.content
}

func (s *SpecialArtifact) MatchContent(cmd ids.CommandID, expected version.Version, obs Observer) bool {
	s.recordAccess(cmd)
	ok := s.content.Matches(expected)
	if !ok && obs != nil {
		obs.ObserveMismatch(cmd, s.id, s.content, expected)
	}
	return ok
}

func (s *SpecialArtifact) UpdateContent(cmd ids.CommandID, v version.Version, obs Observer) error {
	return fmt.Errorf("special artifact %s: content is not updatable", s.id)
}

func (s *SpecialArtifact) CheckFinalState(string) (*FinalMismatch, error) { return nil, nil }
func (s *SpecialArtifact) ApplyFinalState(string, version.CommitContext) error { return nil }
