// Package command implements the Command, Reference, and DirEntry
// entities: a logical process invocation with its argument vector,
// initial file-descriptor table, ordered IR steps, children, and exit
// code.
package command

import (
	"fmt"

	"warp/internal/ids"
	"warp/internal/ir"
)

// ReferenceKind distinguishes the ways a Reference can come into
// being.
type ReferenceKind string

const (
	RefSpecial ReferenceKind = "special"
	RefPipe    ReferenceKind = "pipe"
	RefAnonFile ReferenceKind = "anon_file"
	RefAnonDir ReferenceKind = "anon_dir"
	RefAnonSymlink ReferenceKind = "anon_symlink"
	RefPath    ReferenceKind = "path"
)

// Reference is a handle representing the outcome of a name-resolution
// or anonymous-object-creation performed by a command. The artifact it
// names is expressed as an ArtifactID rather than a pointer, consistent
// with this module's weak-reference-by-id ownership rule: the Command
// owns the Reference, but not the Artifact it names.
type Reference struct {
	ID       ids.RefID
	Kind     ReferenceKind
	Expected int // 0 for success, else a POSIX errno
	Artifact ids.ArtifactID
	Resolved bool // true if the runner's last resolution of this reference succeeded
}

// FDEntry is one row of a command's initial file-descriptor table:
// the reference that fd was opened against, and the access flags it
// was opened with.
type FDEntry struct {
	Ref   ids.RefID
	Flags ir.AccessFlags
}

// Command is a logical process invocation.
type Command struct {
	ID   ids.CommandID
	Argv []string

	Parent    ids.CommandID
	HasParent bool

	// Children is ordered by launch order.
	Children []ids.CommandID

	// InitialFDs maps a file descriptor number to the reference it
	// was opened against, inherited from the parent at launch time.
	InitialFDs map[int]FDEntry

	// Exe is the reference to the executable image this command runs,
	// resolved via the same PathRef/SpecialRef machinery as any other
	// reference.
	Exe ids.RefID

	// Steps is this build's ordered IR steps for this command. Reset
	// clears it when the command is about to rerun.
	Steps []ir.Record

	references map[ids.RefID]*Reference

	ExitStatus int
	Exited     bool

	// hasPriorTrace is true if this command (by ID) appeared in the
	// trace loaded at the start of this build. NeverRun reports the
	// negation.
	hasPriorTrace bool
}

// New creates a command with no prior trace (a command seen for the
// first time this build, e.g. one launched by a rerunning parent).
func New(id ids.CommandID, argv []string) *Command {
	return &Command{
		ID:         id,
		Argv:       append([]string(nil), argv...),
		InitialFDs: map[int]FDEntry{},
		references: map[ids.RefID]*Reference{},
	}
}

// NewFromTrace creates a command known from a previously saved trace.
func NewFromTrace(id ids.CommandID, argv []string) *Command {
	c := New(id, argv)
	c.hasPriorTrace = true
	return c
}

// NeverRun reports whether this command has no prior trace.
func (c *Command) NeverRun() bool { return !c.hasPriorTrace }

// MarkHasPriorTrace records that this command now has an associated
// trace (called once its steps have been fully replayed or recorded
// for the first time), so a subsequent build's NeverRun check is
// correct.
func (c *Command) MarkHasPriorTrace() { c.hasPriorTrace = true }

// Reset clears this command's steps and children in preparation for a
// rerun. References are also cleared, since a rerun resolves
// everything fresh.
func (c *Command) Reset() {
	c.Steps = nil
	c.Children = nil
	c.references = map[ids.RefID]*Reference{}
	c.Exited = false
	c.ExitStatus = 0
}

// AddReference registers a new reference owned by this command.
func (c *Command) AddReference(ref *Reference) {
	c.references[ref.ID] = ref
}

// Reference looks up a reference this command owns by id.
func (c *Command) Reference(id ids.RefID) (*Reference, bool) {
	r, ok := c.references[id]
	return r, ok
}

// AppendStep records one IR step, validating that it was issued by this
// command and carries the fields its kind requires. The references a
// step names are not checked against this command's own references.
func (c *Command) AppendStep(r ir.Record) error {
	if r.Command != c.ID {
		return fmt.Errorf("command %s: step issued by %s does not belong to this command", c.ID, r.Command)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	c.Steps = append(c.Steps, r)
	return nil
}

// Launch appends a child to this command's ordered children list.
func (c *Command) Launch(child ids.CommandID) {
	c.Children = append(c.Children, child)
}

// DirEntry is a logical (directory-artifact, name) pair used for
// link/unlink operations so artifacts that appear at multiple paths
// stay consistent.
type DirEntry struct {
	Dir  ids.ArtifactID
	Name string
}
