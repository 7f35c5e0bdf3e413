// Package ids defines the stable identifier types used to reference
// commands, artifacts, versions, and references without pointer
// ownership. Every cross-package back-pointer in this module (a
// version's creator, a directory entry's target, a rebuild plan's
// marked commands) is expressed as one of these types rather than a
// language-level pointer, so that ownership stays with the single
// owner named in each type's doc comment and everything else holds a
// weak, lookup-based reference.
package ids

import "github.com/google/uuid"

// CommandID identifies a Command. Commands are owned by the build
// that launched them; every other package holds a CommandID and
// resolves it through a lookup table when it needs the Command
// itself.
type CommandID string

// NewCommandID mints a fresh, random command identifier.
func NewCommandID() CommandID {
	return CommandID(uuid.NewString())
}

// RootCommandID is the well-known identifier of the synthesized root
// command created by the default trace.
const RootCommandID CommandID = "root"

// ArtifactID identifies an Artifact. Artifacts are owned by the
// Environment for the lifetime of a build.
type ArtifactID string

// NewArtifactID mints a fresh, random artifact identifier.
func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.NewString())
}

// RefID identifies a Reference. References are owned by the Command
// that created them.
type RefID string

// NewRefID mints a fresh, random reference identifier.
func NewRefID() RefID {
	return RefID(uuid.NewString())
}

// VersionID identifies a Version for logging and trace serialization.
// Versions themselves are owned by the Artifact whose history they
// belong to; nothing outside that artifact holds a strong reference.
type VersionID string

// NewVersionID mints a fresh, random version identifier.
func NewVersionID() VersionID {
	return VersionID(uuid.NewString())
}
