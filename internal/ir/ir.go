// Package ir implements the tagged IR record types that make up a
// command's trace: reference creation, resolution-result expectation,
// content/metadata match and update, launch, join, and exit. Every
// record carries the command that issued it.
//
// Go has no sum types, so the tagged union is expressed as a Kind
// discriminator plus one exported field set per kind on a single
// Record struct — a flattened-union shape. Unused fields for a given
// Kind are left zero; Validate checks the fields required for that
// Kind are set.
package ir

import (
	"fmt"

	"golang.org/x/sys/unix"

	"warp/internal/ids"
	"warp/internal/version"
)

// Kind discriminates the IR record variants.
type Kind string

const (
	KindSpecialRef     Kind = "SpecialRef"
	KindPipeRef        Kind = "PipeRef"
	KindFileRef        Kind = "FileRef"
	KindSymlinkRef     Kind = "SymlinkRef"
	KindDirRef         Kind = "DirRef"
	KindPathRef        Kind = "PathRef"
	KindExpectResult   Kind = "ExpectResult"
	KindMatchMetadata  Kind = "MatchMetadata"
	KindMatchContent   Kind = "MatchContent"
	KindUpdateMetadata Kind = "UpdateMetadata"
	KindUpdateContent  Kind = "UpdateContent"
	KindLaunch         Kind = "Launch"
	KindJoin           Kind = "Join"
	KindExit           Kind = "Exit"
)

// SpecialEntity names one of the well-known references every command
// inherits rather than resolves by path.
type SpecialEntity string

const (
	EntityStdin     SpecialEntity = "stdin"
	EntityStdout    SpecialEntity = "stdout"
	EntityStderr    SpecialEntity = "stderr"
	EntityRoot      SpecialEntity = "root"
	EntityCwd       SpecialEntity = "cwd"
	EntityLaunchExe SpecialEntity = "launch_exe"
)

// AccessFlags is the access-flag set an IR reference step carries,
// stored as one bool per flag. ToUnixOpenFlags and
// FlagsFromUnixOpenFlags translate it to and from the POSIX open(2)
// bit set using golang.org/x/sys/unix's named constants; there is no
// translation for faccessat(2) bits.
type AccessFlags struct {
	Read      bool
	Write     bool
	Exec      bool
	NoFollow  bool
	Truncate  bool
	Create    bool
	Exclusive bool
	Directory bool
	Mode      uint32 // meaningful only when Create is set
}

// Record is a single IR step, tagged by Kind. Exactly the fields
// relevant to Kind are populated; Validate checks this.
type Record struct {
	Kind    Kind
	Command ids.CommandID

	// Reference-creation fields.
	Entity SpecialEntity // SpecialRef
	Mode   uint32        // FileRef, DirRef
	Target string        // SymlinkRef
	Base   ids.RefID     // PathRef
	Path   string        // PathRef
	Flags  AccessFlags   // PathRef
	Out    ids.RefID     // SpecialRef, FileRef, SymlinkRef, DirRef, PathRef
	OutRd  ids.RefID     // PipeRef read end
	OutWr  ids.RefID     // PipeRef write end

	// Predicate/action fields.
	Ref            ids.RefID  // ExpectResult, MatchMetadata, MatchContent, UpdateMetadata, UpdateContent
	ExpectedErrno  int        // ExpectResult
	MetadataVer    version.Version // MatchMetadata, UpdateMetadata
	ContentVer     version.Version // MatchContent, UpdateContent

	// Process lifecycle fields.
	Child      ids.CommandID // Launch, Join
	ExitStatus int           // Join, Exit
}

// Validate reports whether the record carries the fields its Kind
// requires. It does not validate cross-record consistency (e.g. that
// Base refers to a reference that actually exists) — that is the
// build runner's job, since it is the only component with the
// environment needed to check it.
func (r Record) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("ir: record has no kind")
	}
	if r.Command == "" {
		return fmt.Errorf("ir: %s record has no issuing command", r.Kind)
	}
	switch r.Kind {
	case KindSpecialRef:
		if r.Entity == "" || r.Out == "" {
			return fmt.Errorf("ir: SpecialRef requires entity and out")
		}
	case KindPipeRef:
		if r.OutRd == "" || r.OutWr == "" {
			return fmt.Errorf("ir: PipeRef requires outRd and outWr")
		}
	case KindFileRef, KindDirRef:
		if r.Out == "" {
			return fmt.Errorf("ir: %s requires out", r.Kind)
		}
	case KindSymlinkRef:
		if r.Out == "" || r.Target == "" {
			return fmt.Errorf("ir: SymlinkRef requires out and target")
		}
	case KindPathRef:
		if r.Base == "" || r.Out == "" {
			return fmt.Errorf("ir: PathRef requires base and out")
		}
	case KindExpectResult:
		if r.Ref == "" {
			return fmt.Errorf("ir: ExpectResult requires ref")
		}
	case KindMatchMetadata, KindUpdateMetadata, KindMatchContent, KindUpdateContent:
		if r.Ref == "" {
			return fmt.Errorf("ir: %s requires ref", r.Kind)
		}
	case KindLaunch:
		if r.Child == "" {
			return fmt.Errorf("ir: Launch requires child")
		}
	case KindJoin:
		if r.Child == "" {
			return fmt.Errorf("ir: Join requires child")
		}
	case KindExit:
		// ExitStatus zero value is a legitimate successful exit.
	default:
		return fmt.Errorf("ir: unknown kind %q", r.Kind)
	}
	return nil
}

// ToUnixOpenFlags translates AccessFlags into the POSIX open(2) bit
// set, using golang.org/x/sys/unix's named constants.
func (f AccessFlags) ToUnixOpenFlags() int {
	flags := 0
	switch {
	case f.Read && f.Write:
		flags |= unix.O_RDWR
	case f.Write:
		flags |= unix.O_WRONLY
	default:
		flags |= unix.O_RDONLY
	}
	if f.NoFollow {
		flags |= unix.O_NOFOLLOW
	}
	if f.Truncate {
		flags |= unix.O_TRUNC
	}
	if f.Create {
		flags |= unix.O_CREAT
	}
	if f.Exclusive {
		flags |= unix.O_EXCL
	}
	if f.Directory {
		flags |= unix.O_DIRECTORY
	}
	return flags
}

// FlagsFromUnixOpenFlags translates a POSIX open(2) bit set into
// AccessFlags, the inverse of ToUnixOpenFlags.
func FlagsFromUnixOpenFlags(raw int, mode uint32) AccessFlags {
	f := AccessFlags{
		Read:      raw&unix.O_ACCMODE == unix.O_RDONLY || raw&unix.O_ACCMODE == unix.O_RDWR,
		Write:     raw&unix.O_ACCMODE == unix.O_WRONLY || raw&unix.O_ACCMODE == unix.O_RDWR,
		NoFollow:  raw&unix.O_NOFOLLOW != 0,
		Truncate:  raw&unix.O_TRUNC != 0,
		Create:    raw&unix.O_CREAT != 0,
		Exclusive: raw&unix.O_EXCL != 0,
		Directory: raw&unix.O_DIRECTORY != 0,
		Mode:      mode,
	}
	return f
}
