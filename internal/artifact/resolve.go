package artifact

import (
	"path"
	"strings"

	"golang.org/x/sys/unix"

	"warp/internal/ids"
	"warp/internal/ir"
	"warp/internal/version"
)

// ResolveEnv is the narrow slice of Environment that path resolution
// needs: looking artifacts up by id, materializing a directory entry
// that has no version-carried artifact yet, and creating a new file
// when a resolution's final component is missing and O_CREAT is set.
// Kept as its own interface so artifact has no dependency on env,
// matching the direction of every other cross-package edge in this
// module (the owner is depended on, never the other way around).
type ResolveEnv interface {
	ArtifactByID(id ids.ArtifactID) (Artifact, error)
	MaterializeChild(parentPath, name string) (Artifact, error)
	CreateFile(cmd ids.CommandID) (*FileArtifact, error)
}

// Resolution is the outcome of a path resolution walk: either a
// resolved Artifact (Errno == 0) or a POSIX errno describing why
// resolution failed. errno values are data here, not Go errors — a
// caller compares this value to an ExpectResult record's expected
// errno.
type Resolution struct {
	Artifact Artifact
	Errno    int
}

// dirQuerier adapts ResolveEnv to version.DirEnvQuerier for the
// ExistingDir lazy-population path.
type dirQuerier struct{ env ResolveEnv }

func (q dirQuerier) EntryExists(dirPath, name string) (bool, error) {
	_, err := q.env.MaterializeChild(dirPath, name)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve performs the recursive path walk described by component
// C2's resolve operation: starting from base (which must be a
// directory, or the walk fails with ENOTDIR), it consumes path
// segments one at a time, following symlinks (consuming one unit of
// symlinkBudget per symlink encountered, failing ELOOP at zero) unless
// the segment is both the final component and flags.NoFollow is set.
// On flags.Create, a missing final component is created as a new
// file and linked into its parent directory.
func Resolve(
	cmd ids.CommandID,
	base Artifact,
	basePath string,
	requestPath string,
	flags ir.AccessFlags,
	symlinkBudget int,
	env ResolveEnv,
	obs Observer,
) (Resolution, error) {
	segments := splitPath(requestPath)
	current := base
	currentPath := basePath
	q := dirQuerier{env: env}

	for len(segments) > 0 {
		seg := segments[0]
		rest := segments[1:]
		isLast := len(rest) == 0

		dirArt, ok := current.(*DirArtifact)
		if !ok {
			return Resolution{Errno: int(unix.ENOTDIR)}, nil
		}

		childPath := path.Join(currentPath, seg)
		childID, err := dirArt.GetEntry(cmd, q, seg, func(name string) (ids.ArtifactID, error) {
			a, merr := env.MaterializeChild(dirArt.Path(), name)
			if merr != nil {
				return "", merr
			}
			return a.ID(), nil
		}, obs)

		if ErrENOENT(err) {
			if isLast && flags.Create {
				newFile, cerr := env.CreateFile(cmd)
				if cerr != nil {
					return Resolution{}, cerr
				}
				if uerr := dirArt.UpdateContent(cmd, version.NewAddEntry(cmd, seg, newFile.ID()), obs); uerr != nil {
					return Resolution{}, uerr
				}
				return Resolution{Artifact: newFile}, nil
			}
			return Resolution{Errno: int(unix.ENOENT)}, nil
		}
		if err != nil {
			return Resolution{}, err
		}

		childArt, err := env.ArtifactByID(childID)
		if err != nil {
			return Resolution{}, err
		}

		if isLast && flags.Exclusive && flags.Create {
			return Resolution{Errno: int(unix.EEXIST)}, nil
		}

		if sym, ok := childArt.(*SymlinkArtifact); ok {
			finalNoFollow := isLast && flags.NoFollow
			if finalNoFollow {
				// O_NOFOLLOW on a symlink final component fails ELOOP
				// regardless of O_CREAT, even for a dangling target,
				// since the kernel checks the link's own presence
				// before its target. See DESIGN.md Open Question 1.
				return Resolution{Errno: int(unix.ELOOP)}, nil
			}
			if symlinkBudget <= 0 {
				return Resolution{Errno: int(unix.ELOOP)}, nil
			}
			symlinkBudget--
			target := sym.Target()
			targetSegments := splitPath(target)
			if strings.HasPrefix(target, "/") {
				segments = append(targetSegments, rest...)
				current = base // absolute targets restart the walk from base, so they name real root paths only when base is the root; relative targets continue from the symlink's directory
				currentPath = "/"
				continue
			}
			segments = append(targetSegments, rest...)
			continue
		}

		current = childArt
		currentPath = childPath
		segments = rest
	}

	return Resolution{Artifact: current}, nil
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." {
			continue
		}
		out = append(out, part)
	}
	return out
}
