// Package fingerprint implements the external content store that a
// Content version's saved handle refers to: save copies a file's bytes
// under a digest-derived path, restore writes them back out, and
// digest recomputes a fingerprint without necessarily saving a copy.
// The on-disk layout and atomic-write sequence follow a
// content-addressed blob store sharded two hex characters deep so no
// directory accumulates one entry per build artifact.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// StatSnapshot is a cheap, non-authoritative comparison payload used
// only to short-circuit a full re-read: two files with the same size
// and mtime are assumed unchanged without hashing them again. While a
// path's snapshot is cached, Store.Digest returns the cached digest
// for it without reading the file, so a content change that keeps
// both size and mtime is not seen until the entry is evicted.
type StatSnapshot struct {
	Size  int64
	MTime time.Time
}

// Store is the external content-addressed collaborator a Content
// version's Commit reaches through version.CommitContext.RestoreContent.
// It is deliberately outside the version/artifact packages so those
// stay free of any dependency on a persistence layout.
type Store struct {
	root string

	// statCache memoizes the last StatSnapshot observed for a path, so
	// Digest can skip re-hashing files the runner has already seen
	// unchanged this build. This is a performance aid only: eviction
	// or a cold cache never changes the digest computed, only whether
	// it was recomputed.
	statCache *lru.Cache[string, cachedDigest]
}

type cachedDigest struct {
	Snapshot StatSnapshot
	Digest   string
	Size     int64
	MTime    time.Time
}

// New creates a Store rooted at dir, with a bounded front cache of
// cacheSize recently digested paths.
func New(dir string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New[string, cachedDigest](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: creating stat cache: %w", err)
	}
	return &Store{root: dir, statCache: c}, nil
}

// Digest hashes path's current content, returning the digest, size,
// and mtime observed. If the front cache holds an entry whose
// StatSnapshot (size, mtime) still matches the live file, the cached
// digest is returned without re-reading the file.
func (s *Store) Digest(path string) (digest string, size int64, mtime time.Time, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, time.Time{}, err
	}
	snap := StatSnapshot{Size: info.Size(), MTime: info.ModTime()}

	if cached, ok := s.statCache.Get(path); ok && cached.Snapshot == snap {
		return cached.Digest, cached.Size, cached.MTime, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, time.Time{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, time.Time{}, err
	}
	digest = hex.EncodeToString(h.Sum(nil))

	s.statCache.Add(path, cachedDigest{Snapshot: snap, Digest: digest, Size: snap.Size, MTime: snap.MTime})
	return digest, snap.Size, snap.MTime, nil
}

// Save copies path's current content into the store, keyed by its
// digest, and returns that digest as the saved handle. A digest
// already present in the store is left untouched (content-addressed
// storage is naturally idempotent).
func (s *Store) Save(path string) (handle string, err error) {
	digest, _, _, err := s.Digest(path)
	if err != nil {
		return "", err
	}
	blobPath := s.blobPath(digest)
	if _, err := os.Stat(blobPath); err == nil {
		return digest, nil
	}

	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return "", fmt.Errorf("fingerprint: creating shard dir: %w", err)
	}
	if err := copyFileAtomic(path, blobPath); err != nil {
		return "", fmt.Errorf("fingerprint: saving %s: %w", path, err)
	}
	return digest, nil
}

// Restore writes the content saved under handleOrDigest to path,
// atomically. It is the function threaded into version.CommitContext.
func (s *Store) Restore(handleOrDigest, path string) error {
	blobPath := s.blobPath(handleOrDigest)
	if _, err := os.Stat(blobPath); err != nil {
		return fmt.Errorf("fingerprint: no saved content for %s: %w", handleOrDigest, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("fingerprint: creating destination dir: %w", err)
	}
	return copyFileAtomic(blobPath, path)
}

// blobPath returns the two-level sharded path for digest.
func (s *Store) blobPath(digest string) string {
	if len(digest) < 2 {
		return filepath.Join(s.root, digest)
	}
	return filepath.Join(s.root, digest[:2], digest)
}

// copyFileAtomic copies src to dst via a temp file in dst's directory,
// fsync, then rename, so a crash mid-copy never leaves a truncated
// blob at the canonical path.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, filepath.Base(dst)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	committed = true
	return nil
}
