// Package fetch downloads and checksum-verifies toolchain archives,
// keeping verified copies in an on-disk cache shared across process
// invocations.
package fetch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Entry is one verified archive in the cache.
type Entry struct {
	Path     string
	Checksum string
}

// Store is the on-disk archive cache. Each key owns a subdirectory holding
// the archive, a ".sha256" sidecar with the verified digest, and the cached
// checksum manifest. Files are committed by temp-write plus rename, so an
// entry is either absent or complete; an advisory lock serialises writers
// across processes.
type Store struct {
	Dir string
}

// Lookup returns the cached entry for key/filename if it was previously
// committed with a verified checksum.
func (s *Store) Lookup(key, filename string) (Entry, bool) {
	path := filepath.Join(s.Dir, key, filename)
	if _, err := os.Stat(path); err != nil {
		return Entry{}, false
	}
	sum, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return Entry{}, false
	}
	checksum := strings.TrimSpace(string(sum))
	if checksum == "" {
		return Entry{}, false
	}
	return Entry{Path: path, Checksum: checksum}, true
}

// Commit moves a verified download into the cache slot and records its
// checksum. The source file must live on the same filesystem as the cache;
// TempFile arranges that.
func (s *Store) Commit(key, filename, srcPath, checksum string) (Entry, error) {
	dir := filepath.Join(s.Dir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, err
	}

	dest := filepath.Join(dir, filename)
	sidecar := dest + ".sha256"

	// Sidecar first: a missing sidecar makes a half-committed entry
	// invisible to Lookup.
	if err := os.Remove(sidecar); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Entry{}, err
	}
	if err := os.Rename(srcPath, dest); err != nil {
		return Entry{}, err
	}
	if err := writeFileAtomic(sidecar, []byte(checksum+"\n")); err != nil {
		return Entry{}, err
	}
	return Entry{Path: dest, Checksum: checksum}, nil
}

// Invalidate removes the cached archive and its sidecar for key/filename.
func (s *Store) Invalidate(key, filename string) error {
	dest := filepath.Join(s.Dir, key, filename)
	for _, path := range []string{dest + ".sha256", dest} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// TempFile creates a scratch file inside the key's cache directory so a
// later Commit is a same-filesystem rename.
func (s *Store) TempFile(key, pattern string) (*os.File, error) {
	dir := filepath.Join(s.Dir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, pattern)
}

// ManifestPath is where the checksum manifest for key is cached.
func (s *Store) ManifestPath(key string) string {
	return filepath.Join(s.Dir, key, "sha256sums")
}

// Lock takes the advisory lock for key, blocking until it is available.
// The returned function releases it.
func (s *Store) Lock(key string) (func(), error) {
	dir := filepath.Join(s.Dir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	lockFile, err := os.OpenFile(filepath.Join(dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open cache lock: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("acquire cache lock: %w", err)
	}
	return func() {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
