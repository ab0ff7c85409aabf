package fetch

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStoreCommitAndLookup(t *testing.T) {
	t.Parallel()

	store := &Store{Dir: t.TempDir()}

	tmp, err := store.TempFile("acme-foo-1.0.0", "archive.part-*")
	if err != nil {
		t.Fatalf("TempFile() error = %v", err)
	}
	if _, err := tmp.WriteString("archive bytes"); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	tmp.Close()

	entry, err := store.Commit("acme-foo-1.0.0", "archive.tar.xz", tmp.Name(), "cafe")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if entry.Checksum != "cafe" {
		t.Fatalf("unexpected checksum %q", entry.Checksum)
	}

	got, ok := store.Lookup("acme-foo-1.0.0", "archive.tar.xz")
	if !ok {
		t.Fatalf("Lookup() missed committed entry")
	}
	if got.Path != entry.Path || got.Checksum != "cafe" {
		t.Fatalf("Lookup() = %+v, want %+v", got, entry)
	}
	if _, err := os.Stat(tmp.Name()); !os.IsNotExist(err) {
		t.Fatalf("temp file should be renamed away")
	}
}

func TestStoreLookupIgnoresEntriesWithoutSidecar(t *testing.T) {
	t.Parallel()

	store := &Store{Dir: t.TempDir()}
	dir := filepath.Join(store.Dir, "key")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// An archive without a digest sidecar is a half-committed entry.
	if err := os.WriteFile(filepath.Join(dir, "archive.tar.xz"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Lookup("key", "archive.tar.xz"); ok {
		t.Fatalf("Lookup() must ignore entries without a verified checksum")
	}
}

func TestStoreInvalidate(t *testing.T) {
	t.Parallel()

	store := &Store{Dir: t.TempDir()}
	tmp, err := store.TempFile("key", "a-*")
	if err != nil {
		t.Fatal(err)
	}
	tmp.WriteString("data")
	tmp.Close()
	if _, err := store.Commit("key", "a.tar.xz", tmp.Name(), "beef"); err != nil {
		t.Fatal(err)
	}

	if err := store.Invalidate("key", "a.tar.xz"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, ok := store.Lookup("key", "a.tar.xz"); ok {
		t.Fatalf("entry still visible after Invalidate()")
	}
	// Invalidating an absent entry is fine.
	if err := store.Invalidate("key", "a.tar.xz"); err != nil {
		t.Fatalf("second Invalidate() error = %v", err)
	}
}

func TestStoreLockIsReleased(t *testing.T) {
	t.Parallel()

	store := &Store{Dir: t.TempDir()}
	release, err := store.Lock("key")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	release()

	// A second acquisition must not block once released.
	release, err = store.Lock("key")
	if err != nil {
		t.Fatalf("re-Lock() error = %v", err)
	}
	release()
}
