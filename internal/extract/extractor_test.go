package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

type entry struct {
	name     string
	body     string
	mode     int64
	typeflag byte
	linkname string
}

func writeArchive(t *testing.T, dir string, entries []entry) pipeline.ToolchainArchive {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, e := range entries {
		flag := e.typeflag
		if flag == 0 {
			flag = tar.TypeReg
		}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		header := &tar.Header{
			Name:     e.name,
			Mode:     mode,
			Typeflag: flag,
			Linkname: e.linkname,
			Size:     int64(len(e.body)),
		}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("write header %s: %v", e.name, err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("write body %s: %v", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := xw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "toolchain.tar.xz")
	if err := os.WriteFile(path, xzBuf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return pipeline.ToolchainArchive{
		Descriptor: pipeline.ArchiveDescriptor{Filename: "toolchain.tar.xz"},
		LocalPath:  path,
		State:      pipeline.Verified,
	}
}

func TestExtractStripsTopDirAndPreservesModes(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, t.TempDir(), []entry{
		{name: "toolchain-1.0/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "toolchain-1.0/Makefile", body: "all:\n"},
		{name: "toolchain-1.0/scripts/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "toolchain-1.0/scripts/build.sh", body: "#!/bin/sh\n", mode: 0o755},
	})

	dest := filepath.Join(t.TempDir(), "tree")
	extractor := &Extractor{}
	if err := extractor.Extract(context.Background(), archive, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "Makefile"))
	if err != nil {
		t.Fatalf("Makefile not extracted at tree root: %v", err)
	}
	if string(data) != "all:\n" {
		t.Fatalf("unexpected Makefile content %q", data)
	}

	info, err := os.Stat(filepath.Join(dest, "scripts", "build.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Fatalf("executable bit lost: %v", info.Mode())
	}
}

func TestExtractRemovesStaleContents(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "tree")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dest, "leftover.bin")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	archive := writeArchive(t, t.TempDir(), []entry{
		{name: "toolchain-1.0/Makefile", body: "all:\n"},
	})

	if err := (&Extractor{}).Extract(context.Background(), archive, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived re-extraction")
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	t.Parallel()

	cases := map[string][]entry{
		"dotdot name": {
			{name: "toolchain-1.0/../../escape", body: "x"},
		},
		"leading dotdot": {
			{name: "../escape", body: "x"},
		},
		"absolute symlink": {
			{name: "toolchain-1.0/link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"},
		},
		"escaping symlink": {
			{name: "toolchain-1.0/link", typeflag: tar.TypeSymlink, linkname: "../../outside"},
		},
	}

	for name, entries := range cases {
		archive := writeArchive(t, t.TempDir(), entries)
		dest := filepath.Join(t.TempDir(), "tree")

		err := (&Extractor{}).Extract(context.Background(), archive, dest)
		var unsafe *pipeline.UnsafeArchiveEntryError
		if !errors.As(err, &unsafe) {
			t.Fatalf("%s: expected UnsafeArchiveEntryError, got %v", name, err)
		}
	}
}

func TestExtractRefusesUnverifiedArchive(t *testing.T) {
	t.Parallel()

	archive := writeArchive(t, t.TempDir(), []entry{
		{name: "toolchain-1.0/Makefile", body: "all:\n"},
	})
	archive.State = pipeline.Unverified

	err := (&Extractor{}).Extract(context.Background(), archive, filepath.Join(t.TempDir(), "tree"))
	if err == nil {
		t.Fatalf("expected error extracting unverified archive")
	}
}
