package collect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

var testDesc = pipeline.ArchiveDescriptor{Platform: "acme", Subtarget: "foo", Version: "23.05.0"}

func TestCollectCopiesArtifacts(t *testing.T) {
	t.Parallel()

	tree := pipeline.WorkingTree{Root: t.TempDir()}
	outputDir := tree.OutputDir(testDesc)
	if err := os.MkdirAll(filepath.Join(outputDir, "packages"), 0o755); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		"openwrt-23.05.0-acme-foo-devboard-squashfs-sysupgrade.bin": "image bytes",
		"sha256sums":    "checksums",
		"profiles.json": "{}",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// Feed content below the output dir is not a deliverable.
	if err := os.WriteFile(filepath.Join(outputDir, "packages", "extra.ipk"), []byte("pkg"), 0o644); err != nil {
		t.Fatal(err)
	}

	binDir := t.TempDir()
	collected, err := (&Collector{}).Collect(context.Background(), tree, testDesc, binDir)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(collected) != len(files) {
		t.Fatalf("collected %d artifacts, want %d: %v", len(collected), len(files), collected)
	}

	for name, body := range files {
		data, err := os.ReadFile(filepath.Join(binDir, name))
		if err != nil {
			t.Fatalf("artifact %s not copied: %v", name, err)
		}
		if string(data) != body {
			t.Fatalf("artifact %s content mismatch", name)
		}
	}
	if _, err := os.Stat(filepath.Join(binDir, "extra.ipk")); !os.IsNotExist(err) {
		t.Fatalf("feed package leaked into bin dir")
	}
}

func TestCollectEmptyOutputIsAnError(t *testing.T) {
	t.Parallel()

	tree := pipeline.WorkingTree{Root: t.TempDir()}

	// Missing output dir entirely.
	_, err := (&Collector{}).Collect(context.Background(), tree, testDesc, t.TempDir())
	var none *pipeline.NoArtifactsProducedError
	if !errors.As(err, &none) {
		t.Fatalf("expected NoArtifactsProducedError, got %v", err)
	}

	// Present but holding only directories.
	if err := os.MkdirAll(filepath.Join(tree.OutputDir(testDesc), "packages"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err = (&Collector{}).Collect(context.Background(), tree, testDesc, t.TempDir())
	if !errors.As(err, &none) {
		t.Fatalf("expected NoArtifactsProducedError, got %v", err)
	}
}
