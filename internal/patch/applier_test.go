package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

const goodPatch = `--- greeting.txt
+++ greeting.txt
@@ -1 +1 @@
-hello
+goodbye
`

// fakeRunner records invocations and fails for configured patch files.
type fakeRunner struct {
	calls    []string
	failFile string
}

func (r *fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, strings.Join(args, " "))
	path := args[len(args)-1]
	if r.failFile != "" && filepath.Base(path) == r.failFile {
		return []byte("1 out of 1 hunk FAILED"), fmt.Errorf("exit status 1")
	}
	return nil, nil
}

func writePatches(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(goodPatch), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestApplyOrdersPatchesLexically(t *testing.T) {
	t.Parallel()

	// Written out of order on purpose.
	dir := writePatches(t, "0002-b.patch", "0001-a.patch", "0010-c.patch")
	runner := &fakeRunner{}
	applier := &Applier{Runner: runner}

	applied, err := applier.Apply(context.Background(), pipeline.WorkingTree{Root: t.TempDir()}, dir)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	want := []string{"0001-a.patch", "0002-b.patch", "0010-c.patch"}
	if len(applied) != len(want) {
		t.Fatalf("applied %v, want %v", applied, want)
	}
	for i, name := range want {
		if applied[i] != name {
			t.Fatalf("applied %v, want %v", applied, want)
		}
	}

	// Each patch runs twice: dry run, then commit.
	if len(runner.calls) != 6 {
		t.Fatalf("expected 6 patch invocations, got %d: %v", len(runner.calls), runner.calls)
	}
	if !strings.HasPrefix(runner.calls[0], "--dry-run ") {
		t.Fatalf("first invocation must be a dry run: %q", runner.calls[0])
	}
}

func TestApplyAbortsOnFirstFailure(t *testing.T) {
	t.Parallel()

	dir := writePatches(t, "0001-a.patch", "0002-b.patch", "0003-c.patch")
	runner := &fakeRunner{failFile: "0002-b.patch"}
	applier := &Applier{Runner: runner}

	applied, err := applier.Apply(context.Background(), pipeline.WorkingTree{Root: t.TempDir()}, dir)

	var failed *pipeline.PatchFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected PatchFailedError, got %v", err)
	}
	if failed.File != "0002-b.patch" {
		t.Fatalf("failure names %q, want 0002-b.patch", failed.File)
	}
	if !strings.Contains(failed.Reason, "FAILED") {
		t.Fatalf("reason should carry patch output, got %q", failed.Reason)
	}
	if len(applied) != 1 || applied[0] != "0001-a.patch" {
		t.Fatalf("only the first patch should be committed, got %v", applied)
	}
}

func TestApplyMissingDirectoryIsNoop(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	applier := &Applier{Runner: runner}

	applied, err := applier.Apply(context.Background(), pipeline.WorkingTree{Root: t.TempDir()},
		filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(applied) != 0 || len(runner.calls) != 0 {
		t.Fatalf("missing patches dir must be a no-op")
	}
}

func TestApplyRejectsNonUnifiedDiff(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001-bad.patch"), []byte("this is not a diff\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	applier := &Applier{Runner: &fakeRunner{}}
	_, err := applier.Apply(context.Background(), pipeline.WorkingTree{Root: t.TempDir()}, dir)

	var unsupported *pipeline.UnsupportedPatchFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedPatchFormatError, got %v", err)
	}
	if unsupported.File != "0001-bad.patch" {
		t.Fatalf("error names %q", unsupported.File)
	}
}

// TestApplyWithRealPatchBinary exercises the exec runner end to end when
// patch(1) is installed.
func TestApplyWithRealPatchBinary(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("patch"); err != nil {
		t.Skip("patch binary not available")
	}

	tree := pipeline.WorkingTree{Root: t.TempDir()}
	if err := os.WriteFile(filepath.Join(tree.Root, "greeting.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := writePatches(t, "0001-greeting.patch")

	applier := &Applier{}
	applied, err := applier.Apply(context.Background(), tree, dir)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied = %v", applied)
	}

	data, err := os.ReadFile(filepath.Join(tree.Root, "greeting.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "goodbye\n" {
		t.Fatalf("patch not applied, file reads %q", data)
	}
}
