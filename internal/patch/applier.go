// Package patch applies user-supplied unified diffs to the extracted
// working tree before the build runs.
package patch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forgewrt/forgewrt/internal/fsutil"
	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// Runner executes a patch command inside dir, returning its combined
// output. Swappable so tests can fake the patch binary.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// Applier implements pipeline.PatchApplier on top of patch(1). Each patch
// is trial-applied with --dry-run before it is committed, so a failing
// patch never leaves a half-applied file behind; patches committed before
// the failure stay committed and the whole build aborts.
type Applier struct {
	Logger *slog.Logger
	Runner Runner
}

var _ pipeline.PatchApplier = (*Applier)(nil)

// Apply applies every *.patch file under patchesDir in lexical filename
// order. A missing directory means no patches and is not an error.
func (a *Applier) Apply(ctx context.Context, tree pipeline.WorkingTree, patchesDir string) ([]string, error) {
	if patchesDir == "" {
		return nil, nil
	}

	patches, err := fsutil.FindFilesByExtension(patchesDir, ".patch")
	if err != nil {
		return nil, fmt.Errorf("enumerate patches: %w", err)
	}

	var applied []string
	for _, path := range patches {
		name := filepath.Base(path)
		if err := checkUnifiedDiff(path); err != nil {
			return applied, err
		}

		if out, err := a.run(ctx, tree.Root, true, path); err != nil {
			return applied, &pipeline.PatchFailedError{File: name, Reason: reason(out, err)}
		}
		if out, err := a.run(ctx, tree.Root, false, path); err != nil {
			// Dry run passed but the commit did not; report it the same way.
			return applied, &pipeline.PatchFailedError{File: name, Reason: reason(out, err)}
		}

		a.logger().Info("patch applied", "patch", name)
		applied = append(applied, name)
	}
	return applied, nil
}

func (a *Applier) run(ctx context.Context, dir string, dryRun bool, path string) ([]byte, error) {
	args := []string{"-p0", "-N", "-i", path}
	if dryRun {
		args = append([]string{"--dry-run"}, args...)
	}
	return a.runner().Run(ctx, dir, args...)
}

// checkUnifiedDiff rejects patch files that are not unified diffs before
// patch(1) ever sees them.
func checkUnifiedDiff(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read patch: %w", err)
	}
	if !bytes.Contains(data, []byte("\n--- ")) && !bytes.HasPrefix(data, []byte("--- ")) {
		return &pipeline.UnsupportedPatchFormatError{File: filepath.Base(path)}
	}
	if !bytes.Contains(data, []byte("\n+++ ")) {
		return &pipeline.UnsupportedPatchFormatError{File: filepath.Base(path)}
	}
	return nil
}

func reason(out []byte, err error) string {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return err.Error()
	}
	return text
}

func (a *Applier) runner() Runner {
	if a.Runner != nil {
		return a.Runner
	}
	return execRunner{}
}

func (a *Applier) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// execRunner invokes the system patch binary.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "patch", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
