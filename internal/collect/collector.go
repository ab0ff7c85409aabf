// Package collect harvests produced images and their accompanying
// checksum/manifest files out of the working tree.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/forgewrt/forgewrt/internal/fsutil"
	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// Collector implements pipeline.ArtifactCollector. The toolchain deposits
// its output under bin/targets/<platform>/<subtarget>; every regular file
// there is an artifact (images plus sha256sums/manifest files) and is
// copied verbatim into the request's bin dir.
type Collector struct {
	Logger *slog.Logger
}

var _ pipeline.ArtifactCollector = (*Collector)(nil)

// Collect copies the build's artifacts into binDir and returns their new
// paths. A zero-exit build that produced nothing is a toolchain contract
// violation, reported as NoArtifactsProducedError.
func (c *Collector) Collect(ctx context.Context, tree pipeline.WorkingTree, desc pipeline.ArchiveDescriptor, binDir string) ([]string, error) {
	outputDir := tree.OutputDir(desc)

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &pipeline.NoArtifactsProducedError{Dir: outputDir}
		}
		return nil, fmt.Errorf("scan output tree: %w", err)
	}

	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	var collected []string
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// The output dir also holds a packages/ subdirectory; only
		// top-level files are deliverables.
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}

		src := filepath.Join(outputDir, entry.Name())
		dest := filepath.Join(binDir, entry.Name())
		if err := fsutil.CopyFile(src, dest, info.Mode().Perm()); err != nil {
			return nil, fmt.Errorf("copy artifact %s: %w", entry.Name(), err)
		}
		c.logger().Info("artifact collected", "artifact", entry.Name())
		collected = append(collected, dest)
	}

	if len(collected) == 0 {
		return nil, &pipeline.NoArtifactsProducedError{Dir: outputDir}
	}

	sort.Strings(collected)
	return collected, nil
}

func (c *Collector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
