// Package overlay merges the user's file and package overlays into the
// extracted working tree.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forgewrt/forgewrt/internal/fsutil"
	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// Composer implements pipeline.OverlayComposer. The file overlay is
// copied verbatim into the tree's rootfs staging area; packages are added
// to the tree's local feed and the feed index regenerated. A broken
// package skips only itself; a broken file copy fails the stage.
type Composer struct {
	Logger *slog.Logger
}

var _ pipeline.OverlayComposer = (*Composer)(nil)

// Compose performs both merges. Either directory may be absent, in which
// case its merge is skipped.
func (c *Composer) Compose(ctx context.Context, tree pipeline.WorkingTree, filesDir, packagesDir string) (pipeline.Overlay, error) {
	result := pipeline.Overlay{}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	staged, err := c.composeFiles(tree, filesDir)
	if err != nil {
		return result, err
	}
	result.FilesStaged = staged
	if staged {
		result.FilesDir = tree.OverlayDir()
	}

	indexed, skipped, err := c.composePackages(tree, packagesDir)
	if err != nil {
		return result, err
	}
	result.PackagesIndexed = indexed
	result.PackagesSkipped = skipped

	return result, nil
}

func (c *Composer) composeFiles(tree pipeline.WorkingTree, filesDir string) (bool, error) {
	if filesDir == "" {
		return false, nil
	}
	info, err := os.Stat(filesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat files overlay: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("files overlay %s is not a directory", filesDir)
	}

	if err := fsutil.CopyTree(filesDir, tree.OverlayDir()); err != nil {
		return false, fmt.Errorf("copy files overlay: %w", err)
	}
	c.logger().Info("file overlay staged", "source", filesDir, "dest", tree.OverlayDir())
	return true, nil
}

func (c *Composer) composePackages(tree pipeline.WorkingTree, packagesDir string) (int, []string, error) {
	if packagesDir == "" {
		return 0, nil, nil
	}
	ipks, err := fsutil.FindFilesByExtension(packagesDir, ".ipk")
	if err != nil {
		return 0, nil, fmt.Errorf("enumerate package overlay: %w", err)
	}
	if len(ipks) == 0 {
		return 0, nil, nil
	}

	feedDir := tree.PackageFeedDir()
	if err := os.MkdirAll(feedDir, 0o755); err != nil {
		return 0, nil, err
	}

	var skipped []string
	copied := 0
	for _, path := range ipks {
		if _, err := ReadPackageMeta(path); err != nil {
			c.logger().Warn("skipping invalid package file", "package", filepath.Base(path), "error", err)
			skipped = append(skipped, filepath.Base(path))
			continue
		}
		dest := filepath.Join(feedDir, filepath.Base(path))
		info, err := os.Stat(path)
		if err != nil {
			return 0, nil, err
		}
		if err := fsutil.CopyFile(path, dest, info.Mode().Perm()); err != nil {
			return 0, nil, fmt.Errorf("copy package %s: %w", filepath.Base(path), err)
		}
		copied++
		c.logger().Info("package staged in local feed", "package", filepath.Base(path))
	}

	if copied > 0 {
		if err := RegenerateIndex(feedDir); err != nil {
			return 0, nil, fmt.Errorf("regenerate feed index: %w", err)
		}
	}
	return copied, skipped, nil
}

func (c *Composer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
