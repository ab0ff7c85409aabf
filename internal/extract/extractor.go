// Package extract unpacks verified toolchain archives into a fresh
// working tree.
package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// Extractor implements pipeline.EnvironmentExtractor for tar.xz archives.
// The archive's single top-level directory is stripped so dest itself
// becomes the toolchain root.
type Extractor struct {
	Logger *slog.Logger
}

var _ pipeline.EnvironmentExtractor = (*Extractor)(nil)

// Extract unpacks the verified archive into dest. Any prior contents of
// dest are removed first so stale files from an earlier run cannot leak
// into the new build.
func (e *Extractor) Extract(ctx context.Context, archive pipeline.ToolchainArchive, dest string) error {
	if archive.State != pipeline.Verified {
		return fmt.Errorf("refusing to extract unverified archive %s", archive.Descriptor.Filename)
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear working tree: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create working tree: %w", err)
	}

	file, err := os.Open(archive.LocalPath)
	if err != nil {
		return err
	}
	defer file.Close()

	decompressed, err := xz.NewReader(file)
	if err != nil {
		return fmt.Errorf("open xz stream: %w", err)
	}

	e.logger().Debug("extracting archive", "archive", archive.LocalPath, "dest", dest)

	reader := tar.NewReader(decompressed)
	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		if err := e.writeEntry(dest, header, reader); err != nil {
			return err
		}
		entries++
	}

	e.logger().Debug("extraction complete", "entries", entries)
	return nil
}

func (e *Extractor) writeEntry(dest string, header *tar.Header, content io.Reader) error {
	if filepath.IsAbs(header.Name) || hasDotDot(header.Name) {
		return &pipeline.UnsafeArchiveEntryError{Name: header.Name}
	}

	rel, ok := stripTopDir(header.Name)
	if !ok {
		// The top-level directory entry itself.
		return nil
	}

	target, err := securePath(dest, header.Name, rel)
	if err != nil {
		return err
	}

	mode := header.FileInfo().Mode()
	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode.Perm())
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, content); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	case tar.TypeSymlink:
		if err := checkLinkTarget(dest, target, header.Linkname); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, target)
	case tar.TypeLink:
		linkRel, ok := stripTopDir(header.Linkname)
		if !ok {
			return &pipeline.UnsafeArchiveEntryError{Name: header.Name}
		}
		source, err := securePath(dest, header.Name, linkRel)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Link(source, target)
	default:
		// Character/block devices and fifos have no place in a build
		// toolchain archive.
		return &pipeline.UnsafeArchiveEntryError{Name: header.Name}
	}
}

// stripTopDir removes the archive's leading directory component. It
// returns false for the top-level directory entry itself.
func stripTopDir(name string) (string, bool) {
	trimmed := strings.TrimPrefix(name, "./")
	idx := strings.Index(trimmed, "/")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimPrefix(trimmed[idx+1:], "/")
	if rest == "" {
		return "", false
	}
	return rest, true
}

// securePath joins rel onto dest, rejecting absolute names and traversal
// outside dest.
func securePath(dest, entryName, rel string) (string, error) {
	if filepath.IsAbs(rel) || filepath.IsAbs(entryName) {
		return "", &pipeline.UnsafeArchiveEntryError{Name: entryName}
	}
	target := filepath.Join(dest, rel)
	if !within(dest, target) {
		return "", &pipeline.UnsafeArchiveEntryError{Name: entryName}
	}
	return target, nil
}

// checkLinkTarget rejects symlinks whose resolved target escapes dest.
func checkLinkTarget(dest, linkPath, linkTarget string) error {
	if filepath.IsAbs(linkTarget) {
		return &pipeline.UnsafeArchiveEntryError{Name: linkPath}
	}
	resolved := filepath.Join(filepath.Dir(linkPath), linkTarget)
	if !within(dest, resolved) {
		return &pipeline.UnsafeArchiveEntryError{Name: linkPath}
	}
	return nil
}

func hasDotDot(name string) bool {
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
