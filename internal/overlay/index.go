package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/forgewrt/forgewrt/internal/fsutil"
)

// RegenerateIndex rebuilds the Packages and Packages.gz index over every
// readable ipk in feedDir so the toolchain's package resolver can discover
// them by name. Unreadable packages are left out of the index but do not
// abort regeneration.
func RegenerateIndex(feedDir string) error {
	ipks, err := fsutil.FindFilesByExtension(feedDir, ".ipk")
	if err != nil {
		return err
	}

	var index strings.Builder
	for _, path := range ipks {
		meta, err := ReadPackageMeta(path)
		if err != nil {
			slog.Warn("feed index skipping unreadable package", "package", filepath.Base(path), "error", err)
			continue
		}

		size, digest, err := fileSizeAndDigest(path)
		if err != nil {
			return err
		}

		index.WriteString(meta.Control)
		index.WriteByte('\n')
		fmt.Fprintf(&index, "Filename: %s\n", filepath.Base(path))
		fmt.Fprintf(&index, "Size: %d\n", size)
		fmt.Fprintf(&index, "SHA256sum: %s\n", digest)
		index.WriteByte('\n')
	}

	plain := filepath.Join(feedDir, "Packages")
	if err := os.WriteFile(plain, []byte(index.String()), 0o644); err != nil {
		return err
	}

	compressed, err := os.OpenFile(filepath.Join(feedDir, "Packages.gz"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(compressed)
	if _, err := gz.Write([]byte(index.String())); err != nil {
		gz.Close()
		compressed.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		compressed.Close()
		return err
	}
	return compressed.Close()
}

func fileSizeAndDigest(path string) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}
