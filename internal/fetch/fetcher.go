package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

const (
	defaultAttempts  = 4
	defaultBaseDelay = 500 * time.Millisecond
)

// Fetcher implements pipeline.ArtifactFetcher. Downloads are verified
// against the distribution host's checksum manifest before the cache ever
// sees them; transient transport failures are retried with exponential
// backoff, missing resources are not.
type Fetcher struct {
	Logger *slog.Logger
	Client *http.Client
	Cache  *Store

	// Attempts bounds download tries per URL; zero means the default.
	Attempts int
	// BaseDelay is the first backoff interval; zero means the default.
	BaseDelay time.Duration
}

var _ pipeline.ArtifactFetcher = (*Fetcher)(nil)

// Fetch returns a verified local copy of the described archive. The cache
// entry is reused without network access when its recorded checksum still
// matches the manifest.
func (f *Fetcher) Fetch(ctx context.Context, desc pipeline.ArchiveDescriptor) (pipeline.ToolchainArchive, error) {
	if f.Cache == nil {
		return pipeline.ToolchainArchive{}, fmt.Errorf("fetch: cache store is not configured")
	}

	logger := f.logger().With("archive", desc.Filename)
	key := desc.CacheKey()

	unlock, err := f.Cache.Lock(key)
	if err != nil {
		return pipeline.ToolchainArchive{}, err
	}
	defer unlock()

	manifest, err := f.manifest(ctx, desc, key)
	if err != nil {
		return pipeline.ToolchainArchive{}, err
	}
	expected, err := ExpectedChecksum(manifest, desc.Filename)
	if err != nil {
		return pipeline.ToolchainArchive{}, err
	}

	if entry, ok := f.Cache.Lookup(key, desc.Filename); ok {
		if entry.Checksum == expected {
			logger.Debug("cache hit", "path", entry.Path)
			return pipeline.ToolchainArchive{
				Descriptor: desc,
				LocalPath:  entry.Path,
				Checksum:   entry.Checksum,
				State:      pipeline.Verified,
			}, nil
		}
		logger.Info("cached archive is stale, re-fetching", "cached_sha256", entry.Checksum, "manifest_sha256", expected)
		if err := f.Cache.Invalidate(key, desc.Filename); err != nil {
			return pipeline.ToolchainArchive{}, err
		}
	}

	logger.Info("downloading toolchain archive", "url", desc.ArchiveURL)
	tmp, err := f.Cache.TempFile(key, desc.Filename+".part-*")
	if err != nil {
		return pipeline.ToolchainArchive{}, err
	}
	defer os.Remove(tmp.Name())

	actual, err := f.downloadToFile(ctx, desc.ArchiveURL, tmp)
	tmp.Close()
	if err != nil {
		return pipeline.ToolchainArchive{}, err
	}

	if actual != expected {
		// Never let an unverified download become a cache entry.
		if err := os.Remove(tmp.Name()); err != nil {
			logger.Warn("removing corrupt download failed", "error", err)
		}
		return pipeline.ToolchainArchive{
				Descriptor: desc,
				State:      pipeline.Corrupt,
			}, &pipeline.IntegrityError{
				Filename: desc.Filename,
				Expected: expected,
				Actual:   actual,
			}
	}

	entry, err := f.Cache.Commit(key, desc.Filename, tmp.Name(), actual)
	if err != nil {
		return pipeline.ToolchainArchive{}, fmt.Errorf("commit cache entry: %w", err)
	}
	logger.Info("archive verified and cached", "path", entry.Path)

	return pipeline.ToolchainArchive{
		Descriptor: desc,
		LocalPath:  entry.Path,
		Checksum:   entry.Checksum,
		State:      pipeline.Verified,
	}, nil
}

// manifest returns the checksum manifest for the descriptor. Release
// manifests are immutable and reused from the cache; snapshot manifests
// change upstream and are always re-fetched.
func (f *Fetcher) manifest(ctx context.Context, desc pipeline.ArchiveDescriptor, key string) ([]byte, error) {
	path := f.Cache.ManifestPath(key)
	mutable := strings.Contains(desc.Version, "SNAPSHOT")
	if !mutable {
		if data, err := os.ReadFile(path); err == nil {
			return data, nil
		}
	}

	data, err := f.downloadBytes(ctx, desc.SumsURL)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("cache manifest: %w", err)
	}
	return data, nil
}

// ExpectedChecksum extracts the manifest line for filename. Manifest lines
// are "<hex digest> *<name>" or "<hex digest>  <name>".
func ExpectedChecksum(manifest []byte, filename string) (string, error) {
	for _, line := range strings.Split(string(manifest), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimPrefix(fields[1], "*")
		if name == filename {
			return strings.ToLower(fields[0]), nil
		}
	}
	return "", fmt.Errorf("checksum manifest has no entry for %s", filename)
}

func (f *Fetcher) downloadBytes(ctx context.Context, url string) ([]byte, error) {
	var buf []byte
	err := f.withRetry(ctx, url, func() error {
		resp, err := f.get(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		buf, err = io.ReadAll(resp.Body)
		return err
	})
	return buf, err
}

// downloadToFile streams the URL into file, returning the hex SHA-256 of
// the received bytes. Each retry restarts from an empty file.
func (f *Fetcher) downloadToFile(ctx context.Context, url string, file *os.File) (string, error) {
	var digest string
	err := f.withRetry(ctx, url, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := file.Truncate(0); err != nil {
			return err
		}

		resp, err := f.get(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		hasher := sha256.New()
		if _, err := io.Copy(io.MultiWriter(file, hasher), resp.Body); err != nil {
			return err
		}
		if err := file.Sync(); err != nil {
			return err
		}
		digest = hex.EncodeToString(hasher.Sum(nil))
		return nil
	})
	return digest, err
}

// get issues the request and folds status codes into the error model:
// 2xx passes, 4xx is a permanent NotFoundError, anything else is treated
// as transient.
func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &pipeline.NotFoundError{URL: url, Status: resp.StatusCode}
	}
	return nil, &transientError{url: url, status: resp.StatusCode}
}

func (f *Fetcher) withRetry(ctx context.Context, url string, attempt func() error) error {
	attempts := f.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	delay := f.BaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			f.logger().Warn("retrying download", "url", url, "attempt", i+1, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		err = attempt()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("download %s: %w (after %d attempts)", url, err, attempts)
}

// retryable reports whether the failure is worth another attempt. Missing
// resources and cancellations are permanent; transport errors, timeouts
// and server errors are transient.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var notFound *pipeline.NotFoundError
	if errors.As(err, &notFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

type transientError struct {
	url    string
	status int
}

func (e *transientError) Error() string {
	return fmt.Sprintf("server error %d from %s", e.status, e.url)
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
