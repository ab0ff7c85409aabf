// Package config wires the default component implementations into a
// ready-to-run build pipeline.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/forgewrt/forgewrt/internal/collect"
	"github.com/forgewrt/forgewrt/internal/extract"
	"github.com/forgewrt/forgewrt/internal/fetch"
	"github.com/forgewrt/forgewrt/internal/invoke"
	"github.com/forgewrt/forgewrt/internal/logging"
	"github.com/forgewrt/forgewrt/internal/merge"
	"github.com/forgewrt/forgewrt/internal/overlay"
	"github.com/forgewrt/forgewrt/internal/patch"
	"github.com/forgewrt/forgewrt/internal/pipeline"
	"github.com/forgewrt/forgewrt/internal/resolve"
)

// Defaults mirror the conventional layout of a build checkout.
const (
	DefaultPatchesDir   = "./patches"
	DefaultFilesDir     = "./files"
	DefaultPackagesDir  = "./packages"
	DefaultBinDir       = "."
	DefaultDefaultsFile = "./image.json"
	DefaultVersion      = resolve.SnapshotVersion
)

// Options selects what to build. Zero values fall back to the defaults
// above; Target has no default and is required.
type Options struct {
	Profile  string
	Target   string
	Version  string
	Packages []string

	PatchesDir   string
	FilesDir     string
	PackagesDir  string
	BinDir       string
	DefaultsFile string

	// BaseURL overrides the distribution host.
	BaseURL string
	// CacheDir overrides the archive cache location.
	CacheDir string

	KeepWorkingTree bool
	Timeout         time.Duration
}

// Build runs the full pipeline for the given options using the default
// component implementations.
func Build(ctx context.Context, opts Options, logger *slog.Logger) (pipeline.BuildResult, error) {
	logger = logging.Ensure(logger).With("component", "config")

	if opts.Target == "" {
		return pipeline.BuildResult{}, fmt.Errorf("target is required")
	}

	cacheDir := opts.CacheDir
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return pipeline.BuildResult{}, fmt.Errorf("locate cache directory: %w", err)
		}
		cacheDir = filepath.Join(base, "forgewrt")
	}

	request := pipeline.BuildRequest{
		Profile:         opts.Profile,
		Target:          opts.Target,
		Version:         fallback(opts.Version, DefaultVersion),
		Packages:        opts.Packages,
		PatchesDir:      fallback(opts.PatchesDir, DefaultPatchesDir),
		FilesDir:        fallback(opts.FilesDir, DefaultFilesDir),
		PackagesDir:     fallback(opts.PackagesDir, DefaultPackagesDir),
		BinDir:          fallback(opts.BinDir, DefaultBinDir),
		DefaultsFile:    fallback(opts.DefaultsFile, DefaultDefaultsFile),
		KeepWorkingTree: opts.KeepWorkingTree,
		Timeout:         opts.Timeout,
	}

	service := &pipeline.Service{
		Logger:   logger.With("service", "pipeline"),
		Resolver: &resolve.Resolver{BaseURL: opts.BaseURL},
		Merger:   &merge.Merger{Logger: logger.With("stage", "merge")},
		Fetcher: &fetch.Fetcher{
			Logger: logger.With("stage", "fetch"),
			Cache:  &fetch.Store{Dir: cacheDir},
		},
		Extractor: &extract.Extractor{Logger: logger.With("stage", "extract")},
		Patcher:   &patch.Applier{Logger: logger.With("stage", "patch")},
		Composer:  &overlay.Composer{Logger: logger.With("stage", "overlay")},
		Invoker: &invoke.Invoker{
			Logger: logger.With("stage", "build"),
			Sink:   os.Stderr,
		},
		Collector: &collect.Collector{Logger: logger.With("stage", "collect")},
	}
	if err := service.Validate(); err != nil {
		return pipeline.BuildResult{}, err
	}

	return service.Run(ctx, request)
}

func fallback(value, def string) string {
	if value != "" {
		return value
	}
	return def
}
