package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Service runs the build pipeline: resolve, merge, fetch, extract, patch,
// overlay, build, collect. Stages run strictly in sequence and the first
// failure aborts everything downstream.
//
// Resolution and config merging are pure and therefore run before any
// network or filesystem mutation, so configuration errors never leave
// state behind.
type Service struct {
	Logger *slog.Logger

	Resolver  VersionResolver
	Merger    ConfigMerger
	Fetcher   ArtifactFetcher
	Extractor EnvironmentExtractor
	Patcher   PatchApplier
	Composer  OverlayComposer
	Invoker   BuildInvoker
	Collector ArtifactCollector

	// ScratchDir is where working trees are created. Empty means the
	// system temp directory.
	ScratchDir string
}

// Run executes the pipeline for a single request.
func (s *Service) Run(ctx context.Context, request BuildRequest) (BuildResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	logger := s.logger().With("run", runID, "target", request.Target, "version", request.Version)

	desc, err := s.Resolver.Resolve(request.Target, request.Version)
	if err != nil {
		return failure(StageResolve, err)
	}
	logger.Info("toolchain resolved", "archive", desc.Filename, "url", desc.ArchiveURL)

	params, err := s.Merger.Merge(request)
	if err != nil {
		return failure(StageMerge, err)
	}
	logger.Info("build parameters merged",
		"profile", params.Profile,
		"package_tokens", len(params.Packages),
		"variables", len(params.Variables),
	)

	archive, err := s.Fetcher.Fetch(ctx, desc)
	if err != nil {
		return failure(StageFetch, err)
	}
	logger.Info("toolchain archive verified", "path", archive.LocalPath, "sha256", archive.Checksum)

	tree := WorkingTree{
		ID:   runID,
		Root: filepath.Join(s.scratchDir(), "forgewrt-"+runID),
	}
	if !request.KeepWorkingTree {
		defer func() {
			if err := os.RemoveAll(tree.Root); err != nil {
				logger.Warn("working tree cleanup failed", "root", tree.Root, "error", err)
			}
		}()
	}

	if err := s.Extractor.Extract(ctx, archive, tree.Root); err != nil {
		return failure(StageExtract, err)
	}
	logger.Info("toolchain extracted", "root", tree.Root)

	applied, err := s.Patcher.Apply(ctx, tree, request.PatchesDir)
	if err != nil {
		return failure(StagePatch, err)
	}
	if len(applied) > 0 {
		logger.Info("patches applied", "count", len(applied))
	}

	overlay, err := s.Composer.Compose(ctx, tree, request.FilesDir, request.PackagesDir)
	if err != nil {
		return failure(StageOverlay, err)
	}
	logger.Info("overlays composed",
		"files_staged", overlay.FilesStaged,
		"packages_indexed", overlay.PackagesIndexed,
		"packages_skipped", len(overlay.PackagesSkipped),
	)

	buildCtx := ctx
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	logger.Info("starting toolchain build", "profile", params.Profile)
	invocation, err := s.Invoker.Invoke(buildCtx, tree, params, overlay)
	if err != nil {
		return failure(StageBuild, err)
	}
	logger.Info("toolchain build completed", "exit_code", invocation.ExitCode)

	artifacts, err := s.Collector.Collect(ctx, tree, desc, request.BinDir)
	if err != nil {
		return failure(StageCollect, err)
	}
	logger.Info("artifacts collected", "count", len(artifacts), "bin_dir", request.BinDir)

	return BuildResult{
		ID:             runID,
		ExitCode:       invocation.ExitCode,
		Artifacts:      artifacts,
		DiagnosticTail: invocation.DiagnosticTail,
		Duration:       time.Since(start),
	}, nil
}

// Validate checks that the service has every stage wired.
func (s *Service) Validate() error {
	missing := ""
	switch {
	case s.Resolver == nil:
		missing = "resolver"
	case s.Merger == nil:
		missing = "merger"
	case s.Fetcher == nil:
		missing = "fetcher"
	case s.Extractor == nil:
		missing = "extractor"
	case s.Patcher == nil:
		missing = "patcher"
	case s.Composer == nil:
		missing = "composer"
	case s.Invoker == nil:
		missing = "invoker"
	case s.Collector == nil:
		missing = "collector"
	}
	if missing != "" {
		return fmt.Errorf("pipeline service: %s is not configured", missing)
	}
	return nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) scratchDir() string {
	if s.ScratchDir != "" {
		return s.ScratchDir
	}
	return os.TempDir()
}

// Cancelled reports whether err represents a cancelled build rather than a
// deterministic build failure.
func Cancelled(err error) bool {
	return errors.Is(err, ErrBuildCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
