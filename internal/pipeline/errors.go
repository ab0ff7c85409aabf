package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the pipeline phase an error escaped from.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageMerge   Stage = "merge"
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StagePatch   Stage = "patch"
	StageOverlay Stage = "overlay"
	StageBuild   Stage = "build"
	StageCollect Stage = "collect"
)

// StageError tags a failure with the stage that produced it so callers can
// report and classify it without re-running.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func failure(stage Stage, err error) (BuildResult, error) {
	return BuildResult{}, &StageError{Stage: stage, Err: err}
}

// Class groups failures for exit-code reporting.
type Class int

const (
	ClassUnknown Class = iota
	ClassConfiguration
	ClassFetch
	ClassPatch
	ClassOverlay
	ClassBuild
	ClassCollection
)

// Classify maps an error to its failure class. Unwrapped or foreign errors
// report ClassUnknown.
func Classify(err error) Class {
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		return ClassUnknown
	}
	switch stageErr.Stage {
	case StageResolve, StageMerge:
		return ClassConfiguration
	case StageFetch, StageExtract:
		return ClassFetch
	case StagePatch:
		return ClassPatch
	case StageOverlay:
		return ClassOverlay
	case StageBuild:
		return ClassBuild
	case StageCollect:
		return ClassCollection
	}
	return ClassUnknown
}

// InvalidTargetError reports a target that is not a platform/subtarget pair.
type InvalidTargetError struct {
	Target string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target %q: expected platform/subtarget", e.Target)
}

// InvalidVersionError reports a version string matching neither the
// snapshot nor the release naming scheme.
type InvalidVersionError struct {
	Version string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %q: expected a release tag or snapshot marker", e.Version)
}

// NotFoundError reports a download URL that does not exist; it is never
// retried.
type NotFoundError struct {
	URL    string
	Status int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s (status %d)", e.URL, e.Status)
}

// IntegrityError reports a checksum mismatch between a downloaded archive
// and the manifest.
type IntegrityError struct {
	Filename string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Filename, e.Expected, e.Actual)
}

// UnsafeArchiveEntryError reports an archive member that would escape the
// extraction directory.
type UnsafeArchiveEntryError struct {
	Name string
}

func (e *UnsafeArchiveEntryError) Error() string {
	return fmt.Sprintf("unsafe archive entry %q", e.Name)
}

// PatchFailedError reports the first patch in the set that did not apply.
type PatchFailedError struct {
	File   string
	Reason string
}

func (e *PatchFailedError) Error() string {
	return fmt.Sprintf("patch %s failed: %s", e.File, e.Reason)
}

// UnsupportedPatchFormatError reports a patch file that is not a unified
// diff.
type UnsupportedPatchFormatError struct {
	File string
}

func (e *UnsupportedPatchFormatError) Error() string {
	return fmt.Sprintf("patch %s is not a unified diff", e.File)
}

// InvalidPackageFileError reports one overlay package with an unreadable
// header. Other packages in the overlay are unaffected.
type InvalidPackageFileError struct {
	File string
	Err  error
}

func (e *InvalidPackageFileError) Error() string {
	return fmt.Sprintf("invalid package file %s: %v", e.File, e.Err)
}

func (e *InvalidPackageFileError) Unwrap() error { return e.Err }

// InvalidDefaultsDocumentError reports an unparseable defaults document.
type InvalidDefaultsDocumentError struct {
	Path string
	Err  error
}

func (e *InvalidDefaultsDocumentError) Error() string {
	return fmt.Sprintf("defaults document %s is not parseable: %v", e.Path, e.Err)
}

func (e *InvalidDefaultsDocumentError) Unwrap() error { return e.Err }

// ConflictingDefaultsError reports a defaults document trying to re-target
// the build.
type ConflictingDefaultsError struct {
	Key           string
	DocumentValue string
	RequestValue  string
}

func (e *ConflictingDefaultsError) Error() string {
	return fmt.Sprintf("defaults document sets %s=%q, conflicting with requested %q", e.Key, e.DocumentValue, e.RequestValue)
}

// BuildFailedError reports a non-zero toolchain exit. Build failures are
// deterministic for a given tree and are never retried.
type BuildFailedError struct {
	ExitCode int
}

func (e *BuildFailedError) Error() string {
	return fmt.Sprintf("toolchain build failed with exit code %d", e.ExitCode)
}

// ErrBuildCancelled reports a build terminated by cancellation or timeout,
// distinct from a build failure.
var ErrBuildCancelled = errors.New("build cancelled")

// NoArtifactsProducedError reports a zero-exit build that left nothing in
// the output tree.
type NoArtifactsProducedError struct {
	Dir string
}

func (e *NoArtifactsProducedError) Error() string {
	return fmt.Sprintf("build succeeded but produced no artifacts in %s", e.Dir)
}
