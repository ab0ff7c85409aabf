package pipeline

import (
	"path/filepath"
	"time"
)

// BuildRequest describes one image build. Constructed once at startup and
// never mutated afterwards.
type BuildRequest struct {
	Profile  string
	Target   string // platform/subtarget
	Version  string
	Packages []string // ordered add/remove tokens, "-name" removes

	PatchesDir  string
	FilesDir    string
	PackagesDir string
	BinDir      string

	// DefaultsFile points at the optional defaults document (JSON or YAML).
	DefaultsFile string

	// KeepWorkingTree leaves the extracted toolchain on disk for inspection.
	KeepWorkingTree bool

	// Timeout bounds the toolchain invocation; zero means no limit.
	Timeout time.Duration
}

// ArchiveDescriptor identifies one toolchain distribution unit on the
// download host.
type ArchiveDescriptor struct {
	Platform  string
	Subtarget string
	Version   string

	Filename   string
	ArchiveURL string
	SumsURL    string
}

// Target returns the slash-joined platform/subtarget pair.
func (d ArchiveDescriptor) Target() string {
	return d.Platform + "/" + d.Subtarget
}

// CacheKey identifies the descriptor's slot in the archive cache.
func (d ArchiveDescriptor) CacheKey() string {
	return d.Platform + "-" + d.Subtarget + "-" + d.Version
}

// VerificationState tracks whether a fetched archive matched its manifest
// checksum.
type VerificationState int

const (
	Unverified VerificationState = iota
	Verified
	Corrupt
)

// ToolchainArchive is one fetched distribution unit. Created by the
// resolver, populated by the fetcher, consumed read-only by the extractor.
type ToolchainArchive struct {
	Descriptor ArchiveDescriptor
	LocalPath  string
	Checksum   string
	State      VerificationState
}

// WorkingTree is the extracted, mutable toolchain directory for one build.
// Owned exclusively by a single pipeline run.
type WorkingTree struct {
	ID   string
	Root string
}

// OverlayDir is where the file overlay is staged inside the tree.
func (t WorkingTree) OverlayDir() string {
	return filepath.Join(t.Root, "files")
}

// PackageFeedDir is the toolchain's local package feed.
func (t WorkingTree) PackageFeedDir() string {
	return filepath.Join(t.Root, "packages")
}

// OutputDir is where the toolchain deposits built images.
func (t WorkingTree) OutputDir(d ArchiveDescriptor) string {
	return filepath.Join(t.Root, "bin", "targets", d.Platform, d.Subtarget)
}

// Overlay records what OverlayComposer staged into the working tree.
type Overlay struct {
	FilesStaged     bool
	FilesDir        string // staged location inside the tree
	PackagesIndexed int
	PackagesSkipped []string // ipk files rejected as invalid
}

// BuildParameters is the merged configuration handed to the invoker.
type BuildParameters struct {
	Profile  string
	Packages []string // concatenated defaults + explicit tokens
	// Variables are extra K=V assignments passed through to the toolchain.
	Variables map[string]string
}

// Invocation captures the outcome of one toolchain subprocess run.
type Invocation struct {
	ExitCode       int
	DiagnosticTail string
}

// BuildResult is the final outcome of a pipeline run.
type BuildResult struct {
	ID             string
	ExitCode       int
	Artifacts      []string // paths copied into the request's bin dir
	DiagnosticTail string
	Duration       time.Duration
}
