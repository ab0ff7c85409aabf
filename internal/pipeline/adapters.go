package pipeline

import "context"

// VersionResolver turns a (target, version) pair into an archive
// descriptor on the distribution host.
type VersionResolver interface {
	Resolve(target, version string) (ArchiveDescriptor, error)
}

// ArtifactFetcher returns a verified local copy of the described archive,
// consulting its cache before touching the network.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, desc ArchiveDescriptor) (ToolchainArchive, error)
}

// EnvironmentExtractor unpacks a verified archive into a clean working
// tree root.
type EnvironmentExtractor interface {
	Extract(ctx context.Context, archive ToolchainArchive, dest string) error
}

// PatchApplier applies the patch set from patchesDir to the tree in
// lexical filename order, all-or-nothing per patch. Returns the applied
// patch filenames.
type PatchApplier interface {
	Apply(ctx context.Context, tree WorkingTree, patchesDir string) ([]string, error)
}

// OverlayComposer merges the user file and package overlays into the tree.
type OverlayComposer interface {
	Compose(ctx context.Context, tree WorkingTree, filesDir, packagesDir string) (Overlay, error)
}

// ConfigMerger folds the optional defaults document into the explicit
// request values.
type ConfigMerger interface {
	Merge(request BuildRequest) (BuildParameters, error)
}

// BuildInvoker runs the toolchain build in the prepared tree.
type BuildInvoker interface {
	Invoke(ctx context.Context, tree WorkingTree, params BuildParameters, overlay Overlay) (Invocation, error)
}

// ArtifactCollector harvests produced artifacts from the tree's output
// location into binDir.
type ArtifactCollector interface {
	Collect(ctx context.Context, tree WorkingTree, desc ArchiveDescriptor, binDir string) ([]string, error)
}
