// Package resolve maps a (target, version) pair onto the distribution
// host's URL layout for toolchain archives.
package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// DefaultBaseURL is the upstream firmware distribution host.
const DefaultBaseURL = "https://downloads.openwrt.org"

// SnapshotVersion selects the rolling development snapshot tree.
const SnapshotVersion = "SNAPSHOT"

var (
	releaseVersion = regexp.MustCompile(`^\d+\.\d+\.\d+(?:-rc\d+)?$`)
	branchSnapshot = regexp.MustCompile(`^\d+\.\d+-SNAPSHOT$`)
)

// Resolver implements pipeline.VersionResolver against a single
// distribution host.
type Resolver struct {
	// BaseURL overrides the distribution host, mainly for tests.
	BaseURL string
}

var _ pipeline.VersionResolver = (*Resolver)(nil)

// Resolve validates target and version and produces the archive
// descriptor. Snapshot versions live under the snapshots tree; release
// tags and branch snapshots under the versioned releases tree.
func (r *Resolver) Resolve(target, version string) (pipeline.ArchiveDescriptor, error) {
	platform, subtarget, err := SplitTarget(target)
	if err != nil {
		return pipeline.ArchiveDescriptor{}, err
	}

	base := r.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.TrimRight(base, "/")

	var dir, filename string
	switch {
	case version == SnapshotVersion:
		dir = fmt.Sprintf("%s/snapshots/targets/%s/%s", base, platform, subtarget)
		filename = fmt.Sprintf("openwrt-imagebuilder-%s-%s.Linux-x86_64.tar.xz", platform, subtarget)
	case releaseVersion.MatchString(version) || branchSnapshot.MatchString(version):
		dir = fmt.Sprintf("%s/releases/%s/targets/%s/%s", base, version, platform, subtarget)
		filename = fmt.Sprintf("openwrt-imagebuilder-%s-%s-%s.Linux-x86_64.tar.xz", version, platform, subtarget)
	default:
		return pipeline.ArchiveDescriptor{}, &pipeline.InvalidVersionError{Version: version}
	}

	return pipeline.ArchiveDescriptor{
		Platform:   platform,
		Subtarget:  subtarget,
		Version:    version,
		Filename:   filename,
		ArchiveURL: dir + "/" + filename,
		SumsURL:    dir + "/sha256sums",
	}, nil
}

// SplitTarget splits a platform/subtarget pair, rejecting anything that is
// not exactly two non-empty segments.
func SplitTarget(target string) (platform, subtarget string, err error) {
	parts := strings.Split(target, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &pipeline.InvalidTargetError{Target: target}
	}
	return parts[0], parts[1], nil
}
