// Package daemon runs image builds in the background behind a
// unix-socket control protocol: one JSON request and one JSON response
// per connection.
package daemon

import (
	"encoding/json"
	"time"
)

// DefaultSocketPath is where the daemon listens unless overridden.
const DefaultSocketPath = "/var/run/forgewrt/daemon.sock"

// Command selects the daemon operation.
type Command string

const (
	CommandStart  Command = "start"
	CommandStatus Command = "status"
	CommandCancel Command = "cancel"
	CommandList   Command = "list"
)

// IPCRequest is the single request sent per connection.
type IPCRequest struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse is the single response sent per connection.
type IPCResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// StartBuildRequest is the payload for CommandStart.
type StartBuildRequest struct {
	Profile  string   `json:"profile,omitempty"`
	Target   string   `json:"target"`
	Version  string   `json:"version,omitempty"`
	Packages []string `json:"packages,omitempty"`

	PatchesDir   string `json:"patches_dir,omitempty"`
	FilesDir     string `json:"files_dir,omitempty"`
	PackagesDir  string `json:"packages_dir,omitempty"`
	BinDir       string `json:"bin_dir,omitempty"`
	DefaultsFile string `json:"json_file,omitempty"`

	CacheDir       string `json:"cache_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// BuildStatus describes one build managed by the daemon.
type BuildStatus struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Version  string `json:"version"`
	Profile  string `json:"profile,omitempty"`
	Running  bool   `json:"running"`
	Error    string `json:"error,omitempty"`
	Canceled bool   `json:"canceled,omitempty"`

	Artifacts []string `json:"artifacts,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
