package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgewrt/forgewrt/config"
	"github.com/forgewrt/forgewrt/internal/logging"
	"github.com/forgewrt/forgewrt/internal/pipeline"
)

// BuildFunc runs one build; swappable so tests avoid the real pipeline.
type BuildFunc func(ctx context.Context, opts config.Options, logger *slog.Logger) (pipeline.BuildResult, error)

// defaultJobRetention is how long finished builds stay queryable before
// being pruned from the job table.
const defaultJobRetention = time.Hour

// Server accepts control-protocol connections and runs builds in the
// background, one goroutine per build.
type Server struct {
	socketPath string
	logger     *slog.Logger
	build      BuildFunc
	retention  time.Duration

	mu   sync.Mutex
	jobs map[string]*job
}

type job struct {
	status BuildStatus
	cancel context.CancelFunc
}

// New constructs a server listening on socketPath once started.
func New(socketPath string, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		socketPath: socketPath,
		logger:     logging.Ensure(logger).With("component", "daemon"),
		build:      config.Build,
		retention:  defaultJobRetention,
		jobs:       map[string]*job{},
	}
}

// Start listens on the control socket and serves until ctx is cancelled.
// Builds still running at shutdown are cancelled with the context.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("daemon listening", "socket", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var request IPCRequest
	if err := json.NewDecoder(conn).Decode(&request); err != nil {
		s.logger.Warn("malformed request", "error", err)
		json.NewEncoder(conn).Encode(IPCResponse{Error: "malformed request"})
		return
	}

	response := s.dispatch(ctx, request)
	if err := json.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, request IPCRequest) IPCResponse {
	switch request.Command {
	case CommandStart:
		var req StartBuildRequest
		if err := json.Unmarshal(request.Payload, &req); err != nil {
			return IPCResponse{Error: "malformed start payload"}
		}
		id, err := s.startBuild(ctx, req)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		return IPCResponse{OK: true, Data: map[string]string{"id": id}}

	case CommandStatus:
		id, err := payloadID(request.Payload)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		status, ok := s.statusOf(id)
		if !ok {
			return IPCResponse{Error: fmt.Sprintf("unknown build %s", id)}
		}
		return IPCResponse{OK: true, Data: status}

	case CommandCancel:
		id, err := payloadID(request.Payload)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		if err := s.cancelBuild(id); err != nil {
			return IPCResponse{Error: err.Error()}
		}
		return IPCResponse{OK: true}

	case CommandList:
		return IPCResponse{OK: true, Data: s.list()}

	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command %q", request.Command)}
	}
}

func (s *Server) startBuild(ctx context.Context, req StartBuildRequest) (string, error) {
	if req.Target == "" {
		return "", fmt.Errorf("target is required")
	}

	id := uuid.NewString()
	buildCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.pruneLocked(time.Now())
	s.jobs[id] = &job{
		cancel: cancel,
		status: BuildStatus{
			ID:        id,
			Target:    req.Target,
			Version:   req.Version,
			Profile:   req.Profile,
			Running:   true,
			StartedAt: time.Now(),
		},
	}
	s.mu.Unlock()

	opts := config.Options{
		Profile:      req.Profile,
		Target:       req.Target,
		Version:      req.Version,
		Packages:     req.Packages,
		PatchesDir:   req.PatchesDir,
		FilesDir:     req.FilesDir,
		PackagesDir:  req.PackagesDir,
		BinDir:       req.BinDir,
		DefaultsFile: req.DefaultsFile,
		CacheDir:     req.CacheDir,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
	}

	logger := s.logger.With("build", id, "target", req.Target)
	logger.Info("build scheduled")

	go func() {
		defer cancel()
		result, err := s.build(buildCtx, opts, logger)
		s.finish(id, result, err)
	}()

	return id, nil
}

func (s *Server) finish(id string, result pipeline.BuildResult, err error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return
	}
	entry.status.Running = false
	entry.status.FinishedAt = &now
	entry.status.Artifacts = result.Artifacts
	if err != nil {
		entry.status.Error = err.Error()
		entry.status.Canceled = pipeline.Cancelled(err)
	}
}

func (s *Server) cancelBuild(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("unknown build %s", id)
	}
	if !entry.status.Running {
		return fmt.Errorf("build %s already finished", id)
	}
	entry.cancel()
	return nil
}

func (s *Server) statusOf(id string) (BuildStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	if !ok {
		return BuildStatus{}, false
	}
	return entry.status, true
}

func (s *Server) list() []BuildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())

	statuses := make([]BuildStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].StartedAt.Before(statuses[j].StartedAt)
	})
	return statuses
}

// pruneLocked drops finished builds older than the retention window so
// the job table stays bounded on a long-lived daemon. Caller holds s.mu.
func (s *Server) pruneLocked(now time.Time) {
	for id, entry := range s.jobs {
		if entry.status.Running || entry.status.FinishedAt == nil {
			continue
		}
		if now.Sub(*entry.status.FinishedAt) >= s.retention {
			delete(s.jobs, id)
		}
	}
}

func payloadID(payload json.RawMessage) (string, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.ID == "" {
		return "", fmt.Errorf("build id is required")
	}
	return body.ID, nil
}
