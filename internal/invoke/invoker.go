// Package invoke runs the toolchain's own build program inside the
// prepared working tree.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forgewrt/forgewrt/internal/pipeline"
)

const defaultTailLimit = 64 * 1024

// Invoker implements pipeline.BuildInvoker by running `make image` with
// the merged parameters mapped onto the toolchain's documented variables.
// Subprocess output streams to Sink as it is produced; a bounded tail is
// retained for the build result.
type Invoker struct {
	Logger *slog.Logger

	// Sink receives the subprocess's stdout and stderr live. Defaults to
	// the process's stderr.
	Sink io.Writer

	// Program overrides the build program, mainly for tests. Defaults to
	// "make".
	Program string

	// TailLimit bounds the retained diagnostic tail in bytes.
	TailLimit int
}

var _ pipeline.BuildInvoker = (*Invoker)(nil)

// Invoke runs the build. Cancellation (including a request timeout)
// terminates the subprocess and reports ErrBuildCancelled; a non-zero
// exit reports BuildFailedError and is never retried.
func (inv *Invoker) Invoke(ctx context.Context, tree pipeline.WorkingTree, params pipeline.BuildParameters, overlay pipeline.Overlay) (pipeline.Invocation, error) {
	args := buildArgs(params, overlay)

	program := inv.Program
	if program == "" {
		program = "make"
	}

	tail := &tailWriter{limit: inv.tailLimit()}
	output := io.MultiWriter(inv.sink(), tail)

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = tree.Root
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = 10 * time.Second

	inv.logger().Info("invoking toolchain", "program", program, "args", strings.Join(args, " "))

	err := cmd.Run()
	invocation := pipeline.Invocation{
		ExitCode:       -1,
		DiagnosticTail: tail.String(),
	}
	if cmd.ProcessState != nil {
		invocation.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err == nil {
		return invocation, nil
	}
	if ctx.Err() != nil {
		return invocation, fmt.Errorf("%w: %v", pipeline.ErrBuildCancelled, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return invocation, &pipeline.BuildFailedError{ExitCode: exitErr.ExitCode()}
	}
	return invocation, fmt.Errorf("run toolchain: %w", err)
}

// buildArgs maps the merged parameters onto the toolchain's make
// variables. Extra variables are sorted so invocations are deterministic.
func buildArgs(params pipeline.BuildParameters, overlay pipeline.Overlay) []string {
	args := []string{"image"}
	if params.Profile != "" {
		args = append(args, "PROFILE="+params.Profile)
	}
	if len(params.Packages) > 0 {
		args = append(args, "PACKAGES="+strings.Join(params.Packages, " "))
	}
	if overlay.FilesStaged {
		args = append(args, "FILES="+overlay.FilesDir)
	}

	keys := make([]string, 0, len(params.Variables))
	for key := range params.Variables {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, key+"="+params.Variables[key])
	}
	return args
}

func (inv *Invoker) sink() io.Writer {
	if inv.Sink != nil {
		return inv.Sink
	}
	return os.Stderr
}

func (inv *Invoker) tailLimit() int {
	if inv.TailLimit > 0 {
		return inv.TailLimit
	}
	return defaultTailLimit
}

func (inv *Invoker) logger() *slog.Logger {
	if inv.Logger != nil {
		return inv.Logger
	}
	return slog.Default()
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
