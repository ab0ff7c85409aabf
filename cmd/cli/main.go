package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgewrt/forgewrt/config"
	"github.com/forgewrt/forgewrt/daemon"
	"github.com/forgewrt/forgewrt/internal/logging"
	"github.com/forgewrt/forgewrt/internal/pipeline"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(report(logger, err))
	}
}

// report logs the failure and picks the process exit code. Interrupted
// and timed-out builds exit 130 regardless of which stage they reached.
func report(logger *slog.Logger, err error) int {
	if pipeline.Cancelled(err) {
		logger.Warn("command interrupted", "error", err)
		return 130
	}
	logger.Error("command execution failed", "error", err)
	return exitCode(err)
}

// exitCode keeps failure classes distinguishable for CI callers.
func exitCode(err error) int {
	switch pipeline.Classify(err) {
	case pipeline.ClassConfiguration:
		return 2
	case pipeline.ClassFetch:
		return 3
	case pipeline.ClassPatch:
		return 4
	case pipeline.ClassOverlay:
		return 5
	case pipeline.ClassBuild:
		return 6
	case pipeline.ClassCollection:
		return 7
	default:
		return 1
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "forgewrt",
		Short:         "Build custom firmware images from an upstream image-builder toolchain",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newBuildCommand(logger),
		newDaemonCommand(logger),
	)
	return root
}

func newBuildCommand(logger *slog.Logger) *cobra.Command {
	var (
		opts     config.Options
		packages string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the full build pipeline for one image",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Packages = strings.Fields(packages)
			opts.Timeout = timeout

			cmdLogger := logger.With("command", "build", "target", opts.Target)
			result, err := config.Build(cmd.Context(), opts, cmdLogger)
			if err != nil {
				if pipeline.Cancelled(err) {
					cmdLogger.Warn("build cancelled")
					return err
				}
				cmdLogger.Error("build failed", "error", err)
				return err
			}

			cmdLogger.Info("build succeeded",
				"run", result.ID,
				"artifacts", len(result.Artifacts),
				"duration", result.Duration,
			)
			for _, artifact := range result.Artifacts {
				fmt.Fprintln(cmd.OutOrStdout(), artifact)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Profile, "profile", "", "Target profile (e.g. friendlyarm_nanopi-r4s)")
	cmd.Flags().StringVar(&opts.Target, "target", "", "Target device type as platform/subtarget (e.g. rockchip/armv8)")
	cmd.Flags().StringVar(&opts.Version, "version", config.DefaultVersion, "Release tag or SNAPSHOT")
	cmd.Flags().StringVar(&packages, "packages", "", "Space-separated packages to include; prefix with '-' to exclude")
	cmd.Flags().StringVar(&opts.PatchesDir, "patches-dir", config.DefaultPatchesDir, "Directory of .patch files applied to the toolchain")
	cmd.Flags().StringVar(&opts.FilesDir, "files-dir", config.DefaultFilesDir, "Directory of extra files mirrored onto the root filesystem")
	cmd.Flags().StringVar(&opts.PackagesDir, "packages-dir", config.DefaultPackagesDir, "Directory of .ipk files added to the local feed")
	cmd.Flags().StringVar(&opts.BinDir, "bin-dir", config.DefaultBinDir, "Output directory for the produced images")
	cmd.Flags().StringVar(&opts.DefaultsFile, "json-file", config.DefaultDefaultsFile, "Defaults document with image arguments (JSON or YAML)")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "Override the distribution host serving toolchain archives")
	cmd.Flags().StringVar(&opts.CacheDir, "cache-dir", "", "Override the toolchain archive cache location")
	cmd.Flags().BoolVar(&opts.KeepWorkingTree, "keep-working-tree", false, "Keep the extracted toolchain for inspection")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the toolchain build after this duration")
	cmd.MarkFlagRequired("target")

	return cmd
}

func newDaemonCommand(logger *slog.Logger) *cobra.Command {
	var socketPath string
	resolveSocket := func() string {
		path := strings.TrimSpace(socketPath)
		if path == "" {
			return daemon.DefaultSocketPath
		}
		return path
	}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background build daemon",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", daemon.DefaultSocketPath, "Path to daemon control socket")

	cmd.AddCommand(
		newDaemonServeCommand(logger, resolveSocket),
		newDaemonStartCommand(logger, resolveSocket),
		newDaemonStatusCommand(resolveSocket),
		newDaemonCancelCommand(resolveSocket),
		newDaemonListCommand(resolveSocket),
	)
	return cmd
}

func newDaemonServeCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			server := daemon.New(socketPath(), logger)
			logger.Info("starting daemon", "socket", socketPath())
			if err := server.Start(cmd.Context()); err != nil {
				return err
			}
			logger.Info("daemon stopped")
			return nil
		},
	}
}

func newDaemonStartCommand(logger *slog.Logger, socketPath func() string) *cobra.Command {
	var (
		req      daemon.StartBuildRequest
		packages string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Request the daemon to start a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Packages = strings.Fields(packages)

			client := daemon.NewClient(socketPath())
			id, err := client.StartBuild(req)
			if err != nil {
				return err
			}
			logger.Info("build scheduled", "id", id)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Profile, "profile", "", "Target profile")
	cmd.Flags().StringVar(&req.Target, "target", "", "Target device type as platform/subtarget")
	cmd.Flags().StringVar(&req.Version, "version", config.DefaultVersion, "Release tag or SNAPSHOT")
	cmd.Flags().StringVar(&packages, "packages", "", "Space-separated packages to include; prefix with '-' to exclude")
	cmd.Flags().StringVar(&req.PatchesDir, "patches-dir", "", "Directory of .patch files")
	cmd.Flags().StringVar(&req.FilesDir, "files-dir", "", "Directory of extra root filesystem files")
	cmd.Flags().StringVar(&req.PackagesDir, "packages-dir", "", "Directory of .ipk files")
	cmd.Flags().StringVar(&req.BinDir, "bin-dir", "", "Output directory for the produced images")
	cmd.Flags().StringVar(&req.DefaultsFile, "json-file", "", "Defaults document with image arguments")
	cmd.Flags().IntVar(&req.TimeoutSeconds, "timeout-seconds", 0, "Abort the toolchain build after this many seconds")
	cmd.MarkFlagRequired("target")

	return cmd
}

func newDaemonStatusCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Show the state of one build",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			status, err := client.Status(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}
}

func newDaemonCancelCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Args:  cobra.ExactArgs(1),
		Short: "Cancel a running build",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			id := strings.TrimSpace(args[0])
			if err := client.Cancel(id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled", id)
			return nil
		},
	}
}

func newDaemonListCommand(socketPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List builds managed by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(socketPath())
			statuses, err := client.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "no builds")
				return nil
			}
			for _, status := range statuses {
				printStatus(cmd, status)
			}
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, status daemon.BuildStatus) {
	state := "running"
	switch {
	case status.Canceled:
		state = "cancelled"
	case !status.Running && status.Error != "":
		state = fmt.Sprintf("failed (%s)", status.Error)
	case !status.Running:
		state = "completed"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", status.ID, status.Target, status.Version, state)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
