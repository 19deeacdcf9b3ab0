// dispatchd watches configured source directories and hands stable,
// completed transfers off to an external point-to-point uploader.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vubiquity/dispatchd/internal/config"
	"github.com/vubiquity/dispatchd/internal/daemon"
	"github.com/vubiquity/dispatchd/internal/dispatcher"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/pathutil"
	"github.com/vubiquity/dispatchd/internal/validation"
	"github.com/vubiquity/dispatchd/internal/version"
)

var (
	cfgFile     string
	runDetached bool
	debug       bool
	usageAlias  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dispatchd",
		Short:   "Watch configured sources and dispatch completed transfers",
		Version: version.Version + " (" + version.BuildTime + ")",
		RunE:    run,
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", config.DefaultConfigPath, "configuration file path")
	cmd.Flags().BoolVar(&runDetached, "daemon", false, "run detached as a background daemon")
	cmd.Flags().BoolVar(&debug, "debug", false, "elevate log level")
	cmd.Flags().BoolVarP(&usageAlias, "usage", "?", false, "print usage and exit (alias for --help)")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if usageAlias {
		return cmd.Help()
	}

	logging.SetDebug(debug)

	resolved, err := pathutil.ResolveAbsolutePath(cfgFile)
	if err != nil {
		return fmt.Errorf("resolve config path %q: %w", cfgFile, err)
	}
	if err := validation.ValidateFilePath(resolved); err != nil {
		return fmt.Errorf("config path %q: %w", resolved, err)
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if runDetached {
		if err := daemon.Daemonize(os.Args[1:]); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
	}

	log, err := openLog(cfg, runDetached)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}

	if pid := daemon.IsRunning(cfg.Dispatch.LockFile); pid != 0 {
		// The lock file belongs to that other, live instance; don't touch it.
		fatal(log, "", fmt.Errorf("dispatchd already running with pid %d (lock file %s)", pid, cfg.Dispatch.LockFile))
	}
	if err := daemon.WritePIDFile(cfg.Dispatch.LockFile); err != nil {
		fatal(log, "", fmt.Errorf("write lock file: %w", err))
	}
	defer daemon.RemovePIDFile(cfg.Dispatch.LockFile)

	d, err := dispatcher.New(cfg, dispatcher.Hostname(), log)
	if err != nil {
		fatal(log, cfg.Dispatch.LockFile, fmt.Errorf("start dispatcher: %w", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Errors surfacing from d.Run (including a database exception during
	// the Control Loop's initial source query) belong to the same
	// startup-fatal class per spec §7, but the deferred RemovePIDFile above
	// releases the lock file when run returns, so a plain return suffices
	// rather than a second fatal() call.
	return d.Run(ctx)
}

// fatal reports err the way util.py's die() does in the original: it
// logs, releases the lock file if one was written, and exits non-zero.
// It is used only for the startup-fatal error class of spec §7.
func fatal(log *logging.Logger, lockFile string, err error) {
	log.Error().Err(err).Msg("dispatchd: fatal startup error")
	if lockFile != "" {
		daemon.RemovePIDFile(lockFile)
	}
	os.Exit(1)
}

// openLog selects the daemon log file when running detached or when
// DAEMON_LOG is set, and stderr otherwise (spec §6).
func openLog(cfg *config.Config, detached bool) (*logging.Logger, error) {
	if cfg.Dispatch.DaemonLog != "" {
		return logging.NewFile(cfg.Dispatch.DaemonLog)
	}
	if detached {
		return logging.NewFile("/var/log/dispatchd.log")
	}
	return logging.NewDefault(), nil
}
