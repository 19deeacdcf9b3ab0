// Package lifecycle implements the Lifecycle Controller: signal-driven
// fast and graceful shutdown of the Control Loop, Poller Manager, and
// Transfer Supervisor. Grounded on transfer_manager.py's signal handlers
// (SIGTERM/SIGINT for an immediate stop, SIGUSR1 for a drain-first stop).
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vubiquity/dispatchd/internal/constants"
	"github.com/vubiquity/dispatchd/internal/control"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/queue"
	"github.com/vubiquity/dispatchd/internal/store"
	"github.com/vubiquity/dispatchd/internal/supervisor"
)

// DrainPollInterval is how often graceful shutdown re-checks whether every
// source has drained. A var, not a const, so tests can shrink it; defaults
// to constants.GracefulDrainInterval.
var DrainPollInterval = constants.GracefulDrainInterval

// Controller wires OS signals to the two shutdown modes of spec §4.7.
type Controller struct {
	loop       *control.Loop
	supervisor *supervisor.Supervisor
	table      *queue.Table
	st         store.Store
	log        *logging.Logger
}

// New returns a Controller bound to the running Control Loop.
func New(loop *control.Loop, sv *supervisor.Supervisor, table *queue.Table, st store.Store, log *logging.Logger) *Controller {
	return &Controller{loop: loop, supervisor: sv, table: table, st: st, log: log}
}

// Run blocks until SIGTERM, SIGINT, or SIGUSR1 arrives (or ctx is
// cancelled), then performs the corresponding shutdown and returns.
func (c *Controller) Run(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
		return
	case sig := <-sigs:
		// Stop the Control Loop's own ticking before doing anything else:
		// its Tick also fills from the queue, and both shutdown modes
		// require that nothing new gets spawned once a signal has been
		// received.
		cancel()
		switch sig {
		case syscall.SIGUSR1:
			c.log.Info().Msg("lifecycle: SIGUSR1 received, starting graceful shutdown")
			c.graceful(context.Background())
		default:
			c.log.Info().Str("signal", sig.String()).Msg("lifecycle: fast shutdown requested")
			c.fast(context.Background())
		}
	}
}

// fast implements spec §4.7's immediate shutdown: stop the Poller
// Manager from admitting anything new, kill every live child without
// waiting, and mark every still-Transferring row cancelled. It does not
// stop the Control Loop itself; Run cancels the Control Loop's context
// before calling fast.
func (c *Controller) fast(ctx context.Context) {
	if mgr := c.loop.Manager(); mgr != nil {
		mgr.Stop()
	}
	c.supervisor.TerminateAll(c.table.Sources())
	if err := c.st.CancelAllTransferring(ctx, "Cancelled by fast shutdown.", time.Now()); err != nil {
		c.log.Error().Err(err).Msg("lifecycle: failed to cancel in-flight transfer_log rows")
	}
}

// graceful implements spec §4.7's drain-first shutdown: stop the Poller
// Manager so no new work is admitted, then wait for each source's process
// table to empty, reaping completions on constants.GracefulDrainInterval.
// It never pops from the queue once a drain has started: anything still
// queued when SIGUSR1 arrives is abandoned, matching the original's
// graceful_kill_daemon, which only ever calls check_procs.
func (c *Controller) graceful(ctx context.Context) {
	if mgr := c.loop.Manager(); mgr != nil {
		mgr.Stop()
	}

	ticker := time.NewTicker(DrainPollInterval)
	defer ticker.Stop()
	for {
		sources := c.loop.Sources()
		c.supervisor.ReapAll(ctx, sources)

		if c.allDrained(sources) {
			c.log.Info().Msg("lifecycle: graceful shutdown complete, all in-flight transfers drained")
			return
		}
		<-ticker.C
	}
}

// allDrained reports whether every source's process table has emptied.
// Queued-but-not-started paths are not waited on; graceful shutdown drains
// in-flight work, it does not continue popping new work off the queue.
func (c *Controller) allDrained(sources []model.Source) bool {
	for _, src := range sources {
		if c.table.ProcessCount(src.Name) > 0 {
			return false
		}
	}
	return true
}
