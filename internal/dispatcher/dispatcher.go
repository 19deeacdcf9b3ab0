// Package dispatcher wires every component into the running daemon. It is
// the Go analogue of transfer_manager.py's TransferManager class: one
// object that owns the store, the uploader, the shared queue.Table, and
// the Control Loop and Lifecycle Controller built on top of them.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vubiquity/dispatchd/internal/config"
	"github.com/vubiquity/dispatchd/internal/control"
	"github.com/vubiquity/dispatchd/internal/lifecycle"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/notify"
	"github.com/vubiquity/dispatchd/internal/outcome"
	"github.com/vubiquity/dispatchd/internal/queue"
	"github.com/vubiquity/dispatchd/internal/stability"
	"github.com/vubiquity/dispatchd/internal/store"
	"github.com/vubiquity/dispatchd/internal/supervisor"
	"github.com/vubiquity/dispatchd/internal/uploader"
)

const defaultPollIntervalSeconds = 300

// Dispatcher owns the full component graph for one run of the daemon.
type Dispatcher struct {
	store store.Store
	loop  *control.Loop
	life  *lifecycle.Controller
	log   *logging.Logger
}

// New constructs every component from cfg and returns a Dispatcher ready
// to Run. hostname identifies this agent for error-budget locking and
// TransferLog rows (spec §3).
func New(cfg *config.Config, hostname string, log *logging.Logger) (*Dispatcher, error) {
	dsn := store.DSN(cfg.Database.User, cfg.Database.Pass, cfg.Database.Server, cfg.Database.Name)
	st, err := store.OpenMySQL(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var notifier notify.Notifier = notify.NullNotifier{}
	if cfg.Dispatch.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Dispatch.WebhookURL, log)
	}

	table := queue.New()
	verifier := stability.New(table, log)
	up := uploader.New(cfg.Dispatch.SSHKeys)
	oc := outcome.New(st, table, notifier, hostname, log)
	sv := supervisor.New(table, up, st, oc, hostname, log)

	pollInterval := cfg.Dispatch.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollIntervalSeconds
	}
	loop := control.New(st, table, verifier, sv, hostname, time.Duration(pollInterval)*time.Second, log)
	life := lifecycle.New(loop, sv, table, st, log)

	return &Dispatcher{store: st, loop: loop, life: life, log: log}, nil
}

// Run loads the initial source fleet, starts the Control Loop, and blocks
// until a shutdown signal arrives or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.store.Close()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- d.loop.Run(loopCtx)
	}()

	lifeDone := make(chan struct{})
	go func() {
		d.life.Run(loopCtx, cancel)
		close(lifeDone)
	}()

	select {
	case err := <-loopErr:
		// The Control Loop exited on its own, e.g. a startup validation
		// failure; tear down the Lifecycle Controller's signal wait too.
		cancel()
		<-lifeDone
		return err
	case <-lifeDone:
		return <-loopErr
	}
}

// Hostname returns the local hostname used to identify this agent, falling
// back to "dispatchd" if it cannot be determined (spec §3).
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "dispatchd"
	}
	return h
}
