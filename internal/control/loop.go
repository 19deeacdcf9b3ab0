// Package control implements the Control Loop: drains reapable children,
// re-enables sources whose cooldown has expired, and reconciles the live
// poller fleet with the store's enabled-source set. Grounded on
// transfer_manager.py's run_loop and check_poller_updates.
package control

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vubiquity/dispatchd/internal/constants"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/pollermgr"
	"github.com/vubiquity/dispatchd/internal/queue"
	"github.com/vubiquity/dispatchd/internal/stability"
	"github.com/vubiquity/dispatchd/internal/store"
	"github.com/vubiquity/dispatchd/internal/supervisor"
	"github.com/vubiquity/dispatchd/internal/validation"
)

// Loop owns the live poller fleet and ticks the Transfer Supervisor
// (spec §4.6).
type Loop struct {
	st           store.Store
	table        *queue.Table
	verifier     *stability.Verifier
	supervisor   *supervisor.Supervisor
	hostname     string
	pollInterval time.Duration
	log          *logging.Logger

	mu      sync.Mutex
	sources []model.Source
	mgr     *pollermgr.Manager
}

// New returns a Loop that has not yet loaded its initial fleet; call Run
// to do so and begin ticking.
func New(st store.Store, table *queue.Table, verifier *stability.Verifier, sv *supervisor.Supervisor, hostname string, pollInterval time.Duration, log *logging.Logger) *Loop {
	return &Loop{
		st: st, table: table, verifier: verifier, supervisor: sv,
		hostname: hostname, pollInterval: pollInterval, log: log,
	}
}

// Run loads the initial enabled-source set, validates every source path
// exists (spec §7 "a source path does not exist at boot" is startup
// fatal), starts the Poller Manager, and ticks every
// constants.ControlLoopTick until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	initial, err := l.st.LoadEnabledSources(ctx)
	if err != nil {
		return fmt.Errorf("load enabled sources: %w", err)
	}
	for _, src := range initial {
		if err := validation.ValidateDirectoryPath(src.Path); err != nil {
			return fmt.Errorf("source %q path %q: %w", src.Name, src.Path, err)
		}
		if _, err := os.Stat(src.Path); err != nil {
			return fmt.Errorf("source %q path %q: %w", src.Name, src.Path, err)
		}
		if err := l.st.ResetErrors(ctx, src.Name); err != nil {
			return fmt.Errorf("reset errors for %q: %w", src.Name, err)
		}
	}

	mgr, err := pollermgr.New(initial, l.verifier, l.pollInterval, l.log)
	if err != nil {
		return fmt.Errorf("start poller manager: %w", err)
	}
	mgr.Start()

	l.mu.Lock()
	l.mgr = mgr
	l.sources = initial
	l.mu.Unlock()

	ticker := time.NewTicker(constants.ControlLoopTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	sources := l.Sources()

	l.supervisor.Tick(ctx, sources)
	l.reenableCooldowns(ctx)

	newSources, err := l.st.LoadEnabledSources(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("control loop: failed to refresh enabled sources, retrying next tick")
		return
	}
	l.reconcile(ctx, newSources)
}

func (l *Loop) reenableCooldowns(ctx context.Context) {
	disabled, err := l.st.ListDisabledByAgent(ctx, l.hostname)
	if err != nil {
		l.log.Error().Err(err).Msg("control loop: failed to list cooled-down sources")
		return
	}
	now := time.Now()
	for _, em := range disabled {
		if em.CooldownExpired(now) {
			l.log.Info().Str("source", em.Name).Msg("control loop: cooldown expired, re-enabling source")
			if err := l.st.SetSourceEnabled(ctx, em.Name, true); err != nil {
				l.log.Error().Err(err).Str("source", em.Name).Msg("control loop: failed to re-enable source")
			}
		}
	}
}

// reconcile implements spec §4.6 step 3, resolving the same-cardinality
// open question as drop-then-add: any name whose membership or
// configuration changed is treated as removed, then as added.
func (l *Loop) reconcile(ctx context.Context, newSources []model.Source) {
	oldMap := toMap(l.Sources())
	newMap := toMap(newSources)

	removed, added := diff(oldMap, newMap)
	if len(removed) == 0 && len(added) == 0 {
		return
	}

	l.mu.Lock()
	oldMgr := l.mgr
	l.mu.Unlock()
	if oldMgr != nil {
		oldMgr.Stop()
	}

	for _, name := range removed {
		live := l.table.Delete(name)
		for _, h := range live {
			l.log.Warn().Str("source", name).Str("path", h.Path).Msg("control loop: abandoning live transfer for disabled source")
		}
		if err := l.st.CancelTransferringForSource(ctx, name, "Cancelled because the poller was disabled.", time.Now()); err != nil {
			l.log.Error().Err(err).Str("source", name).Msg("control loop: failed to cancel transfer_log rows for removed source")
		}
		l.log.Info().Str("source", name).Msg("control loop: removing poller")
	}

	for _, name := range added {
		if err := l.st.ResetErrors(ctx, name); err != nil {
			l.log.Error().Err(err).Str("source", name).Msg("control loop: failed to reset errors for added source")
		}
	}

	mgr, err := pollermgr.New(newSources, l.verifier, l.pollInterval, l.log)
	if err != nil {
		l.log.Error().Err(err).Msg("control loop: failed to rebuild poller manager, keeping previous fleet idle")
		return
	}
	mgr.Start()

	l.mu.Lock()
	l.mgr = mgr
	l.sources = newSources
	l.mu.Unlock()
}

// Sources returns the currently served source set.
func (l *Loop) Sources() []model.Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Source, len(l.sources))
	copy(out, l.sources)
	return out
}

// Manager returns the live Poller Manager, used by the Lifecycle
// Controller to stop it during shutdown.
func (l *Loop) Manager() *pollermgr.Manager {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mgr
}

func toMap(sources []model.Source) map[string]model.Source {
	m := make(map[string]model.Source, len(sources))
	for _, s := range sources {
		m[s.Name] = s
	}
	return m
}

// diff returns the names present only in old (or changed) as removed, and
// the names present only in new (or changed) as added.
func diff(oldMap, newMap map[string]model.Source) (removed, added []string) {
	for name, old := range oldMap {
		if nw, ok := newMap[name]; !ok || !nw.Equal(old) {
			removed = append(removed, name)
		}
	}
	for name, nw := range newMap {
		if old, ok := oldMap[name]; !ok || !old.Equal(nw) {
			added = append(added, name)
		}
	}
	return removed, added
}
