// Package pollermgr drives the poller fleet: one enumeration sweep per
// tick, stoppable at 5-second granularity regardless of the configured
// poll interval. It owns no state beyond the fleet itself — the shared
// queue.Table and stability.Verifier are constructed once by the caller
// and handed to every poller at construction (spec §4.3 "publishes the
// shared queue and process-table references").
package pollermgr

import (
	"sync"
	"time"

	"github.com/vubiquity/dispatchd/internal/constants"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/poller"
	"github.com/vubiquity/dispatchd/internal/stability"
)

// Manager owns a fleet of pollers, one per enabled source, and drives them
// on a fixed interval until stopped.
type Manager struct {
	pollInterval time.Duration
	pollers      []poller.Poller
	log          *logging.Logger

	stop chan struct{}
	done chan struct{}
}

// New constructs a Manager for sources, failing fast if any source names
// an unknown poller_type (spec §4.3). pollInterval must be positive.
func New(sources []model.Source, verifier *stability.Verifier, pollInterval time.Duration, log *logging.Logger) (*Manager, error) {
	pollers := make([]poller.Poller, 0, len(sources))
	for _, src := range sources {
		p, err := poller.New(src, verifier, log)
		if err != nil {
			return nil, err
		}
		pollers = append(pollers, p)
	}
	return &Manager{
		pollInterval: pollInterval,
		pollers:      pollers,
		log:          log,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Start launches the run loop on its own goroutine:
//
//	repeat until stopped:
//	    for each poller p: p.enumerate()
//	    sleep in increments of 5s up to poll_interval, checking stop each increment
func (m *Manager) Start() {
	go m.run()
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		var wg sync.WaitGroup
		for _, p := range m.pollers {
			wg.Add(1)
			go func(p poller.Poller) {
				defer wg.Done()
				p.Enumerate()
			}(p)
		}
		wg.Wait()

		if !m.sleepOrStop(m.pollInterval) {
			return
		}
	}
}

// sleepOrStop sleeps d in constants.PollerSubSleep increments, returning
// false as soon as Stop is called, true once d has fully elapsed.
func (m *Manager) sleepOrStop(d time.Duration) bool {
	remaining := d
	for remaining > 0 {
		step := constants.PollerSubSleep
		if step > remaining {
			step = remaining
		}
		select {
		case <-m.stop:
			return false
		case <-time.After(step):
			remaining -= step
		}
	}
	return true
}

// Stop signals the run loop to exit and blocks until it has, bounding
// shutdown latency to at most constants.PollerSubSleep regardless of
// poll_interval (spec §4.3).
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// Sources returns the names served by this fleet, in poller order.
func (m *Manager) Sources() []string {
	names := make([]string, len(m.pollers))
	for i, p := range m.pollers {
		names[i] = p.Name()
	}
	return names
}
