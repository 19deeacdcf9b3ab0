// Package supervisor implements the Transfer Supervisor: for each source,
// keep the process table at or under its concurrency cap by popping from
// the queue, and reap completions by handing them to the Outcome Handler.
// Grounded on transfer_manager.py's run_loop inner while-loop (spawn) and
// check_procs (reap), reshaped into one per-tick sweep per source so no
// source starves (spec §4.4).
package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/outcome"
	"github.com/vubiquity/dispatchd/internal/queue"
	"github.com/vubiquity/dispatchd/internal/store"
	"github.com/vubiquity/dispatchd/internal/uploader"
)

// Supervisor drives spawn and reap for every source, once per Tick.
type Supervisor struct {
	table    *queue.Table
	upload   uploader.Uploader
	st       store.Store
	outcome  *outcome.Handler
	hostname string
	log      *logging.Logger
}

// New returns a Supervisor. hostname identifies this agent in TransferLog
// rows (spec §3 "host: agent hostname").
func New(table *queue.Table, upload uploader.Uploader, st store.Store, oc *outcome.Handler, hostname string, log *logging.Logger) *Supervisor {
	return &Supervisor{table: table, upload: upload, st: st, outcome: oc, hostname: hostname, log: log}
}

// Tick performs one fairness-preserving sweep: reap every exited child for
// every source, then spawn up to each source's max_transfers. sources
// gives the current configuration (MaxTransfers, upload target fields)
// for every source currently served by the Poller Manager.
func (s *Supervisor) Tick(ctx context.Context, sources []model.Source) {
	for _, src := range sources {
		s.reap(ctx, src.Name)
	}
	for _, src := range sources {
		s.fill(ctx, src)
	}
}

func (s *Supervisor) reap(ctx context.Context, name string) {
	for _, h := range s.table.Reap(name) {
		s.outcome.Handle(ctx, h)
	}
}

// ReapAll drains and handles every exited child for every source, without
// spawning anything new. Used by the Lifecycle Controller's graceful
// shutdown (spec §4.7), which reaps in-flight work to completion but never
// pops from the queue once a drain has started.
func (s *Supervisor) ReapAll(ctx context.Context, sources []model.Source) {
	for _, src := range sources {
		s.reap(ctx, src.Name)
	}
}

func (s *Supervisor) fill(ctx context.Context, src model.Source) {
	for s.table.ProcessCount(src.Name) < src.MaxTransfers {
		path, ok := s.table.Pop(src.Name)
		if !ok {
			return
		}
		s.spawn(ctx, src, path)
	}
}

// spawn implements the spawn operation of spec §4.4: create a Transferring
// TransferLog row with the current size of the path, launch the uploader,
// and record the resulting handle in the process table.
func (s *Supervisor) spawn(ctx context.Context, src model.Source, path string) {
	size, err := model.SizeOf(path)
	if err != nil {
		s.log.Warn().Err(err).Str("source", src.Name).Str("path", path).Msg("supervisor: candidate vanished before spawn")
		return
	}

	_, err = s.st.CreateTransferLog(ctx, model.TransferLog{
		Name:     src.Name,
		Filename: path,
		Status:   model.StatusTransferring,
		Host:     s.hostname,
		Size:     size,
		Started:  time.Now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("source", src.Name).Str("path", path).Msg("supervisor: failed to record transfer_log row")
		return
	}

	h, err := s.upload.Spawn(ctx, src, path)
	if err != nil {
		s.log.Error().Err(err).Str("source", src.Name).Str("path", path).Msg("supervisor: failed to launch uploader")
		if failErr := s.st.FailTransfer(ctx, src.Name, path, time.Now(), err.Error()); failErr != nil {
			s.log.Error().Err(failErr).Msg("supervisor: failed to record spawn failure")
		}
		s.table.Requeue(src.Name, path)
		return
	}

	s.table.AddChild(h)
	s.log.Info().Str("source", src.Name).Str("path", path).Int64("size", size).Msg("supervisor: transfer started")
}

// TerminateAll issues process termination for every live child of every
// source, used by the Lifecycle Controller's fast shutdown (spec §4.7).
// It does not wait for children to exit (spec §9 open question: accepted).
func (s *Supervisor) TerminateAll(sources []string) {
	for _, name := range sources {
		for _, h := range s.table.Delete(name) {
			if h.Cmd.Process != nil {
				if err := h.Cmd.Process.Kill(); err != nil && !isProcessDone(err) {
					s.log.Warn().Err(err).Str("source", name).Str("path", h.Path).Msg("supervisor: failed to terminate child")
				}
			}
		}
	}
}

func isProcessDone(err error) bool {
	return err == os.ErrProcessDone
}
