// Package outcome implements the Outcome Handler: applies the
// success/failure policy to one reaped child — delete or requeue, log,
// account errors, trip the cooldown and notify on budget exhaustion.
// Grounded on transfer_manager.py's check_procs.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/notify"
	"github.com/vubiquity/dispatchd/internal/queue"
	"github.com/vubiquity/dispatchd/internal/store"
)

// Handler applies the outcome policy of spec §4.5 to one exited process
// table handle.
type Handler struct {
	st       store.Store
	table    *queue.Table
	notifier notify.Notifier
	hostname string
	log      *logging.Logger
}

// New returns an Outcome Handler. hostname is recorded as locking_agent
// when a source's error budget trips (spec §4.5). table receives a failed
// transfer's path back onto its source's tail (spec §4.5 "re-append").
func New(st store.Store, table *queue.Table, notifier notify.Notifier, hostname string, log *logging.Logger) *Handler {
	return &Handler{st: st, table: table, notifier: notifier, hostname: hostname, log: log}
}

// Handle processes one exited handle. h must have already exited; callers
// get handles exclusively from queue.Table.Reap, which only returns exited
// ones.
func (o *Handler) Handle(ctx context.Context, h *queue.Handle) {
	ended := time.Now()
	if h.ExitErr() == nil {
		o.onSuccess(ctx, h, ended)
		return
	}
	o.onFailure(ctx, h, ended)
}

func (o *Handler) onSuccess(ctx context.Context, h *queue.Handle, ended time.Time) {
	o.log.Info().Str("source", h.Source).Str("path", h.Path).Msg("outcome: transfer succeeded")

	if err := removePath(h.Path); err != nil {
		o.log.Error().Err(err).Str("path", h.Path).Msg("outcome: failed to delete transferred path")
	}

	if err := o.st.CompleteTransfer(ctx, h.Source, h.Path, ended); err != nil {
		o.log.Error().Err(err).Str("source", h.Source).Str("path", h.Path).Msg("outcome: failed to record completion")
	}
	if err := o.st.ResetErrors(ctx, h.Source); err != nil {
		o.log.Error().Err(err).Str("source", h.Source).Msg("outcome: failed to clear error counter")
	}
}

func (o *Handler) onFailure(ctx context.Context, h *queue.Handle, ended time.Time) {
	o.log.Warn().Str("source", h.Source).Str("path", h.Path).Msg("outcome: transfer failed")

	errText := stderrText(h)
	if errText == "" {
		errText = fmt.Sprintf("No error given: %s", exitCodeString(h.ExitErr()))
	}

	if err := o.st.FailTransfer(ctx, h.Source, h.Path, ended, errText); err != nil {
		o.log.Error().Err(err).Str("source", h.Source).Str("path", h.Path).Msg("outcome: failed to record failure")
	}

	o.table.Requeue(h.Source, h.Path)

	em, err := o.st.IncrementErrors(ctx, h.Source)
	if err != nil {
		o.log.Error().Err(err).Str("source", h.Source).Msg("outcome: failed to increment error counter")
		return
	}

	if em.TotalErrors >= model.ErrorBudget && em.TimeDisabled == nil {
		msg := fmt.Sprintf("%s has been disabled for exceeding the maximum amount of errors.\nThe last transfer errored with:\n\n%s",
			strings.ToUpper(h.Source), errText)
		if err := o.notifier.Notify(ctx, msg); err != nil {
			o.log.Error().Err(err).Str("source", h.Source).Msg("outcome: failed to deliver disable notification")
		}
		if err := o.st.TripErrorBudget(ctx, h.Source, o.hostname, ended); err != nil {
			o.log.Error().Err(err).Str("source", h.Source).Msg("outcome: failed to persist cooldown trip")
		}
	}
}

// removePath deletes a successfully transferred path: unlink if a file,
// recursive remove if a directory (spec §4.5).
func removePath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

func stderrText(h *queue.Handle) string {
	if h.Stderr == nil {
		return ""
	}
	return strings.TrimSpace(h.Stderr.String())
}

// exitCodeString extracts the numeric exit code from err for the
// synthetic "No error given: <exitcode>" message (spec §4.5).
func exitCodeString(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("%d", exitErr.ExitCode())
	}
	return err.Error()
}
