// Package store defines the durable-state boundary the core depends on.
// Store is deliberately opaque (spec §1 "the core consumes an opaque
// Store"); mysql.go is the one concrete implementation, grounded on the
// three tables (pollers, transfer_log, error_mgr) the original's
// SQLAlchemy models describe.
package store

import (
	"context"
	"time"

	"github.com/vubiquity/dispatchd/internal/model"
)

// Store is the durable-state boundary consumed by the Control Loop, the
// Transfer Supervisor, and the Outcome Handler. Every mutation is a single
// statement or a single transaction, matching the "committed at defined
// points" requirement of spec §5.
type Store interface {
	Close() error

	// LoadEnabledSources returns every source with enabled = true, used by
	// the Control Loop to build new_pollers each tick (spec §4.6) and by
	// the dispatcher at startup to build the initial fleet.
	LoadEnabledSources(ctx context.Context) ([]model.Source, error)

	// SetSourceEnabled flips a source's enabled flag.
	SetSourceEnabled(ctx context.Context, name string, enabled bool) error

	// GetErrorMgr returns the error-accounting row for name.
	GetErrorMgr(ctx context.Context, name string) (model.ErrorMgr, error)

	// ResetErrors clears total_errors, time_disabled, and locking_agent
	// together, atomically, per the ErrorMgr invariant (spec §3).
	ResetErrors(ctx context.Context, name string) error

	// IncrementErrors increments total_errors by one and returns the
	// updated row.
	IncrementErrors(ctx context.Context, name string) (model.ErrorMgr, error)

	// TripErrorBudget sets time_disabled and locking_agent, marking the
	// source disabled by this agent's cooldown mechanism (spec §4.5).
	TripErrorBudget(ctx context.Context, name, lockingAgent string, now time.Time) error

	// ListDisabledByAgent returns every ErrorMgr row with time_disabled
	// set and locking_agent equal to agent, used by the Control Loop's
	// cooldown-expiry check (spec §4.6).
	ListDisabledByAgent(ctx context.Context, agent string) ([]model.ErrorMgr, error)

	// CreateTransferLog inserts a new Transferring row and returns its id.
	CreateTransferLog(ctx context.Context, entry model.TransferLog) (int64, error)

	// CompleteTransfer marks the latest Transferring row for (name,
	// filename) as Complete.
	CompleteTransfer(ctx context.Context, name, filename string, ended time.Time) error

	// FailTransfer marks the latest Transferring row for (name, filename)
	// as Error, recording errText.
	FailTransfer(ctx context.Context, name, filename string, ended time.Time, errText string) error

	// CancelTransferringForSource marks every Transferring row for name as
	// Cancelled with errText, used when a source leaves the enabled set
	// (spec §4.6).
	CancelTransferringForSource(ctx context.Context, name, errText string, ended time.Time) error

	// CancelAllTransferring marks every Transferring row, across all
	// sources, as Cancelled, used by fast shutdown (spec §4.7).
	CancelAllTransferring(ctx context.Context, errText string, ended time.Time) error
}
