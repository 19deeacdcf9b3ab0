package model

import "time"

// ErrorBudget is the number of consecutive transfer failures a source may
// accumulate before it is disabled and an operator notified (spec §3, §4.5).
const ErrorBudget = 5

// CooldownPeriod is how long a tripped source stays disabled before the
// Control Loop re-enables it (spec §4.6, glossary "Cooldown").
const CooldownPeriod = 4 * time.Hour

// ErrorMgr is the long-lived per-source error-accounting row.
//
// Invariant: TotalErrors >= ErrorBudget implies TimeDisabled is set, which
// implies the corresponding Source has Enabled == false. Clearing
// (TotalErrors, TimeDisabled, LockingAgent) is always done together, in one
// atomic update.
type ErrorMgr struct {
	Name         string
	TotalErrors  int
	TimeDisabled *time.Time // nil when not disabled
	LockingAgent string     // hostname that disabled the source; empty when not disabled
}

// Tripped reports whether this source has exceeded its error budget and is
// currently disabled by the cooldown mechanism.
func (e ErrorMgr) Tripped() bool {
	return e.TotalErrors >= ErrorBudget && e.TimeDisabled != nil
}

// CooldownExpired reports whether now is at or past TimeDisabled+CooldownPeriod.
// Returns false if the source is not currently disabled.
func (e ErrorMgr) CooldownExpired(now time.Time) bool {
	if e.TimeDisabled == nil {
		return false
	}
	return !now.Before(e.TimeDisabled.Add(CooldownPeriod))
}
