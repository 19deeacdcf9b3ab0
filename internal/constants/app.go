// Package constants collects the fixed timing and threshold values that
// drive the dispatcher's pipeline. Grounded on the teacher's own
// internal/constants/app.go, which centralizes thresholds the same way.
package constants

import "time"

// QuietPeriod is the sleep interval the Stability Verifier waits between
// its two snapshots of a candidate's bytes/contents (spec §4.1, Δ = 10s).
const QuietPeriod = 10 * time.Second

// PollerSubSleep bounds how long the Poller Manager sleeps between checking
// its stop flag, regardless of the configured poll interval (spec §4.3).
const PollerSubSleep = 5 * time.Second

// ControlLoopTick is how often the Control Loop re-evaluates cooldowns and
// the enabled-source set (spec §4.6).
const ControlLoopTick = 2 * time.Second

// GracefulDrainInterval is how often the Lifecycle Controller polls each
// source's process table for emptiness during a graceful shutdown (spec §4.7).
const GracefulDrainInterval = 5 * time.Second

// DefaultPollInterval is the poll interval a dispatch.conf without
// POLL_INTERVAL ends up with. config.Load and the dispatcher apply the same
// value as a literal 300 seconds; neither reads this constant.
const DefaultPollInterval = 5 * time.Minute

// AsperaBinary is the fixed external uploader program invoked for every
// transfer (spec §6).
const AsperaBinary = "/bin/ascp"
