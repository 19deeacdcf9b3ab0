// Package stability implements the two-phase quiet-period check that
// decides whether a candidate path is done being written to. It is the
// Go idiom for the teacher's lock-protected-state pattern applied to a
// transient, per-candidate task rather than a shared resource: each check
// runs on its own goroutine and touches nothing but the filesystem and the
// queue.Table it admits into.
package stability

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/vubiquity/dispatchd/internal/constants"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/queue"
)

// QuietPeriod is the sleep interval between the two snapshots a Verifier
// takes of a candidate. Exposed as a var, not a const, so tests can shrink
// it; production code should leave it at its default, constants.QuietPeriod.
var QuietPeriod = constants.QuietPeriod

// Verifier runs the two-phase quiet-period check and, on success, admits
// the candidate into a source's transfer queue.
type Verifier struct {
	table *queue.Table
	log   *logging.Logger
}

// New returns a Verifier that admits into table.
func New(table *queue.Table, log *logging.Logger) *Verifier {
	return &Verifier{table: table, log: log}
}

// Check blocks for up to QuietPeriod, then admits candidate into source's
// queue if it is quiet. Callers run this on its own goroutine per
// candidate (spec §4.1 "runs on its own task") so that one slow writer
// never delays verification of any other candidate.
func (v *Verifier) Check(source, candidate string) {
	info, err := os.Stat(candidate)
	if err != nil {
		v.log.Warn().Err(err).Str("path", candidate).Msg("stability check: path does not exist")
		return
	}

	var quiet bool
	if info.IsDir() {
		quiet, err = v.checkDir(candidate)
	} else if info.Mode().IsRegular() {
		quiet, err = v.checkFile(candidate, info.Size())
	} else {
		v.log.Error().Str("path", candidate).Msg("stability check: unsupported file type")
		return
	}
	if err != nil {
		v.log.Warn().Err(err).Str("path", candidate).Msg("stability check failed")
		return
	}
	if !quiet {
		return
	}

	if !v.table.Submit(source, candidate) {
		v.log.Debug().Str("source", source).Str("path", candidate).Msg("stability check: already admitted or in flight")
	}
}

func (v *Verifier) checkFile(path string, size1 int64) (bool, error) {
	time.Sleep(QuietPeriod)

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("re-stat %s: %w", path, err)
	}
	return info.Size() == size1, nil
}

// checkDir implements the non-recursive directory quiet-period check:
// reject on any membership change or any size change among direct regular
// files; admit the directory path itself otherwise.
func (v *Verifier) checkDir(path string) (bool, error) {
	names1, sizes1, err := snapshotDir(path)
	if err != nil {
		return false, err
	}
	if len(names1) == 0 {
		return false, nil
	}

	time.Sleep(QuietPeriod)

	names2, sizes2, err := snapshotDir(path)
	if err != nil {
		return false, err
	}
	if !equalNames(names1, names2) {
		return false, nil
	}
	for _, name := range names1 {
		if sizes1[name] != sizes2[name] {
			return false, nil
		}
	}
	return true, nil
}

// snapshotDir returns the sorted direct regular-file names of path and
// their sizes.
func snapshotDir(path string) ([]string, map[string]int64, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(entries))
	sizes := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		names = append(names, e.Name())
		sizes[e.Name()] = info.Size()
	}
	sort.Strings(names)
	return names, sizes, nil
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
