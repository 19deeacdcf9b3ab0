// Package queue holds the per-source transfer queue and process table: the
// two in-memory structures admitted paths and live uploads flow through
// between the Poller, the Stability Verifier, the Transfer Supervisor, and
// the Outcome Handler. Access is serialized by one mutex shared by every
// source, the
// lock-protected-shared-map idiom the teacher uses for its own
// internal/transfer/queue.go, rather than a dedicated goroutine-per-source
// actor (DESIGN NOTES "one owner task per source" accepts either).
package queue

import (
	"bytes"
	"os/exec"
	"sync"
)

// Handle is the process-table entry for one live upload: the source it
// belongs to, the admitted path it is uploading, and an OS-level handle for
// polling exit status and reading captured output. It replaces the
// original's ExtendedPopen subclass with a plain record (DESIGN NOTES
// "Subprocess object extension").
type Handle struct {
	Source string
	Path   string
	Cmd    *exec.Cmd
	Stdout *bytes.Buffer
	Stderr *bytes.Buffer

	done    chan struct{}
	exitErr error
}

// NewHandle starts cmd and returns a Handle whose exit can be polled
// non-blockingly via Reap. A background goroutine calls cmd.Wait() once and
// closes the done channel, the idiomatic Go replacement for Python's
// non-blocking Popen.poll().
func NewHandle(source, path string, cmd *exec.Cmd, stdout, stderr *bytes.Buffer) (*Handle, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{
		Source: source,
		Path:   path,
		Cmd:    cmd,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		h.exitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Exited reports whether the child has finished, without blocking.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from cmd.Wait(); only meaningful once Exited
// returns true. nil means exit code 0.
func (h *Handle) ExitErr() error {
	return h.exitErr
}

// Table is the set of per-source transfer queues and process tables. The
// zero value is not usable; construct with New.
type Table struct {
	mu      sync.Mutex
	queues  map[string][]string
	handles map[string][]*Handle
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		queues:  make(map[string][]string),
		handles: make(map[string][]*Handle),
	}
}

// Submit appends path to source's queue if and only if it is not already
// present in the queue and no live handle for source carries it as its
// admitted path (spec §4.1 admit predicate). Reports whether the path was
// admitted. The check and the append happen under the same lock, closing
// the TOCTOU window the reference leaves open (spec §9 open question).
func (t *Table) Submit(source, path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.queues[source] {
		if p == path {
			return false
		}
	}
	for _, h := range t.handles[source] {
		if h.Path == path {
			return false
		}
	}
	t.queues[source] = append(t.queues[source], path)
	return true
}

// Pop removes and returns the head of source's queue, FIFO.
func (t *Table) Pop(source string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[source]
	if len(q) == 0 {
		return "", false
	}
	path := q[0]
	t.queues[source] = q[1:]
	return path, true
}

// Requeue appends path to the tail of source's queue unconditionally, used
// by the Outcome Handler to retry a failed transfer (spec §4.5). Unlike
// Submit, it does not check for duplicates: a retry always lands at the
// tail, even if the same path was independently re-admitted meanwhile.
func (t *Table) Requeue(source, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[source] = append(t.queues[source], path)
}

// QueueLen reports the number of admitted paths waiting for source.
func (t *Table) QueueLen(source string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[source])
}

// AddChild records h in source's process table.
func (t *Table) AddChild(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[h.Source] = append(t.handles[h.Source], h)
}

// ProcessCount reports the number of live children for source.
func (t *Table) ProcessCount(source string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles[source])
}

// Reap removes and returns every handle for source that has exited, in no
// particular order. Called by the Transfer Supervisor once per tick.
func (t *Table) Reap(source string) []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.handles[source]
	if len(live) == 0 {
		return nil
	}
	var reaped, remaining []*Handle
	for _, h := range live {
		if h.Exited() {
			reaped = append(reaped, h)
		} else {
			remaining = append(remaining, h)
		}
	}
	t.handles[source] = remaining
	return reaped
}

// Sources returns the names of every source with a non-empty queue or
// process table, in no particular order. Used by the Lifecycle
// Controller's fast shutdown to find every source with live children.
func (t *Table) Sources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]struct{})
	for name, q := range t.queues {
		if len(q) > 0 {
			seen[name] = struct{}{}
		}
	}
	for name, hs := range t.handles {
		if len(hs) > 0 {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}

// Delete removes source's queue and process table entirely, returning the
// handles that were still live so the caller can terminate or account for
// them. Used by the Control Loop when a source leaves the enabled set
// (spec §4.6).
func (t *Table) Delete(source string) []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.handles[source]
	delete(t.queues, source)
	delete(t.handles, source)
	return live
}
