package control

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/notify"
	"github.com/vubiquity/dispatchd/internal/outcome"
	"github.com/vubiquity/dispatchd/internal/queue"
	"github.com/vubiquity/dispatchd/internal/stability"
	"github.com/vubiquity/dispatchd/internal/supervisor"
)

// fakeStore is an in-memory store.Store used only by this package's tests.
type fakeStore struct {
	mu           sync.Mutex
	enabled      map[string]model.Source
	errorMgrs    map[string]model.ErrorMgr
	resetCalls   []string
	cancelledFor []string
}

func newFakeStore(sources ...model.Source) *fakeStore {
	f := &fakeStore{
		enabled:   make(map[string]model.Source),
		errorMgrs: make(map[string]model.ErrorMgr),
	}
	for _, s := range sources {
		f.enabled[s.Name] = s
	}
	return f
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) LoadEnabledSources(ctx context.Context) ([]model.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Source, 0, len(f.enabled))
	for _, s := range f.enabled {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) SetSourceEnabled(ctx context.Context, name string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.enabled[name]
	s.Name = name
	s.Enabled = enabled
	if enabled {
		f.enabled[name] = s
	}
	return nil
}

func (f *fakeStore) GetErrorMgr(ctx context.Context, name string) (model.ErrorMgr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errorMgrs[name], nil
}

func (f *fakeStore) ResetErrors(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls = append(f.resetCalls, name)
	f.errorMgrs[name] = model.ErrorMgr{Name: name}
	return nil
}

func (f *fakeStore) IncrementErrors(ctx context.Context, name string) (model.ErrorMgr, error) {
	return model.ErrorMgr{Name: name}, nil
}

func (f *fakeStore) TripErrorBudget(ctx context.Context, name, lockingAgent string, now time.Time) error {
	return nil
}

func (f *fakeStore) ListDisabledByAgent(ctx context.Context, agent string) ([]model.ErrorMgr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ErrorMgr
	for _, em := range f.errorMgrs {
		if em.TimeDisabled != nil && em.LockingAgent == agent {
			out = append(out, em)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTransferLog(ctx context.Context, entry model.TransferLog) (int64, error) {
	return 1, nil
}

func (f *fakeStore) CompleteTransfer(ctx context.Context, name, filename string, ended time.Time) error {
	return nil
}

func (f *fakeStore) FailTransfer(ctx context.Context, name, filename string, ended time.Time, errText string) error {
	return nil
}

func (f *fakeStore) CancelTransferringForSource(ctx context.Context, name, errText string, ended time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledFor = append(f.cancelledFor, name)
	return nil
}

func (f *fakeStore) CancelAllTransferring(ctx context.Context, errText string, ended time.Time) error {
	return nil
}

func (f *fakeStore) setEnabledSet(sources ...model.Source) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = make(map[string]model.Source)
	for _, s := range sources {
		f.enabled[s.Name] = s
	}
}

type scriptUploader struct{}

func (u *scriptUploader) Spawn(ctx context.Context, source model.Source, path string) (*queue.Handle, error) {
	return queue.NewHandle(source.Name, path, exec.Command("true"), &bytes.Buffer{}, &bytes.Buffer{})
}

func newHarness(t *testing.T, sources ...model.Source) (*Loop, *fakeStore, *queue.Table) {
	t.Helper()
	tbl := queue.New()
	log := logging.NewDefault()
	verifier := stability.New(tbl, log)
	st := newFakeStore(sources...)
	oc := outcome.New(st, tbl, notify.NullNotifier{}, "agent1", log)
	sv := supervisor.New(tbl, &scriptUploader{}, st, oc, "agent1", log)
	loop := New(st, tbl, verifier, sv, "agent1", time.Hour, log)
	return loop, st, tbl
}

func TestRunStartsFleetAndTicksUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	src := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: dir, MaxTransfers: 1}
	loop, _, _ := newHarness(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for loop.Manager() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if loop.Manager() == nil {
		t.Fatal("poller manager never started")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after ctx cancellation")
	}
}

func TestRunFailsOnMissingSourcePath(t *testing.T) {
	src := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: "/does/not/exist", MaxTransfers: 1}
	loop, _, _ := newHarness(t, src)

	err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for a source whose path does not exist at boot")
	}
}

func TestReconcileAddsResetsErrorsForNewSource(t *testing.T) {
	dir1 := t.TempDir()
	src1 := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: dir1, MaxTransfers: 1}
	loop, st, _ := newHarness(t, src1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for loop.Manager() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	dir2 := t.TempDir()
	src2 := model.Source{Name: "s2", Enabled: true, PollerType: model.PollerFile, Path: dir2, MaxTransfers: 1}
	st.setEnabledSet(src1, src2)

	loop.tick(context.Background())

	names := map[string]bool{}
	for _, s := range loop.Sources() {
		names[s.Name] = true
	}
	if !names["s2"] {
		t.Fatalf("sources after reconcile = %v, want s2 present", loop.Sources())
	}

	found := false
	for _, n := range st.resetCalls {
		if n == "s2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("resetCalls = %v, want s2 reset on addition", st.resetCalls)
	}
}

func TestReconcileRemovalCancelsTransferringRows(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	src1 := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: dir1, MaxTransfers: 1}
	src2 := model.Source{Name: "s2", Enabled: true, PollerType: model.PollerFile, Path: dir2, MaxTransfers: 1}
	loop, st, tbl := newHarness(t, src1, src2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for loop.Manager() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	tbl.Submit("s2", filepath.Join(dir2, "a.bin"))

	st.setEnabledSet(src1)
	loop.tick(context.Background())

	found := false
	for _, n := range st.cancelledFor {
		if n == "s2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cancelledFor = %v, want s2 cancelled on removal", st.cancelledFor)
	}
	if tbl.QueueLen("s2") != 0 {
		t.Fatalf("queue for removed source s2 = %d, want deleted", tbl.QueueLen("s2"))
	}
}

func TestReconcileNoopWhenSetUnchanged(t *testing.T) {
	dir := t.TempDir()
	src := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: dir, MaxTransfers: 1}
	loop, st, _ := newHarness(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for loop.Manager() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	mgrBefore := loop.Manager()

	st.setEnabledSet(src)
	loop.tick(context.Background())

	if loop.Manager() != mgrBefore {
		t.Fatal("reconcile should not rebuild the poller manager when the enabled set is unchanged")
	}
}

func TestReenableCooldownsClearsExpiredDisable(t *testing.T) {
	dir := t.TempDir()
	src := model.Source{Name: "s1", Enabled: false, PollerType: model.PollerFile, Path: dir, MaxTransfers: 1}
	loop, st, _ := newHarness(t, src)

	expired := time.Now().Add(-model.CooldownPeriod - time.Minute)
	st.mu.Lock()
	st.errorMgrs["s1"] = model.ErrorMgr{Name: "s1", TotalErrors: model.ErrorBudget, TimeDisabled: &expired, LockingAgent: "agent1"}
	st.mu.Unlock()

	loop.reenableCooldowns(context.Background())

	st.mu.Lock()
	enabled := st.enabled["s1"].Enabled
	st.mu.Unlock()
	if !enabled {
		t.Fatal("expected source to be re-enabled after cooldown expiry")
	}
}
