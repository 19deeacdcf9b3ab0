package lifecycle

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/vubiquity/dispatchd/internal/control"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/notify"
	"github.com/vubiquity/dispatchd/internal/outcome"
	"github.com/vubiquity/dispatchd/internal/queue"
	"github.com/vubiquity/dispatchd/internal/stability"
	"github.com/vubiquity/dispatchd/internal/supervisor"
)

type fakeStore struct {
	mu        sync.Mutex
	enabled   map[string]model.Source
	cancelAll int
}

func newFakeStore(sources ...model.Source) *fakeStore {
	f := &fakeStore{enabled: make(map[string]model.Source)}
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

func (f *fakeStore) SetSourceEnabled(ctx context.Context, name string, enabled bool) error { return nil }
func (f *fakeStore) GetErrorMgr(ctx context.Context, name string) (model.ErrorMgr, error) {
	return model.ErrorMgr{Name: name}, nil
}
func (f *fakeStore) ResetErrors(ctx context.Context, name string) error { return nil }
func (f *fakeStore) IncrementErrors(ctx context.Context, name string) (model.ErrorMgr, error) {
	return model.ErrorMgr{Name: name}, nil
}
func (f *fakeStore) TripErrorBudget(ctx context.Context, name, lockingAgent string, now time.Time) error {
	return nil
}
func (f *fakeStore) ListDisabledByAgent(ctx context.Context, agent string) ([]model.ErrorMgr, error) {
	return nil, nil
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
	return nil
}

func (f *fakeStore) CancelAllTransferring(ctx context.Context, errText string, ended time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return nil
}

type blockingUploader struct {
	release chan struct{}
}

func (u *blockingUploader) Spawn(ctx context.Context, source model.Source, path string) (*queue.Handle, error) {
	cmd := exec.Command("sh", "-c", "sleep 30")
	h, err := queue.NewHandle(source.Name, path, cmd, &bytes.Buffer{}, &bytes.Buffer{})
	return h, err
}

type scriptUploader struct{}

func (u *scriptUploader) Spawn(ctx context.Context, source model.Source, path string) (*queue.Handle, error) {
	return queue.NewHandle(source.Name, path, exec.Command("true"), &bytes.Buffer{}, &bytes.Buffer{})
}

func newHarness(t *testing.T, up interface {
	Spawn(ctx context.Context, source model.Source, path string) (*queue.Handle, error)
}, sources ...model.Source) (*Controller, *control.Loop, *fakeStore, *queue.Table) {
	t.Helper()
	tbl := queue.New()
	log := logging.NewDefault()
	verifier := stability.New(tbl, log)
	st := newFakeStore(sources...)
	oc := outcome.New(st, tbl, notify.NullNotifier{}, "agent1", log)
	sv := supervisor.New(tbl, up, st, oc, "agent1", log)
	loop := control.New(st, tbl, verifier, sv, "agent1", time.Hour, log)
	ctrl := New(loop, sv, tbl, st, log)
	return ctrl, loop, st, tbl
}

func waitForManager(t *testing.T, loop *control.Loop) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for loop.Manager() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if loop.Manager() == nil {
		t.Fatal("poller manager never started")
	}
}

func TestFastShutdownKillsChildrenAndCancelsRows(t *testing.T) {
	dir := t.TempDir()
	src := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: dir, MaxTransfers: 1}
	ctrl, loop, st, tbl := newHarness(t, &blockingUploader{}, src)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go loop.Run(runCtx)
	waitForManager(t, loop)

	if err := os.WriteFile(filepath.Join(dir, "a.bin"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	tbl.Submit("s1", filepath.Join(dir, "a.bin"))
	loop.Sources()

	sv := supervisorFromCtrl(ctrl)
	sv.Tick(context.Background(), []model.Source{src})

	deadline := time.Now().Add(2 * time.Second)
	for tbl.ProcessCount("s1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tbl.ProcessCount("s1") != 1 {
		t.Fatal("expected one live child before fast shutdown")
	}

	ctrl.fast(context.Background())

	if tbl.ProcessCount("s1") != 0 {
		t.Fatalf("process table for s1 after fast shutdown = %d, want 0", tbl.ProcessCount("s1"))
	}
	st.mu.Lock()
	n := st.cancelAll
	st.mu.Unlock()
	if n != 1 {
		t.Fatalf("CancelAllTransferring calls = %d, want 1", n)
	}
}

func TestGracefulShutdownWaitsForDrain(t *testing.T) {
	old := DrainPollInterval
	DrainPollInterval = 10 * time.Millisecond
	defer func() { DrainPollInterval = old }()

	dir := t.TempDir()
	src := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: dir, MaxTransfers: 1}
	ctrl, loop, _, tbl := newHarness(t, &scriptUploader{}, src)

	// Stop the Control Loop first, the same order Run() uses: graceful
	// shutdown must never spawn anything new, whether via its own drain
	// loop or via the Control Loop's still-ticking Supervisor.
	runCtx, runCancel := context.WithCancel(context.Background())
	go loop.Run(runCtx)
	waitForManager(t, loop)
	runCancel()

	inFlight, err := queue.NewHandle("s1", filepath.Join(dir, "inflight.bin"), exec.Command("sh", "-c", "sleep 0.05"), &bytes.Buffer{}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	tbl.AddChild(inFlight)
	tbl.Submit("s1", filepath.Join(dir, "queued.bin"))

	done := make(chan struct{})
	go func() {
		ctrl.graceful(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("graceful shutdown did not complete once the in-flight transfer finished")
	}

	if tbl.ProcessCount("s1") != 0 {
		t.Fatalf("process count for s1 after graceful shutdown = %d, want 0 (in-flight transfer reaped)", tbl.ProcessCount("s1"))
	}
	if tbl.QueueLen("s1") != 1 {
		t.Fatalf("queue len for s1 after graceful shutdown = %d, want 1 (queued-but-unstarted path abandoned, not drained)", tbl.QueueLen("s1"))
	}
}

func TestRunDispatchesFastShutdownOnSigterm(t *testing.T) {
	dir := t.TempDir()
	src := model.Source{Name: "s1", Enabled: true, PollerType: model.PollerFile, Path: dir, MaxTransfers: 1}
	ctrl, loop, st, _ := newHarness(t, &scriptUploader{}, src)

	runCtx, runCancel := context.WithCancel(context.Background())
	go loop.Run(runCtx)
	waitForManager(t, loop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx, cancel)
		close(done)
	}()

	self, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := self.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}

	st.mu.Lock()
	n := st.cancelAll
	st.mu.Unlock()
	if n != 1 {
		t.Fatalf("CancelAllTransferring calls = %d, want 1 from fast shutdown", n)
	}

	runCancel()
}

// supervisorFromCtrl exposes the Controller's supervisor for tests that
// need to drive a tick directly.
func supervisorFromCtrl(c *Controller) *supervisor.Supervisor {
	return c.supervisor
}
