package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/local/docpdf/internal/converter"
	"github.com/local/docpdf/internal/jobs"
	"github.com/local/docpdf/internal/staging"
)

// fakeConverter writes a small PDF next to the predicted output path unless
// told to fail. gate, when set, blocks each call until it is closed.
type fakeConverter struct {
	calls  atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
	fail   string
	panics bool
	gate   chan struct{}
	delay  time.Duration
}

func (f *fakeConverter) Convert(ctx context.Context, inputPath, outputDir string) converter.Result {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("converter exploded")
	}
	if f.fail != "" {
		return converter.Result{Message: f.fail, Reason: converter.ReasonExitStatus}
	}
	out := converter.ExpectedOutputPath(inputPath, outputDir)
	if err := os.WriteFile(out, []byte("%PDF-1.4\n%%EOF\n"), 0o644); err != nil {
		return converter.Result{Message: err.Error(), Reason: converter.ReasonUnexpected}
	}
	return converter.Result{
		Success:    true,
		Message:    "Conversion completed successfully",
		Reason:     converter.ReasonOK,
		OutputPath: out,
		OutputName: filepath.Base(out),
	}
}

type fakeMirror struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (m *fakeMirror) Publish(_ context.Context, localPath, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	m.names = append(m.names, name)
	return m.err
}

func newTestWorkflow(t *testing.T, conv Converter, opts Options) (*Workflow, *staging.Store, *jobs.MemoryStore) {
	t.Helper()
	root := t.TempDir()
	store, err := staging.NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := jobs.NewMemoryStore()
	return New(Dependencies{Staging: store, Converter: conv, Jobs: reg}, opts), store, reg
}

func waitSettled(t *testing.T, w *Workflow) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("jobs did not settle: %v", err)
	}
}

func TestRunSyncSuccess(t *testing.T) {
	conv := &fakeConverter{}
	w, store, _ := newTestWorkflow(t, conv, Options{})

	res, err := w.RunSync(context.Background(), "report.docx", []byte("doc bytes"))
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !res.Success || !strings.HasSuffix(res.OutputName, ".pdf") {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.InputName, "report_") || !strings.HasSuffix(res.InputName, ".docx") {
		t.Fatalf("unexpected staged input name %q", res.InputName)
	}
	if _, err := store.Resolve(staging.Inbound, res.InputName); err != nil {
		t.Fatalf("staged input missing: %v", err)
	}
	if _, err := store.Resolve(staging.Outbound, res.OutputName); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if res.OutputName != staging.OutputName(res.InputName) {
		t.Fatalf("output %q does not share the input token %q", res.OutputName, res.InputName)
	}
}

func TestEmptyContentNeverReachesConverter(t *testing.T) {
	conv := &fakeConverter{}
	w, _, reg := newTestWorkflow(t, conv, Options{})

	if _, err := w.RunSync(context.Background(), "a.docx", nil); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := w.RunAsync(context.Background(), "a.docx", []byte{}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if conv.calls.Load() != 0 {
		t.Fatalf("converter invoked %d times", conv.calls.Load())
	}
	if reg.Len() != 0 {
		t.Fatal("no job should be registered for empty input")
	}
}

func TestRunSyncConversionFailure(t *testing.T) {
	conv := &fakeConverter{fail: "Conversion failed: source file could not be loaded"}
	w, _, _ := newTestWorkflow(t, conv, Options{})

	res, err := w.RunSync(context.Background(), "bad.xlsx", []byte("x"))
	if err != nil {
		t.Fatalf("conversion failure must not be an error: %v", err)
	}
	if res.Success || res.OutputName != "" || res.Message != conv.fail {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunSyncStagingFailure(t *testing.T) {
	conv := &fakeConverter{}
	w, store, _ := newTestWorkflow(t, conv, Options{})
	if err := os.RemoveAll(store.Dir(staging.Inbound)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.RunSync(context.Background(), "a.docx", []byte("x")); err == nil {
		t.Fatal("expected staging error")
	}
	if conv.calls.Load() != 0 {
		t.Fatal("converter must not run without a staged input")
	}
}

func TestRunAsyncLifecycle(t *testing.T) {
	gate := make(chan struct{})
	conv := &fakeConverter{gate: gate}
	w, store, _ := newTestWorkflow(t, conv, Options{})
	ctx := context.Background()

	id, err := w.RunAsync(ctx, "slides.pptx", []byte("pptx"))
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	job, ok, err := w.Job(ctx, id)
	if err != nil || !ok {
		t.Fatalf("job not visible right after submit: %v %v", ok, err)
	}
	if job.Status != jobs.StatusProcessing {
		t.Fatalf("expected processing, got %s", job.Status)
	}

	close(gate)
	waitSettled(t, w)

	job, _, _ = w.Job(ctx, id)
	if job.Status != jobs.StatusCompleted || job.OutputName == "" {
		t.Fatalf("unexpected settled job %+v", job)
	}
	if _, err := store.Resolve(staging.Outbound, job.OutputName); err != nil {
		t.Fatalf("completed job output missing: %v", err)
	}
}

func TestRunAsyncFailureSettlesFailed(t *testing.T) {
	conv := &fakeConverter{fail: "Conversion timeout after 5m0s"}
	w, _, _ := newTestWorkflow(t, conv, Options{})
	ctx := context.Background()

	id, err := w.RunAsync(ctx, "a.docx", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	waitSettled(t, w)
	job, _, _ := w.Job(ctx, id)
	if job.Status != jobs.StatusFailed || job.Message != conv.fail || job.OutputName != "" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRunAsyncPanicSettlesFailed(t *testing.T) {
	conv := &fakeConverter{panics: true}
	w, _, _ := newTestWorkflow(t, conv, Options{})
	ctx := context.Background()

	id, err := w.RunAsync(ctx, "a.docx", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	waitSettled(t, w)
	job, _, _ := w.Job(ctx, id)
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Message, "converter exploded") {
		t.Fatalf("panic must end in a failed job, got %+v", job)
	}
}

func TestRunAsyncStagingFailureSettlesFailed(t *testing.T) {
	conv := &fakeConverter{}
	w, store, _ := newTestWorkflow(t, conv, Options{})
	if err := os.RemoveAll(store.Dir(staging.Inbound)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := w.RunAsync(ctx, "a.docx", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	waitSettled(t, w)
	job, _, _ := w.Job(ctx, id)
	if job.Status != jobs.StatusFailed || job.Message == "" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestRunAsyncManyJobsAllSettle(t *testing.T) {
	conv := &fakeConverter{delay: time.Millisecond}
	w, _, _ := newTestWorkflow(t, conv, Options{})
	ctx := context.Background()

	ids := make([]string, 20)
	for i := range ids {
		id, err := w.RunAsync(ctx, "doc.odt", []byte("odt"))
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}
	waitSettled(t, w)

	seen := map[string]bool{}
	for _, id := range ids {
		job, ok, _ := w.Job(ctx, id)
		if !ok || job.Status != jobs.StatusCompleted {
			t.Fatalf("job %s not completed: %+v", id, job)
		}
		if seen[job.OutputName] {
			t.Fatalf("output name %s reused", job.OutputName)
		}
		seen[job.OutputName] = true
	}
}

func TestMaxConcurrentCapsConverter(t *testing.T) {
	conv := &fakeConverter{delay: 10 * time.Millisecond}
	w, _, _ := newTestWorkflow(t, conv, Options{MaxConcurrent: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.RunSync(context.Background(), "a.docx", []byte("x")); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if p := conv.peak.Load(); p > 2 {
		t.Fatalf("expected at most 2 concurrent conversions, saw %d", p)
	}
	if conv.calls.Load() != 8 {
		t.Fatalf("expected 8 calls, got %d", conv.calls.Load())
	}
}

func TestMirrorFailureKeepsSuccess(t *testing.T) {
	conv := &fakeConverter{}
	root := t.TempDir()
	store, err := staging.NewStore(filepath.Join(root, "in"), filepath.Join(root, "out"))
	if err != nil {
		t.Fatal(err)
	}
	mirror := &fakeMirror{err: errors.New("access denied")}
	w := New(Dependencies{Staging: store, Converter: conv, Jobs: jobs.NewMemoryStore(), Mirror: mirror}, Options{})

	res, err := w.RunSync(context.Background(), "a.docx", []byte("x"))
	if err != nil || !res.Success {
		t.Fatalf("mirror failure must not fail the conversion: %+v %v", res, err)
	}
	if len(mirror.names) != 1 || mirror.names[0] != res.OutputName {
		t.Fatalf("mirror saw %v", mirror.names)
	}
}

func TestWaitRespectsContext(t *testing.T) {
	gate := make(chan struct{})
	conv := &fakeConverter{gate: gate}
	w, _, _ := newTestWorkflow(t, conv, Options{})
	if _, err := w.RunAsync(context.Background(), "a.docx", []byte("x")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(gate)
	waitSettled(t, w)
}
