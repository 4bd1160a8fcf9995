package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/local/docpdf/internal/jobs"
	"github.com/local/docpdf/internal/staging"
)

func newStore(t *testing.T) *staging.Store {
	t.Helper()
	root := t.TempDir()
	s, err := staging.NewStore(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	mt := time.Now().Add(-age)
	if err := os.Chtimes(p, mt, mt); err != nil {
		t.Fatal(err)
	}
	return p
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestSweepDeletesOnlyExpired(t *testing.T) {
	store := newStore(t)
	sw := New(store, nil, Options{Enabled: true, Expiry: time.Hour})

	oldIn := writeAged(t, store.Dir(staging.Inbound), "old_a.docx", 2*time.Hour)
	newIn := writeAged(t, store.Dir(staging.Inbound), "new_a.docx", 10*time.Minute)
	oldOut := writeAged(t, store.Dir(staging.Outbound), "old_a.pdf", 2*time.Hour)

	rep, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if exists(oldIn) || exists(oldOut) {
		t.Fatal("expired files should be deleted")
	}
	if !exists(newIn) {
		t.Fatal("fresh file should be retained")
	}
	if rep.DeletedUploads != 1 || rep.DeletedOutputs != 1 || rep.TotalDeleted != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rep.UploadFiles) != 1 || rep.UploadFiles[0] != oldIn {
		t.Fatalf("unexpected upload list %v", rep.UploadFiles)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := newStore(t)
	sw := New(store, nil, Options{Enabled: true, Expiry: time.Hour})
	writeAged(t, store.Dir(staging.Inbound), "x.docx", 3*time.Hour)

	if _, err := sw.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.TotalDeleted != 0 || len(rep.UploadFiles) != 0 || len(rep.OutputFiles) != 0 {
		t.Fatalf("second sweep deleted files: %+v", rep)
	}
}

func TestSweepMissingAreaIsEmpty(t *testing.T) {
	store := newStore(t)
	if err := os.RemoveAll(store.Dir(staging.Outbound)); err != nil {
		t.Fatal(err)
	}
	sw := New(store, nil, Options{Enabled: true, Expiry: time.Hour})
	writeAged(t, store.Dir(staging.Inbound), "x.docx", 3*time.Hour)

	rep, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("missing directory should not fail the sweep: %v", err)
	}
	if rep.DeletedUploads != 1 {
		t.Fatalf("inbound area should still be swept: %+v", rep)
	}
}

func TestSweepUnreadableAreaReportsError(t *testing.T) {
	store := newStore(t)
	out := store.Dir(staging.Outbound)
	if err := os.RemoveAll(out); err != nil {
		t.Fatal(err)
	}
	// a regular file where the directory should be makes the scan fail
	if err := os.WriteFile(out, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := writeAged(t, store.Dir(staging.Inbound), "x.docx", 3*time.Hour)

	sw := New(store, nil, Options{Enabled: true, Expiry: time.Hour})
	rep, err := sw.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected scan error")
	}
	if exists(old) || rep.DeletedUploads != 1 {
		t.Fatal("other area must still be swept")
	}
}

func TestSweepPrunesSettledJobs(t *testing.T) {
	store := newStore(t)
	reg := jobs.NewMemoryStore()
	ctx := context.Background()
	_ = reg.Create(ctx, "done")
	_ = reg.Create(ctx, "running")
	reg.Complete(ctx, "done", "a.pdf")

	sw := New(store, reg, Options{Enabled: true, Expiry: time.Hour, JobRetention: time.Hour})
	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	rep, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.PrunedJobs != 1 {
		t.Fatalf("expected one pruned job, got %d", rep.PrunedJobs)
	}
	if _, ok, _ := reg.Get(ctx, "running"); !ok {
		t.Fatal("processing job must survive pruning")
	}
}

func TestStartDisabledNeverRuns(t *testing.T) {
	store := newStore(t)
	sw := New(store, nil, Options{Enabled: false, Interval: 10 * time.Millisecond, Expiry: time.Hour})
	old := writeAged(t, store.Dir(staging.Inbound), "x.docx", 3*time.Hour)

	sw.Start()
	if sw.Running() {
		t.Fatal("disabled sweeper must not run")
	}
	time.Sleep(50 * time.Millisecond)
	if !exists(old) {
		t.Fatal("disabled sweeper deleted a file")
	}
}

func TestStartIsIdempotentAndStopWaits(t *testing.T) {
	store := newStore(t)
	sw := New(store, nil, Options{Enabled: true, Interval: 10 * time.Millisecond, Expiry: time.Hour})

	sw.Start()
	sw.Start()
	if !sw.Running() {
		t.Fatal("expected running sweeper")
	}
	if err := sw.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sw.Running() {
		t.Fatal("expected stopped sweeper")
	}
	if err := sw.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	old := writeAged(t, store.Dir(staging.Inbound), "late.docx", 3*time.Hour)
	time.Sleep(60 * time.Millisecond)
	if !exists(old) {
		t.Fatal("no deletion may happen after Stop returns")
	}
}

func TestStopDoesNotBlockReaders(t *testing.T) {
	store := newStore(t)
	sw := New(store, nil, Options{Enabled: true, Interval: 5 * time.Millisecond, Expiry: time.Hour})

	// Hold the sweep lock so the loop is stuck mid-iteration when Stop runs.
	sw.sweepMu.Lock()
	sw.Start()
	time.Sleep(30 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- sw.Stop(context.Background()) }()

	read := make(chan Stats, 1)
	go func() {
		for sw.Running() {
			time.Sleep(time.Millisecond)
		}
		read <- sw.Stats()
	}()
	select {
	case st := <-read:
		if st.ServiceRunning {
			t.Error("service should report stopped once Stop has begun")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("readers blocked while Stop was waiting for the loop")
	}

	select {
	case <-stopped:
		t.Fatal("Stop returned before the loop exited")
	default:
	}
	sw.sweepMu.Unlock()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}
}

func TestLoopSweepsAfterInterval(t *testing.T) {
	store := newStore(t)
	sw := New(store, nil, Options{Enabled: true, Interval: 20 * time.Millisecond, Expiry: time.Hour})
	old := writeAged(t, store.Dir(staging.Inbound), "x.docx", 3*time.Hour)

	sw.Start()
	defer sw.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for exists(old) {
		if time.Now().After(deadline) {
			t.Fatal("scheduled sweep never removed the expired file")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFirstSweepWaitsOneInterval(t *testing.T) {
	store := newStore(t)
	sw := New(store, nil, Options{Enabled: true, Interval: time.Hour, Expiry: time.Hour})
	old := writeAged(t, store.Dir(staging.Inbound), "x.docx", 3*time.Hour)

	sw.Start()
	time.Sleep(50 * time.Millisecond)
	if err := sw.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !exists(old) {
		t.Fatal("sweep ran before the first interval elapsed")
	}
}

func TestLoopRetriesAfterFailedIteration(t *testing.T) {
	store := newStore(t)
	out := store.Dir(staging.Outbound)
	if err := os.RemoveAll(out); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(out, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sw := New(store, nil, Options{
		Enabled:    true,
		Interval:   10 * time.Millisecond,
		RetryDelay: 10 * time.Millisecond,
		Expiry:     time.Hour,
	})

	sw.Start()
	defer sw.Stop(context.Background())
	time.Sleep(30 * time.Millisecond)

	// the loop must still be alive after failing iterations
	old := writeAged(t, store.Dir(staging.Inbound), "x.docx", 3*time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for exists(old) {
		if time.Now().After(deadline) {
			t.Fatal("loop stopped after a failed iteration")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !sw.Running() {
		t.Fatal("sweeper should still be running")
	}
}

func TestStats(t *testing.T) {
	store := newStore(t)
	if err := os.RemoveAll(store.Dir(staging.Outbound)); err != nil {
		t.Fatal(err)
	}
	writeAged(t, store.Dir(staging.Inbound), "a.docx", 0)
	writeAged(t, store.Dir(staging.Inbound), "b.docx", 0)

	sw := New(store, nil, Options{Enabled: true, Interval: 30 * time.Minute, Expiry: 2 * time.Hour})
	st := sw.Stats()
	if !st.UploadDir.Exists || st.UploadDir.FileCount != 2 || st.UploadDir.TotalSize != 8 {
		t.Fatalf("unexpected upload stats %+v", st.UploadDir)
	}
	if st.OutputDir.Exists || st.OutputDir.FileCount != 0 {
		t.Fatalf("missing dir should report exists=false: %+v", st.OutputDir)
	}
	if st.UploadDir.TotalSizeHuman != "8 B" {
		t.Fatalf("unexpected human size %q", st.UploadDir.TotalSizeHuman)
	}
	if !st.CleanupEnabled || st.CleanupIntervalMinutes != 30 || st.FileExpireHours != 2 || st.ServiceRunning {
		t.Fatalf("unexpected settings %+v", st)
	}
}
