package graph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dshills/duraflow/graph/store"
)

func TestLifecycleGuardCleanShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shutdown.json")

	eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())
	eng.trackRun("run-open-1")
	eng.trackRun("run-open-2")

	guard := NewLifecycleGuard(path, eng)
	guard.Start()

	drained := false
	guard.OnShutdown(func() { drained = true })
	guard.Track("db-conn", 3)
	guard.Track("temp-file", 2)
	guard.Track("temp-file", -2) // released before shutdown

	guard.Stop()
	select {
	case <-guard.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed")
	}
	if !drained {
		t.Error("drain callback did not run")
	}

	snap, found, err := Reconcile(path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !found {
		t.Fatal("snapshot missing after clean shutdown")
	}
	if snap.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", snap.PID, os.Getpid())
	}
	if got := snap.TrackedResources["db-conn"]; got != 3 {
		t.Errorf("db-conn = %d, want 3", got)
	}
	if _, leaked := snap.TrackedResources["temp-file"]; leaked {
		t.Error("released resource still tracked")
	}
	if len(snap.OpenRunIDs) != 2 {
		t.Errorf("open runs = %v, want both tracked runs", snap.OpenRunIDs)
	}

	// Reconcile consumes the marker: a second start must see a crash.
	if _, found, err := Reconcile(path); err != nil || found {
		t.Errorf("marker not consumed: found=%v err=%v", found, err)
	}
}

func TestLifecycleGuardStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shutdown.json")
	guard := NewLifecycleGuard(path)
	guard.Start()

	calls := 0
	guard.OnShutdown(func() { calls++ })
	guard.Stop()
	guard.Stop()
	if calls != 1 {
		t.Errorf("drain callbacks ran %d times, want 1", calls)
	}
}

func TestReconcileAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shutdown.json")

	// No marker: the previous process died without shutting down.
	snap, found, err := Reconcile(path)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if found {
		t.Errorf("found snapshot where none exists: %+v", snap)
	}
}

func TestReconcileCorruptMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shutdown.json")
	if err := os.WriteFile(path, []byte("{torn"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := Reconcile(path); err == nil {
		t.Fatal("expected decode error")
	}
	// Even a corrupt marker is consumed so it cannot poison later starts.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt marker left behind")
	}
}

func TestLifecycleSnapshotDedupesRuns(t *testing.T) {
	st := store.NewMemStore[State]()
	schema := pipelineSchema(t)
	a := newTestEngine(t, schema, st)
	b := newTestEngine(t, schema, st)
	a.trackRun("run-shared")
	b.trackRun("run-shared")
	b.trackRun("run-b-only")

	guard := NewLifecycleGuard(filepath.Join(t.TempDir(), "s.json"), a, b)
	snap := guard.snapshot()
	if len(snap.OpenRunIDs) != 2 {
		t.Errorf("open runs = %v, want deduplicated pair", snap.OpenRunIDs)
	}
}
