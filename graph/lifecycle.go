package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Snapshot is the shutdown marker a process leaves behind so the next
// start can tell a clean exit from a crash and reconcile in-flight work.
type Snapshot struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`

	// OpenRunIDs lists runs the engine was driving at shutdown. They are
	// safe to continue with Resume: every run's progress is already in
	// the checkpoint store.
	OpenRunIDs []string `json:"open_run_ids,omitempty"`

	// TrackedResources counts externally held resources by kind
	// (connections, temp files) for operator visibility.
	TrackedResources map[string]int `json:"tracked_resources,omitempty"`
}

// LifecycleGuard coordinates graceful shutdown for a process hosting
// engines.
//
// On SIGINT or SIGTERM it runs the registered drain callbacks, writes a
// shutdown snapshot, and closes Done. The snapshot is written atomically
// (temp file then rename) so a crash mid-write never leaves a torn
// marker. A missing snapshot at the next start therefore means the
// previous process died without shutting down.
type LifecycleGuard struct {
	path    string
	engines []*Engine

	mu        sync.Mutex
	onStop    []func()
	resources map[string]int
	stopped   bool

	signals chan os.Signal
	done    chan struct{}
}

// NewLifecycleGuard creates a guard that writes its shutdown snapshot to
// path.
func NewLifecycleGuard(path string, engines ...*Engine) *LifecycleGuard {
	return &LifecycleGuard{
		path:      path,
		engines:   engines,
		resources: make(map[string]int),
		signals:   make(chan os.Signal, 1),
		done:      make(chan struct{}),
	}
}

// OnShutdown registers a drain callback. Callbacks run in registration
// order before the snapshot is written.
func (g *LifecycleGuard) OnShutdown(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStop = append(g.onStop, fn)
}

// Track adjusts the count of an externally held resource kind.
func (g *LifecycleGuard) Track(kind string, delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resources[kind] += delta
	if g.resources[kind] <= 0 {
		delete(g.resources, kind)
	}
}

// Start installs the signal handler. Call Stop for a programmatic
// shutdown; either path runs the same drain-and-snapshot sequence once.
func (g *LifecycleGuard) Start() {
	signal.Notify(g.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-g.signals:
			g.shutdown()
		case <-g.done:
		}
	}()
}

// Stop performs a programmatic graceful shutdown. Safe to call more than
// once; only the first call does the work.
func (g *LifecycleGuard) Stop() {
	g.shutdown()
}

// Done is closed once shutdown has finished. Block on it in main.
func (g *LifecycleGuard) Done() <-chan struct{} {
	return g.done
}

func (g *LifecycleGuard) shutdown() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	callbacks := append([]func(){}, g.onStop...)
	g.mu.Unlock()

	signal.Stop(g.signals)
	for _, fn := range callbacks {
		fn()
	}

	snap := g.snapshot()
	// A failed marker write must not block process exit; the next start
	// simply treats the absence as a crash and reconciles.
	_ = writeSnapshot(g.path, snap)
	close(g.done)
}

// snapshot collects the current process view: open runs across all
// attached engines plus tracked resource counts.
func (g *LifecycleGuard) snapshot() Snapshot {
	snap := Snapshot{
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC(),
	}
	seen := make(map[string]struct{})
	for _, eng := range g.engines {
		for _, id := range eng.OpenRuns() {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			snap.OpenRunIDs = append(snap.OpenRunIDs, id)
		}
	}

	g.mu.Lock()
	if len(g.resources) > 0 {
		snap.TrackedResources = make(map[string]int, len(g.resources))
		for k, v := range g.resources {
			snap.TrackedResources[k] = v
		}
	}
	g.mu.Unlock()
	return snap
}

// writeSnapshot persists the marker atomically: write a temp file in the
// same directory, then rename over the target.
func writeSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".duraflow-shutdown-*")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Reconcile reads and consumes the previous shutdown snapshot.
//
// Returns (snapshot, true, nil) after a clean shutdown and (zero, false,
// nil) when no marker exists, which means the previous process crashed;
// callers then discover interrupted runs through the store and Resume
// them. The marker is deleted either way so a stale snapshot never
// masquerades as fresh on the start after next.
func Reconcile(path string) (Snapshot, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		os.Remove(path)
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return snap, true, fmt.Errorf("consume snapshot: %w", err)
	}
	return snap, true, nil
}
