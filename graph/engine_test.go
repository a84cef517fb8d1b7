package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/duraflow/graph/emit"
	"github.com/dshills/duraflow/graph/store"
)

// instantSleep skips retry backoff so tests run fast.
func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func pipelineSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(
		Channel{Name: "query", Default: ""},
		Channel{Name: "result", Default: ""},
		Channel{Name: "items", Default: []any{}, Reduce: Append},
	)
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	return s
}

func newTestEngine(t *testing.T, schema *Schema, st store.Store[State], opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSleep(instantSleep)}, opts...)
	eng, err := New(schema, st, emit.NewNullEmitter(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func mustAdd(t *testing.T, eng *Engine, nodeID string, fn NodeFunc) {
	t.Helper()
	if err := eng.Add(nodeID, fn); err != nil {
		t.Fatalf("Add(%s): %v", nodeID, err)
	}
}

func TestEngineLinearRun(t *testing.T) {
	ctx := context.Background()
	schema := pipelineSchema(t)
	st := store.NewMemStore[State]()
	eng := newTestEngine(t, schema, st)

	mustAdd(t, eng, "fetch", func(ctx context.Context, s State) NodeResult {
		return NodeResult{Delta: State{"result": "fetched:" + s["query"].(string)}, Route: Goto("summarize")}
	})
	mustAdd(t, eng, "summarize", func(ctx context.Context, s State) NodeResult {
		return NodeResult{Delta: State{"result": "summary of " + s["result"].(string)}, Route: Stop()}
	})
	if err := eng.StartAt("fetch"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}

	runID, status, err := eng.Start(ctx, "owner-1", State{"query": "go"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status != StatusComplete {
		t.Fatalf("status = %v, want COMPLETE", status)
	}

	cp, err := st.Get(ctx, runID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cp.State["result"] != "summary of fetched:go" {
		t.Errorf("result = %v", cp.State["result"])
	}
	// Seq 1 at creation plus one per step; the final step's checkpoint
	// carries the COMPLETE status.
	if cp.Seq != 3 {
		t.Errorf("seq = %d, want 3", cp.Seq)
	}

	info, err := eng.Inspect(ctx, runID)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Status != StatusComplete || info.OwnerID != "owner-1" {
		t.Errorf("info = %+v", info)
	}
}

func TestEngineEdgeRouting(t *testing.T) {
	ctx := context.Background()
	schema := pipelineSchema(t)
	eng := newTestEngine(t, schema, store.NewMemStore[State]())

	mustAdd(t, eng, "classify", func(ctx context.Context, s State) NodeResult {
		return NodeResult{Delta: State{"result": "large"}}
	})
	mustAdd(t, eng, "bulk", func(ctx context.Context, s State) NodeResult {
		return NodeResult{Delta: State{"query": "bulk path"}, Route: Stop()}
	})
	mustAdd(t, eng, "single", func(ctx context.Context, s State) NodeResult {
		return NodeResult{Delta: State{"query": "single path"}, Route: Stop()}
	})
	if err := eng.StartAt("classify"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	if err := eng.Connect("classify", "bulk", func(s State) bool { return s["result"] == "large" }); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := eng.Connect("classify", "single", nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	runID, status, err := eng.Start(ctx, "owner", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status != StatusComplete {
		t.Fatalf("status = %v", status)
	}
	cp, _ := eng.store.Get(ctx, runID)
	if cp.State["query"] != "bulk path" {
		t.Errorf("took wrong edge: %v", cp.State["query"])
	}
}

func TestEngineNoRoute(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())
	mustAdd(t, eng, "dangling", func(ctx context.Context, s State) NodeResult {
		return NodeResult{}
	})
	if err := eng.StartAt("dangling"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}

	_, status, err := eng.Start(ctx, "owner", nil)
	if status != StatusFailed {
		t.Fatalf("status = %v, want FAILED", status)
	}
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
}

func TestEngineRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure recovers", func(t *testing.T) {
		var calls atomic.Int32
		eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())
		mustAdd(t, eng, "flaky", func(ctx context.Context, s State) NodeResult {
			if calls.Add(1) < 3 {
				return NodeResult{Err: errors.New("connection refused")}
			}
			return NodeResult{Delta: State{"result": "ok"}, Route: Stop()}
		})
		if err := eng.StartAt("flaky"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}

		_, status, err := eng.Start(ctx, "owner", nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if status != StatusComplete {
			t.Fatalf("status = %v", status)
		}
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}
	})

	t.Run("exhaustion carries the retry count", func(t *testing.T) {
		var calls atomic.Int32
		st := store.NewMemStore[State]()
		eng := newTestEngine(t, pipelineSchema(t), st, WithMaxAttempts(2))
		mustAdd(t, eng, "throttled", func(ctx context.Context, s State) NodeResult {
			calls.Add(1)
			return NodeResult{Err: errors.New("429 too many requests")}
		})
		if err := eng.StartAt("throttled"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}

		runID, status, _ := eng.Start(ctx, "owner", nil)
		if status != StatusFailed {
			t.Fatalf("status = %v, want FAILED", status)
		}
		// MaxAttempts retries after the first failure: 3 executions total.
		if calls.Load() != 3 {
			t.Errorf("calls = %d, want 3", calls.Load())
		}

		info, err := eng.Inspect(ctx, runID)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if info.LastError == nil {
			t.Fatal("missing last error")
		}
		if info.LastError.RetryCount != 2 {
			t.Errorf("retry count = %d, want 2", info.LastError.RetryCount)
		}
		if got := string(info.LastError.Category); got != "RATE_LIMITED" {
			t.Errorf("category = %s", got)
		}

		// The terminal event also lands in the run's error log.
		cp, _ := st.Get(ctx, runID)
		log, _ := cp.State[ChannelErrorLog].([]any)
		if len(log) != 1 {
			t.Errorf("error_log entries = %d, want 1", len(log))
		}
	})

	t.Run("fatal wrapper skips retry", func(t *testing.T) {
		var calls atomic.Int32
		eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())
		mustAdd(t, eng, "sideeffect", func(ctx context.Context, s State) NodeResult {
			calls.Add(1)
			return NodeResult{Err: Fatal(errors.New("connection refused"))}
		})
		if err := eng.StartAt("sideeffect"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}

		_, status, _ := eng.Start(ctx, "owner", nil)
		if status != StatusFailed {
			t.Fatalf("status = %v", status)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1 (fatal must not retry)", calls.Load())
		}
	})

	t.Run("capacity failure never retries", func(t *testing.T) {
		var calls atomic.Int32
		eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())
		mustAdd(t, eng, "oversized", func(ctx context.Context, s State) NodeResult {
			calls.Add(1)
			return NodeResult{Err: errors.New("maximum context length exceeded")}
		})
		if err := eng.StartAt("oversized"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}

		_, status, _ := eng.Start(ctx, "owner", nil)
		if status != StatusFailed {
			t.Fatalf("status = %v", status)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})
}

func TestEngineLoopDetection(t *testing.T) {
	ctx := context.Background()

	t.Run("unchanged state trips the guard", func(t *testing.T) {
		eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())
		mustAdd(t, eng, "spin", func(ctx context.Context, s State) NodeResult {
			return NodeResult{Route: Goto("spin")}
		})
		if err := eng.StartAt("spin"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}

		_, status, err := eng.Start(ctx, "owner", nil)
		if status != StatusFailed {
			t.Fatalf("status = %v, want FAILED", status)
		}
		if !errors.Is(err, ErrLoopDetected) {
			t.Fatalf("err = %v, want ErrLoopDetected", err)
		}
	})

	t.Run("step ceiling stops a progressing loop", func(t *testing.T) {
		var calls atomic.Int32
		eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State](), WithMaxSteps(10))
		mustAdd(t, eng, "busy", func(ctx context.Context, s State) NodeResult {
			// State changes every step, so only the ceiling can stop it.
			return NodeResult{Delta: State{"items": calls.Add(1)}, Route: Goto("busy")}
		})
		if err := eng.StartAt("busy"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}

		_, status, err := eng.Start(ctx, "owner", nil)
		if status != StatusFailed {
			t.Fatalf("status = %v", status)
		}
		if !errors.Is(err, ErrLoopDetected) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestEngineFanOut(t *testing.T) {
	ctx := context.Background()
	schema := pipelineSchema(t)

	build := func(t *testing.T, st store.Store[State], failWorker string) *Engine {
		eng := newTestEngine(t, schema, st)
		mustAdd(t, eng, "plan", func(ctx context.Context, s State) NodeResult {
			return NodeResult{Route: FanOut("w1", "w2", "w3")}
		})
		for _, w := range []string{"w1", "w2", "w3"} {
			worker := w
			delay := map[string]time.Duration{"w1": 40 * time.Millisecond, "w2": 20 * time.Millisecond, "w3": 0}[w]
			mustAdd(t, eng, worker, func(ctx context.Context, s State) NodeResult {
				time.Sleep(delay)
				if worker == failWorker {
					return NodeResult{Err: Fatal(fmt.Errorf("worker %s broke", worker))}
				}
				return NodeResult{Delta: State{"items": worker}, Route: Goto("join")}
			})
		}
		mustAdd(t, eng, "join", func(ctx context.Context, s State) NodeResult {
			return NodeResult{Delta: State{"result": "joined"}, Route: Stop()}
		})
		if err := eng.StartAt("plan"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}
		return eng
	}

	t.Run("merge follows declared order", func(t *testing.T) {
		st := store.NewMemStore[State]()
		eng := build(t, st, "")

		runID, status, err := eng.Start(ctx, "owner", nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if status != StatusComplete {
			t.Fatalf("status = %v", status)
		}

		cp, _ := st.Get(ctx, runID)
		want := []any{"w1", "w2", "w3"}
		if !reflect.DeepEqual(cp.State["items"], want) {
			t.Errorf("items = %v, want %v (declared order, not completion order)", cp.State["items"], want)
		}
		if cp.State["result"] != "joined" {
			t.Errorf("join node never ran: %v", cp.State["result"])
		}
	})

	t.Run("failed member degrades instead of failing the run", func(t *testing.T) {
		st := store.NewMemStore[State]()
		eng := build(t, st, "w2")

		runID, status, err := eng.Start(ctx, "owner", nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if status != StatusComplete {
			t.Fatalf("status = %v, want COMPLETE despite one broken member", status)
		}

		cp, _ := st.Get(ctx, runID)
		want := []any{"w1", "w3"}
		if !reflect.DeepEqual(cp.State["items"], want) {
			t.Errorf("items = %v, want %v", cp.State["items"], want)
		}
		log, _ := cp.State[ChannelErrorLog].([]any)
		if len(log) != 1 {
			t.Errorf("error_log entries = %d, want 1", len(log))
		}
	})

	t.Run("replay is deterministic", func(t *testing.T) {
		st := store.NewMemStore[State]()
		eng := build(t, st, "")

		firstID, _, err := eng.Start(ctx, "owner", nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		secondID, _, err := eng.Start(ctx, "owner", nil)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}

		first, _ := st.Get(ctx, firstID)
		second, _ := st.Get(ctx, secondID)
		if !reflect.DeepEqual(first.State, second.State) {
			t.Errorf("same graph, same input, different states:\n%v\n%v", first.State, second.State)
		}
	})
}

func TestEngineCrashRecovery(t *testing.T) {
	ctx := context.Background()
	schema := pipelineSchema(t)
	st := store.NewMemStore[State]()

	build := func(t *testing.T) *Engine {
		eng := newTestEngine(t, schema, st)
		mustAdd(t, eng, "a", func(ctx context.Context, s State) NodeResult {
			return NodeResult{Delta: State{"items": "a"}, Route: Goto("b")}
		})
		mustAdd(t, eng, "b", func(ctx context.Context, s State) NodeResult {
			return NodeResult{Delta: State{"items": "b"}, Route: Stop()}
		})
		if err := eng.StartAt("a"); err != nil {
			t.Fatalf("StartAt: %v", err)
		}
		return eng
	}
	build(t)

	// A run that crashed after finishing node "a": its checkpoint says
	// RUNNING with "b" up next. Only the store knows this; no engine
	// instance holds any memory of it.
	state := State{"query": "", "result": "", "items": []any{"a"},
		ChannelErrorLog: []any{}, ChannelInterruptLog: []any{}}
	cp := store.Checkpoint[State]{
		RunID:     "run-crashed",
		OwnerID:   "owner",
		Seq:       2,
		Status:    string(StatusRunning),
		NextNodes: []string{"b"},
		State:     state,
		UpdatedAt: time.Now().UTC(),
	}
	if err := st.Put(ctx, cp); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A fresh engine instance picks the run up from the checkpoint alone.
	fresh := build(t)
	status, err := fresh.Resume(ctx, "run-crashed", nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status != StatusComplete {
		t.Fatalf("status = %v", status)
	}

	final, _ := st.Get(ctx, "run-crashed")
	want := []any{"a", "b"}
	if !reflect.DeepEqual(final.State["items"], want) {
		t.Errorf("items = %v, want %v (node a must not re-run)", final.State["items"], want)
	}
}

func TestEngineOpenRuns(t *testing.T) {
	eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())
	eng.trackRun("run-b")
	eng.trackRun("run-a")
	if got := eng.OpenRuns(); !reflect.DeepEqual(got, []string{"run-a", "run-b"}) {
		t.Errorf("OpenRuns = %v", got)
	}
	eng.untrackRun("run-a")
	if got := eng.OpenRuns(); !reflect.DeepEqual(got, []string{"run-b"}) {
		t.Errorf("OpenRuns = %v", got)
	}
}

func TestEngineValidation(t *testing.T) {
	eng := newTestEngine(t, pipelineSchema(t), store.NewMemStore[State]())

	if _, _, err := eng.Start(context.Background(), "o", nil); err == nil {
		t.Error("Start without a start node must fail")
	}
	if err := eng.StartAt("nope"); err == nil {
		t.Error("StartAt with unknown node must fail")
	}
	mustAdd(t, eng, "a", func(ctx context.Context, s State) NodeResult { return NodeResult{Route: Stop()} })
	if err := eng.Add("a", NodeFunc(func(ctx context.Context, s State) NodeResult { return NodeResult{} })); err == nil {
		t.Error("duplicate Add must fail")
	}
	if err := eng.Connect("a", "missing", nil); err == nil {
		t.Error("Connect to unknown node must fail")
	}
}
