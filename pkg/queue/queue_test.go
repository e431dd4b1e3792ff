package queue

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/cctools-go/workqueue/pkg/storage"
	"github.com/cctools-go/workqueue/pkg/transport"
	"github.com/cctools-go/workqueue/pkg/types"
	"github.com/cctools-go/workqueue/pkg/wire"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg.Addr = "127.0.0.1:0"
	cfg.Store = store
	cfg.MatchInterval = 20 * time.Millisecond
	cfg.KeepaliveTimeout = 2 * time.Second
	q := New(cfg)
	if err := q.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { q.Stop() })
	return q
}

func connectWorker(t *testing.T, q *Queue, workerID string) *transport.Conn {
	t.Helper()
	conn, err := transport.Dial(context.Background(), q.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := wire.WriteReady(conn, wire.ReadyMsg{WorkerID: workerID, Cores: 1, MemoryBytes: 1 << 20, DiskBytes: 1 << 30}); err != nil {
		t.Fatalf("WriteReady: %v", err)
	}
	return conn
}

func TestSubmitDispatchAndComplete(t *testing.T) {
	q := newTestQueue(t, Config{})
	conn := connectWorker(t, q, "worker-1")
	defer conn.Close()

	task := &types.Task{CommandLine: "echo hello"}
	task.SpecifyOutputFile("/tmp/doesnotmatter.txt", "out.txt")
	if err := q.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	l, err := wire.ReadLine(conn)
	if err != nil {
		t.Fatalf("ReadLine (work): %v", err)
	}
	if l.Verb != wire.VerbWork {
		t.Fatalf("got verb %q, want work", l.Verb)
	}
	work, err := wire.ReadWorkBody(conn, l)
	if err != nil {
		t.Fatalf("ReadWorkBody: %v", err)
	}
	if work.CommandLine != "echo hello" {
		t.Errorf("got command %q", work.CommandLine)
	}

	if err := wire.WriteResult(conn, wire.ResultMsg{
		TaskID: work.TaskID, Attempt: work.Attempt, ReturnStatus: 0, Result: types.ResultSuccess,
		Output:  []byte("hello\n"),
		Outputs: []wire.FileTransfer{{RemoteName: "out.txt", Data: []byte("hello\n")}},
	}); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	done, ok := q.Wait(2 * time.Second)
	if !ok {
		t.Fatal("Wait timed out")
	}
	if done.Result != types.ResultSuccess {
		t.Errorf("got result %v", done.Result)
	}
	if !q.Empty() {
		t.Error("expected queue empty after completion")
	}
}

func TestRetryOnExecFailure(t *testing.T) {
	q := newTestQueue(t, Config{RetryMax: 2})
	conn := connectWorker(t, q, "worker-1")
	defer conn.Close()

	task := &types.Task{CommandLine: "false"}
	if err := q.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	for attempt := 0; attempt <= 2; attempt++ {
		l, err := wire.ReadLine(conn)
		if err != nil {
			t.Fatalf("ReadLine attempt %d: %v", attempt, err)
		}
		work, err := wire.ReadWorkBody(conn, l)
		if err != nil {
			t.Fatalf("ReadWorkBody: %v", err)
		}
		if err := wire.WriteResult(conn, wire.ResultMsg{TaskID: work.TaskID, Attempt: work.Attempt, ReturnStatus: 1, Result: types.ResultExecFailed}); err != nil {
			t.Fatalf("WriteResult: %v", err)
		}
	}

	done, ok := q.Wait(2 * time.Second)
	if !ok {
		t.Fatal("Wait timed out")
	}
	if done.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", done.Attempts)
	}
}

func TestFastAbortReclassifiesStraggler(t *testing.T) {
	q := newTestQueue(t, Config{FastAbortK: 2, RetryMax: 5})
	conn := connectWorker(t, q, "worker-1")
	defer conn.Close()

	// Seed the running mean with one fast success so the threshold is tiny.
	fast := &types.Task{CommandLine: "echo fast"}
	q.Submit(fast)
	l, _ := wire.ReadLine(conn)
	work, _ := wire.ReadWorkBody(conn, l)
	wire.WriteResult(conn, wire.ResultMsg{TaskID: work.TaskID, Attempt: work.Attempt, Result: types.ResultSuccess})
	if _, ok := q.Wait(2 * time.Second); !ok {
		t.Fatal("seed task did not complete")
	}

	slow := &types.Task{CommandLine: "sleep 100"}
	q.Submit(slow)
	l, err := wire.ReadLine(conn)
	if err != nil {
		t.Fatalf("ReadLine (work): %v", err)
	}
	if _, err := wire.ReadWorkBody(conn, l); err != nil {
		t.Fatalf("ReadWorkBody: %v", err)
	}
	// Never respond: the worker is presumed lost by fast-abort.

	l, err = wire.ReadLine(conn)
	if err != nil {
		t.Fatalf("expected a kill message, got error: %v", err)
	}
	if l.Verb != wire.VerbKill {
		t.Fatalf("got verb %q, want kill", l.Verb)
	}
}

func TestHungryReflectsIdleWorkers(t *testing.T) {
	q := newTestQueue(t, Config{})
	conn := connectWorker(t, q, "worker-1")
	defer conn.Close()

	time.Sleep(50 * time.Millisecond) // let the worker register
	if got := q.Hungry(); got != 1 {
		t.Errorf("got Hungry()=%d, want 1", got)
	}
}

func TestShutdownWorkersSendsExit(t *testing.T) {
	q := newTestQueue(t, Config{})
	conn := connectWorker(t, q, "worker-1")
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	n := q.ShutdownWorkers(0)
	if n != 1 {
		t.Errorf("got %d workers shut down, want 1", n)
	}

	l, err := wire.ReadLine(conn)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if l.Verb != wire.VerbExit {
		t.Errorf("got verb %q, want exit", l.Verb)
	}
}

func TestSubmitRejectsOversizedCommandLine(t *testing.T) {
	q := newTestQueue(t, Config{})
	task := &types.Task{CommandLine: string(make([]byte, types.MaxCommandLineBytes+1))}
	if err := q.Submit(task); err == nil {
		t.Error("expected error for oversized command line")
	}
}

func TestFastAbortDisabledWithInfiniteK(t *testing.T) {
	cfg := Config{FastAbortK: math.Inf(1)}
	q := newTestQueue(t, cfg)
	if !math.IsInf(q.cfg.FastAbortK, 1) {
		t.Fatal("expected FastAbortK to remain +Inf")
	}
}
