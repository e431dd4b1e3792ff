package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cctools-go/workqueue/pkg/transport"
	"github.com/cctools-go/workqueue/pkg/types"
	"github.com/cctools-go/workqueue/pkg/wire"
)

func newFakeMaster(t *testing.T) (addr string, accept func(t *testing.T) *transport.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan *transport.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- transport.NewConn(nc)
	}()

	return ln.Addr().String(), func(t *testing.T) *transport.Conn {
		t.Helper()
		select {
		case c := <-connCh:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for worker connection")
			return nil
		}
	}
}

func newTestSession(t *testing.T, addr string) *Session {
	t.Helper()
	s, err := New(Config{
		WorkerID:          "worker-1",
		MasterAddr:        addr,
		Cores:             2,
		MemoryBytes:       1 << 20,
		DiskBytes:         1 << 30,
		CacheDir:          t.TempDir(),
		SandboxDir:        t.TempDir(),
		KeepaliveInterval: time.Second,
		KeepaliveTimeout:  5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSessionReadyHandshakeAndExit(t *testing.T) {
	addr, accept := newFakeMaster(t)
	s := newTestSession(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	conn := accept(t)
	defer conn.Close()

	l, err := wire.ReadLine(conn)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if l.Verb != wire.VerbReady {
		t.Fatalf("got verb %q, want ready", l.Verb)
	}
	ready, err := wire.ReadReadyBody(l)
	if err != nil {
		t.Fatalf("ReadReadyBody: %v", err)
	}
	if ready.WorkerID != "worker-1" || ready.Cores != 2 {
		t.Errorf("unexpected ready body: %+v", ready)
	}
	if got := s.State(); got != types.WorkerStateReady {
		t.Errorf("expected ready state, got %v", got)
	}

	if err := wire.WriteExit(conn); err != nil {
		t.Fatalf("WriteExit: %v", err)
	}

	if err := <-runErr; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := s.State(); got != types.WorkerStateDead {
		t.Errorf("expected dead state after exit, got %v", got)
	}
}

func TestSessionRunsTaskAndReturnsResult(t *testing.T) {
	addr, accept := newFakeMaster(t)
	s := newTestSession(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	conn := accept(t)
	defer conn.Close()

	if _, err := wire.ReadLine(conn); err != nil {
		t.Fatalf("ReadLine (ready): %v", err)
	}

	work := wire.WorkMsg{
		TaskID:      1,
		Attempt:     0,
		CommandLine: "echo -n hello > out.txt",
		Files: []wire.FileTransfer{
			{Direction: types.DirectionOutput, RemoteName: "out.txt"},
		},
	}
	if err := wire.WriteWork(conn, work); err != nil {
		t.Fatalf("WriteWork: %v", err)
	}

	l, err := wire.ReadLine(conn)
	if err != nil {
		t.Fatalf("ReadLine (result): %v", err)
	}
	if l.Verb != wire.VerbResult {
		t.Fatalf("got verb %q, want result", l.Verb)
	}
	res, err := wire.ReadResultBody(conn, l)
	if err != nil {
		t.Fatalf("ReadResultBody: %v", err)
	}
	if res.Result != types.ResultSuccess {
		t.Fatalf("expected success, got %v (output=%q)", res.Result, res.Output)
	}
	if len(res.Outputs) != 1 || string(res.Outputs[0].Data) != "hello" {
		t.Errorf("unexpected outputs: %+v", res.Outputs)
	}
}

func TestSessionPutThenGetRoundTrip(t *testing.T) {
	addr, accept := newFakeMaster(t)
	s := newTestSession(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	conn := accept(t)
	defer conn.Close()

	if _, err := wire.ReadLine(conn); err != nil {
		t.Fatalf("ReadLine (ready): %v", err)
	}

	payload := []byte("cached content shared across tasks")
	if err := wire.WritePut(conn, wire.PutMsg{RemoteName: "shared.dat", CachePolicy: types.CachePolicyCache, Data: payload}); err != nil {
		t.Fatalf("WritePut: %v", err)
	}

	if err := wire.WriteGet(conn, wire.GetMsg{RemoteName: "shared.dat"}); err != nil {
		t.Fatalf("WriteGet: %v", err)
	}

	l, err := wire.ReadLine(conn)
	if err != nil {
		t.Fatalf("ReadLine (put-back): %v", err)
	}
	if l.Verb != wire.VerbPut {
		t.Fatalf("got verb %q, want put", l.Verb)
	}
	got, err := wire.ReadPutBody(conn, l)
	if err != nil {
		t.Fatalf("ReadPutBody: %v", err)
	}
	if string(got.Data) != string(payload) {
		t.Errorf("get round trip mismatch: got %q, want %q", got.Data, payload)
	}
}
