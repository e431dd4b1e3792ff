package wire

import (
	"net"
	"testing"

	"github.com/cctools-go/workqueue/pkg/transport"
	"github.com/cctools-go/workqueue/pkg/types"
)

func pipeConns(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	return transport.NewConn(a), transport.NewConn(b)
}

func TestReadyRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	want := ReadyMsg{WorkerID: "worker-1", Cores: 4, MemoryBytes: 1 << 30, DiskBytes: 1 << 40}
	done := make(chan error, 1)
	go func() { done <- WriteReady(client, want) }()

	l, err := ReadLine(server)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if l.Verb != VerbReady {
		t.Fatalf("got verb %q", l.Verb)
	}
	got, err := ReadReadyBody(l)
	if err != nil {
		t.Fatalf("ReadReadyBody: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteReady: %v", err)
	}
}

func TestPutRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	want := PutMsg{RemoteName: "model.dat", CachePolicy: types.CachePolicyCache, Data: []byte("blob contents")}
	done := make(chan error, 1)
	go func() { done <- WritePut(client, want) }()

	l, err := ReadLine(server)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	got, err := ReadPutBody(server, l)
	if err != nil {
		t.Fatalf("ReadPutBody: %v", err)
	}
	if got.RemoteName != want.RemoteName || got.CachePolicy != want.CachePolicy || string(got.Data) != string(want.Data) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	<-done
}

func TestWorkRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	want := WorkMsg{
		TaskID:      42,
		Attempt:     1,
		CommandLine: "echo hello > out.txt",
		Files: []FileTransfer{
			{Direction: types.DirectionInput, RemoteName: "in.txt", CachePolicy: types.CachePolicyNoCache, Data: []byte("payload")},
			{Direction: types.DirectionInput, RemoteName: "cached.dat", CachePolicy: types.CachePolicyCache},
			{Direction: types.DirectionOutput, RemoteName: "out.txt", CachePolicy: types.CachePolicyNoCache},
		},
	}
	done := make(chan error, 1)
	go func() { done <- WriteWork(client, want) }()

	l, err := ReadLine(server)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if l.Verb != VerbWork {
		t.Fatalf("got verb %q", l.Verb)
	}
	got, err := ReadWorkBody(server, l)
	if err != nil {
		t.Fatalf("ReadWorkBody: %v", err)
	}
	if got.TaskID != want.TaskID || got.Attempt != want.Attempt || got.CommandLine != want.CommandLine {
		t.Errorf("header mismatch: got %+v", got)
	}
	if len(got.Files) != len(want.Files) {
		t.Fatalf("got %d files, want %d", len(got.Files), len(want.Files))
	}
	if string(got.Files[0].Data) != "payload" {
		t.Errorf("file 0 data mismatch: %q", got.Files[0].Data)
	}
	if len(got.Files[1].Data) != 0 {
		t.Errorf("expected no data for resident cached file, got %q", got.Files[1].Data)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteWork: %v", err)
	}
}

func TestResultRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	want := ResultMsg{
		TaskID:       7,
		Attempt:      2,
		ReturnStatus: 0,
		Result:       types.ResultSuccess,
		Output:       []byte("stdout capture"),
		Outputs: []FileTransfer{
			{RemoteName: "out.txt", Data: []byte("produced output")},
		},
	}
	done := make(chan error, 1)
	go func() { done <- WriteResult(client, want) }()

	l, err := ReadLine(server)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	got, err := ReadResultBody(server, l)
	if err != nil {
		t.Fatalf("ReadResultBody: %v", err)
	}
	if got.TaskID != want.TaskID || got.Result != want.Result || string(got.Output) != string(want.Output) {
		t.Errorf("got %+v", got)
	}
	if len(got.Outputs) != 1 || string(got.Outputs[0].Data) != "produced output" {
		t.Errorf("outputs mismatch: %+v", got.Outputs)
	}
	<-done
}

func TestKillAndExitAndPing(t *testing.T) {
	client, server := pipeConns(t)
	defer client.Close()
	defer server.Close()

	go func() {
		WriteKill(client, KillMsg{TaskID: 99})
	}()
	l, err := ReadLine(server)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	km, err := ReadKillBody(l)
	if err != nil || km.TaskID != 99 {
		t.Errorf("ReadKillBody: %+v, %v", km, err)
	}

	go func() { WriteExit(client) }()
	l, err = ReadLine(server)
	if err != nil || l.Verb != VerbExit {
		t.Errorf("expected exit, got %+v, %v", l, err)
	}

	go func() { WritePing(client) }()
	l, err = ReadLine(server)
	if err != nil || l.Verb != VerbPing {
		t.Errorf("expected ping, got %+v, %v", l, err)
	}
}
