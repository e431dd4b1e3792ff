package transport

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

func TestLineRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan string, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			serverDone <- ""
			return
		}
		c := NewConn(nc)
		line, err := c.ReadLine()
		if err != nil {
			serverDone <- ""
			return
		}
		serverDone <- line
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteLine("ready worker-1 4 2048 1073741824"); err != nil {
		t.Fatalf("write line: %v", err)
	}

	got := <-serverDone
	if got != "ready worker-1 4 2048 1073741824" {
		t.Errorf("got %q", got)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	serverDone := make(chan []byte, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			serverDone <- nil
			return
		}
		c := NewConn(nc)
		line, err := c.ReadLine()
		if err != nil {
			serverDone <- nil
			return
		}
		n := int64(len(payload))
		_ = line
		data, err := c.ReadBinary(n)
		if err != nil {
			serverDone <- nil
			return
		}
		serverDone <- data
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.WriteLine("put foo.txt nocache 43"); err != nil {
		t.Fatalf("write line: %v", err)
	}
	if err := client.WriteBinary(payload); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	got := <-serverDone
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestReadLineRejectsOversizedLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(server)
	go func() {
		big := strings.Repeat("a", MaxLine+100)
		client.Write([]byte(big + "\n"))
	}()

	c.SetDeadline(time.Now().Add(time.Second))
	if _, err := c.ReadLine(); err == nil {
		t.Error("expected error reading oversized line")
	}
}

func TestWriteLineRejectsOversizedLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(client)
	err := c.WriteLine(strings.Repeat("a", MaxLine+1))
	if err == nil {
		t.Error("expected error writing oversized line")
	}
}
