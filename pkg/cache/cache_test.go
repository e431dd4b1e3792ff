package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPutAndHas(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := []byte("hello work queue")
	digest, err := c.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if !c.Has(digest) {
		t.Error("expected Has to report true after Put")
	}

	path := c.Path(digest)
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("blob contents mismatch")
	}

	rel, err := filepath.Rel(dir, path)
	if err != nil {
		t.Fatalf("rel: %v", err)
	}
	if rel != filepath.Join(digest[0:2], digest[2:4], digest) {
		t.Errorf("unexpected fan-out path: %s", rel)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c, _ := New(dir)

	data := []byte("repeat me")
	d1, err := c.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	d2, err := c.Put(data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if d1 != d2 {
		t.Errorf("digests differ across identical puts: %s vs %s", d1, d2)
	}
}

func TestEnsureReportsHit(t *testing.T) {
	dir := t.TempDir()
	c, _ := New(dir)

	digest, err := c.Put([]byte("cached content"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if hit := c.Ensure("input.txt", digest); !hit {
		t.Error("expected Ensure to report a cache hit for a stored digest")
	}
	if hit := c.Ensure("other.txt", "0000000000000000"); hit {
		t.Error("expected Ensure to report a miss for an unstored digest")
	}

	e, ok := c.Lookup("input.txt")
	if !ok || e.Digest != digest {
		t.Errorf("Lookup returned %+v, %v", e, ok)
	}
}

func TestInvalidateAndDrop(t *testing.T) {
	dir := t.TempDir()
	c, _ := New(dir)

	digest, _ := c.Put([]byte("goodbye"))
	c.Ensure("f", digest)

	c.Invalidate("f")
	if _, ok := c.Lookup("f"); ok {
		t.Error("expected Lookup to fail after Invalidate")
	}
	if !c.Has(digest) {
		t.Error("Invalidate should not remove the underlying blob")
	}

	if err := c.Drop(digest); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if c.Has(digest) {
		t.Error("expected blob removed after Drop")
	}

	if err := c.Drop(digest); err != nil {
		t.Errorf("Drop of already-missing digest should be a no-op, got %v", err)
	}
}

func TestPutFile(t *testing.T) {
	dir := t.TempDir()
	c, _ := New(dir)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "data.bin")
	content := bytes.Repeat([]byte("x"), 1<<20+37)
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	digest, n, err := c.PutFile(srcPath)
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("got size %d, want %d", n, len(content))
	}
	if !c.Has(digest) {
		t.Error("expected blob stored after PutFile")
	}

	want := Digest(content)
	if digest != want {
		t.Errorf("digest mismatch: got %s want %s", digest, want)
	}
}
