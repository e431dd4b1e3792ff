package growfs

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/cctools-go/workqueue/pkg/cache"
)

type memFetcher map[string][]byte

func (m memFetcher) Fetch(hash string) (io.ReadCloser, error) {
	data, ok := m[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func buildIndex(t *testing.T, manifest string) *Index {
	t.Helper()
	idx, err := ParseIndex(strings.NewReader(manifest))
	if err != nil {
		t.Fatalf("ParseIndex: %v", err)
	}
	return idx
}

func TestStatAndReaddir(t *testing.T) {
	content := []byte("hello world")
	digest := cache.Digest(content)
	manifest := "dir 2147483648 0 -\n" +
		"dir/file.txt 420 11 " + digest + "\n"

	idx := buildIndex(t, manifest)
	fs, err := New(idx, memFetcher{digest: content}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e, err := fs.Stat("dir/file.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if e.Length != 11 {
		t.Errorf("got length %d, want 11", e.Length)
	}

	entries, err := fs.Readdir("dir")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "dir/file.txt" {
		t.Errorf("unexpected readdir result: %+v", entries)
	}
}

func TestOpenStreamsAndCachesLocally(t *testing.T) {
	content := []byte("cached payload")
	digest := cache.Digest(content)
	manifest := "f.bin 420 " + strconv.Itoa(len(content)) + " " + digest + "\n"
	idx := buildIndex(t, manifest)

	fetcher := memFetcher{digest: content}
	fs, err := New(idx, fetcher, t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rc, err := fs.Open("f.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("got %q, want %q", data, content)
	}

	delete(fetcher, digest) // force the second Open to come from the local cache
	rc2, err := fs.Open("f.bin")
	if err != nil {
		t.Fatalf("Open (cached): %v", err)
	}
	data2, err := io.ReadAll(rc2)
	rc2.Close()
	if err != nil {
		t.Fatalf("ReadAll (cached): %v", err)
	}
	if string(data2) != string(content) {
		t.Errorf("cached read mismatch: got %q, want %q", data2, content)
	}
}

func TestSymlinkEscapeRejected(t *testing.T) {
	manifest := "link 134218239 0 - ../../../etc/passwd\n"
	if _, err := ParseIndex(strings.NewReader(manifest)); err == nil {
		t.Fatal("expected ParseIndex to reject an escaping symlink target")
	}
}

func TestSymlinkWithinRootResolves(t *testing.T) {
	content := []byte("target contents")
	digest := cache.Digest(content)
	manifest := "real.txt 420 " + strconv.Itoa(len(content)) + " " + digest + "\n" +
		"link 134218239 0 - real.txt\n"
	idx := buildIndex(t, manifest)
	fs, err := New(idx, memFetcher{digest: content}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e, err := fs.Stat("link")
	if err != nil {
		t.Fatalf("Stat through symlink: %v", err)
	}
	if e.Path != "real.txt" {
		t.Errorf("expected symlink to resolve to real.txt, got %s", e.Path)
	}
}

func TestPathEscapeRejectedOnLookup(t *testing.T) {
	idx := buildIndex(t, "f 420 0 -\n")
	fs, err := New(idx, memFetcher{}, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := fs.Stat("../../etc/passwd"); err == nil {
		t.Fatal("expected escape rejection")
	}
}
