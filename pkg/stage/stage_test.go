package stage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/cctools-go/workqueue/pkg/cache"
	"github.com/cctools-go/workqueue/pkg/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	m, err := NewManager(t.TempDir(), c)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateDestroySandbox(t *testing.T) {
	m := newManager(t)

	sb, err := m.Create(1, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(sb.Path); err != nil {
		t.Fatalf("sandbox directory missing: %v", err)
	}

	if err := m.Destroy(sb); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(sb.Path); !os.IsNotExist(err) {
		t.Error("expected sandbox directory removed")
	}
}

func TestCreateClearsStaleSandbox(t *testing.T) {
	m := newManager(t)

	sb, _ := m.Create(5, 1)
	stale := filepath.Join(sb.Path, "leftover.txt")
	os.WriteFile(stale, []byte("old"), 0644)

	sb2, err := m.Create(5, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("expected stale file cleared on re-create")
	}
	_ = sb2
}

func TestPlaceAndCollectUncached(t *testing.T) {
	m := newManager(t)
	sb, _ := m.Create(1, 0)

	fs := types.FileSpec{RemoteName: "in/data.txt", Direction: types.DirectionInput, CachePolicy: types.CachePolicyNoCache}
	payload := []byte("uncached payload")
	if err := m.PlaceInput(sb, fs, payload); err != nil {
		t.Fatalf("PlaceInput: %v", err)
	}

	out := types.FileSpec{RemoteName: "in/data.txt"}
	got, err := m.CollectOutput(sb, out)
	if err != nil {
		t.Fatalf("CollectOutput: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("roundtrip mismatch: got %q want %q", got, payload)
	}
}

func TestPlaceCachedHardlinksFromCache(t *testing.T) {
	m := newManager(t)
	sb, _ := m.Create(2, 0)

	fs := types.FileSpec{RemoteName: "model.dat", Direction: types.DirectionInput, CachePolicy: types.CachePolicyCache}
	payload := []byte("a cached blob used by many tasks")
	if err := m.PlaceInput(sb, fs, payload); err != nil {
		t.Fatalf("PlaceInput: %v", err)
	}

	digest := cache.Digest(payload)
	if !m.cache.Has(digest) {
		t.Error("expected cache to hold the blob after PlaceInput")
	}

	entry, ok := m.cache.Lookup("model.dat")
	if !ok || entry.Digest != digest {
		t.Errorf("expected cache binding for model.dat, got %+v, %v", entry, ok)
	}

	placed := filepath.Join(sb.Path, "model.dat")
	got, err := os.ReadFile(placed)
	if err != nil {
		t.Fatalf("read placed file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("placed file contents mismatch")
	}
}

func TestCollectOutputMissing(t *testing.T) {
	m := newManager(t)
	sb, _ := m.Create(3, 0)

	_, err := m.CollectOutput(sb, types.FileSpec{RemoteName: "nope.txt"})
	if err == nil {
		t.Error("expected error collecting a nonexistent output")
	}
}
