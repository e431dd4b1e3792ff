package sand

import (
	"path/filepath"
	"testing"

	"github.com/cctools-go/workqueue/pkg/checkpoint"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/types"
)

func newTestDriver(t *testing.T, batches []Batch) *Driver {
	t.Helper()
	cp, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.log"))
	if err != nil {
		t.Fatalf("opening checkpoint log: %v", err)
	}
	t.Cleanup(func() { cp.Close() })

	idx := make(map[string]int, len(batches))
	for i, b := range batches {
		idx[b.Key] = i
	}
	return &Driver{
		cfg:        Config{Batches: batches, FilterBinary: "filter", AlignBinary: "align", SequenceFile: "seqs"},
		logger:     log.WithComponent("sand-test"),
		cp:         cp,
		batchIndex: idx,
	}
}

func TestNextTaskDispatchesFilterForUncheckpointedBatch(t *testing.T) {
	batches := []Batch{{Key: "a"}}
	d := newTestDriver(t, batches)

	task, skipped := d.nextTask(batches[0])
	if skipped {
		t.Fatal("expected a task, got skipped")
	}
	if _, p := decodeTag(task.Tag); p != phaseFilter {
		t.Errorf("got phase %d, want phaseFilter", p)
	}
}

func TestNextTaskStopAfterFilterSkipsAlreadyFilteredBatch(t *testing.T) {
	batches := []Batch{{Key: "a"}}
	d := newTestDriver(t, batches)
	d.cfg.StopAfterFilter = true
	if err := d.cp.Record(0, int(phaseFilter), types.CheckpointSuccess); err != nil {
		t.Fatalf("recording checkpoint: %v", err)
	}

	_, skipped := d.nextTask(batches[0])
	if !skipped {
		t.Error("expected StopAfterFilter to skip a batch already past phase one")
	}
}

func TestNextTaskWithoutStopAfterFilterJumpsToAlign(t *testing.T) {
	batches := []Batch{{Key: "a"}}
	d := newTestDriver(t, batches)
	if err := d.cp.Record(0, int(phaseFilter), types.CheckpointSuccess); err != nil {
		t.Fatalf("recording checkpoint: %v", err)
	}

	task, skipped := d.nextTask(batches[0])
	if skipped {
		t.Fatal("expected an align task, got skipped")
	}
	if _, p := decodeTag(task.Tag); p != phaseAlign {
		t.Errorf("got phase %d, want phaseAlign", p)
	}
}

func TestNextTaskAlignOnlySkipsBatchWithNoFilterCheckpoint(t *testing.T) {
	batches := []Batch{{Key: "a"}}
	d := newTestDriver(t, batches)
	d.cfg.AlignOnly = true

	_, skipped := d.nextTask(batches[0])
	if !skipped {
		t.Error("expected AlignOnly to skip a batch with no successful filter checkpoint")
	}
}

func TestNextTaskAlignOnlyDispatchesAlignForFilteredBatch(t *testing.T) {
	batches := []Batch{{Key: "a"}}
	d := newTestDriver(t, batches)
	d.cfg.AlignOnly = true
	if err := d.cp.Record(0, int(phaseFilter), types.CheckpointSuccess); err != nil {
		t.Fatalf("recording checkpoint: %v", err)
	}

	task, skipped := d.nextTask(batches[0])
	if skipped {
		t.Fatal("expected an align task, got skipped")
	}
	if _, p := decodeTag(task.Tag); p != phaseAlign {
		t.Errorf("got phase %d, want phaseAlign", p)
	}
}

func TestNextTaskSkipsBatchAlreadyFullyComplete(t *testing.T) {
	batches := []Batch{{Key: "a"}}
	d := newTestDriver(t, batches)
	if err := d.cp.Record(0, int(phaseAlign), types.CheckpointSuccess); err != nil {
		t.Fatalf("recording checkpoint: %v", err)
	}

	_, skipped := d.nextTask(batches[0])
	if !skipped {
		t.Error("expected a batch already through both phases to be skipped")
	}
}

func TestEncodeDecodeTagRoundTrip(t *testing.T) {
	tag := encodeTag("batch-42", phaseAlign)
	key, p := decodeTag(tag)
	if key != "batch-42" || p != phaseAlign {
		t.Errorf("got (%q, %d), want (batch-42, %d)", key, p, phaseAlign)
	}
}

func TestDecodeTagHandlesFilterPhase(t *testing.T) {
	tag := encodeTag("abc", phaseFilter)
	key, p := decodeTag(tag)
	if key != "abc" || p != phaseFilter {
		t.Errorf("got (%q, %d), want (abc, %d)", key, p, phaseFilter)
	}
}

func TestDefaultAlignOptionsMatchesReferenceThreshold(t *testing.T) {
	if got := DefaultAlignOptions().QualityThreshold; got != 0.04 {
		t.Errorf("got %v, want 0.04", got)
	}
}

func TestFindBatchReturnsStubWhenMissing(t *testing.T) {
	b := findBatch(nil, "missing")
	if b.Key != "missing" {
		t.Errorf("got %q, want missing", b.Key)
	}
}
