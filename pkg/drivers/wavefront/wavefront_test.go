package wavefront

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEligibleRequiresAllThreeDependencies(t *testing.T) {
	d := &Driver{cfg: Config{Width: 3, Height: 3}, done: map[[2]int]bool{}}
	if !d.eligible(0, 1) {
		t.Errorf("boundary cell (0,1) should always be eligible")
	}
	if d.eligible(1, 1) {
		t.Errorf("(1,1) should not be eligible with no dependencies done")
	}
	d.done[[2]int{0, 1}] = true
	d.done[[2]int{1, 0}] = true
	d.done[[2]int{0, 0}] = true
	if !d.eligible(1, 1) {
		t.Errorf("(1,1) should be eligible once west/north/northwest are done")
	}
}

func TestReplayRestoresCompletedCells(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "out.log")
	if err := os.WriteFile(logPath, []byte("1 1 hello\n2 2 world\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := New(Config{OutputLogPath: logPath, Width: 3, Height: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.out.Close()

	if !d.done[[2]int{1, 1}] || d.grid[[2]int{1, 1}] != "hello" {
		t.Errorf("expected (1,1) replayed as done with payload %q", "hello")
	}
	if !d.done[[2]int{2, 2}] || d.grid[[2]int{2, 2}] != "world" {
		t.Errorf("expected (2,2) replayed as done with payload %q", "world")
	}
}

func TestCellTagRoundTripsThroughBuildTask(t *testing.T) {
	d := &Driver{
		cfg:  Config{CommandFor: func(x, y int, west, north, nw string) string { return "cmd" }},
		grid: map[[2]int]string{{0, 1}: "w", {1, 0}: "n", {0, 0}: "nw"},
		done: map[[2]int]bool{},
	}
	task := d.buildTask(1, 1)
	if task.Tag != cellTag(1, 1) {
		t.Errorf("got tag %q, want %q", task.Tag, cellTag(1, 1))
	}
}
