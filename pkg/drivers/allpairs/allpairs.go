// Package allpairs implements the matrix-tiling driver: an X×Y grid
// of sequence-pair comparisons, partitioned into B×B rectangles and
// dispatched as one task per rectangle.
package allpairs

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cctools-go/workqueue/pkg/checkpoint"
	"github.com/cctools-go/workqueue/pkg/drivers/progress"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/queue"
	"github.com/cctools-go/workqueue/pkg/types"
)

// Config configures one all-pairs run.
type Config struct {
	Queue *queue.Queue

	SetAPath, SetBPath string // the two set-list files, shared across every tile
	CompareBinary      string // the comparison binary, shared across every tile
	XCount, YCount     int    // grid dimensions
	TileSize           int    // B; defaults to 1 tile row/col if <= 0

	CheckpointPath string // empty disables checkpointing
	ProgressOut    *os.File
}

// Result is one completed tile's output.
type Result struct {
	Y, X           int
	CandidatePairs int
}

// Driver runs the matrix-tiling pipeline to completion, emitting tiles
// row-major, skipping any already-successful (y,x) tile found in the
// checkpoint log.
type Driver struct {
	cfg    Config
	logger zerolog.Logger
	cp     *checkpoint.Log
	tbl    *progress.Table

	submitted, done int
}

// New constructs a Driver. TileSize <= 0 defaults to 1, i.e. one tile
// per grid cell (no batching) — the caller is expected to have
// already picked B so that one rectangle costs roughly 60s of compute,
// per SPEC_FULL.md §4.F; this driver does not itself time a probe
// invocation.
func New(cfg Config) (*Driver, error) {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 1
	}
	d := &Driver{cfg: cfg, logger: log.WithComponent("allpairs")}

	if cfg.CheckpointPath != "" {
		cp, err := checkpoint.Open(cfg.CheckpointPath)
		if err != nil {
			return nil, fmt.Errorf("opening checkpoint log: %w", err)
		}
		d.cp = cp
	}

	out := cfg.ProgressOut
	if out == nil {
		out = os.Stdout
	}
	d.tbl = progress.New(out, 5*time.Second)
	return d, nil
}

// Run submits tiles row-major while the queue is hungry, draining
// completions via Wait in between, and returns once every tile has a
// terminal result. It never holds more tiles in the queue's waiting
// list than there are idle workers to run them — an X×Y grid can
// vastly outnumber the worker pool, and submitting it all upfront
// would let that list grow unbounded. Results are streamed to
// onResult as each tile finishes so the caller can append to its own
// output file without buffering the whole matrix in memory.
func (d *Driver) Run(onResult func(Result)) error {
	start := time.Now()
	d.tbl.Run(start, func() progress.Counters {
		c := progress.CountersFromStats(d.cfg.Queue.Stats())
		c.Submitted = d.submitted
		c.Done = d.done
		c.UnitLabel = "pairs"
		return c
	})
	defer d.tbl.Stop()

	var remaining [][2]int
	for y := 0; y < d.cfg.YCount; y += d.cfg.TileSize {
		for x := 0; x < d.cfg.XCount; x += d.cfg.TileSize {
			if d.cp != nil && d.cp.Status(y, x) == types.CheckpointSuccess {
				continue
			}
			remaining = append(remaining, [2]int{y, x})
		}
	}

	pending := 0
	for len(remaining) > 0 || pending > 0 {
		for len(remaining) > 0 && d.cfg.Queue.Hungry() > 0 {
			yx := remaining[0]
			remaining = remaining[1:]
			task := d.buildTask(yx[0], yx[1])
			if err := d.cfg.Queue.Submit(task); err != nil {
				return fmt.Errorf("submitting tile (%d,%d): %w", yx[0], yx[1], err)
			}
			d.submitted++
			pending++
		}

		task, ok := d.cfg.Queue.Wait(5 * time.Second)
		if !ok {
			continue
		}
		pending--
		d.done++

		y, x := tileCoordsFromTag(task.Tag)
		status := types.CheckpointFailed
		pairs := 0
		if task.Result == types.ResultSuccess {
			status = types.CheckpointSuccess
			pairs = countCandidatePairs(task.Output)
		} else {
			d.logger.Warn().Int("y", y).Int("x", x).Str("result", string(task.Result)).Msg("tile failed")
		}
		if d.cp != nil {
			if err := d.cp.Record(y, x, status); err != nil {
				d.logger.Error().Err(err).Msg("checkpoint record failed")
			}
		}
		onResult(Result{Y: y, X: x, CandidatePairs: pairs})
	}

	if d.cp != nil {
		return d.cp.Close()
	}
	return nil
}

func (d *Driver) buildTask(y, x int) *types.Task {
	task := &types.Task{
		CommandLine: fmt.Sprintf("%s %s %s %d %d %d", d.cfg.CompareBinary, d.cfg.SetAPath, d.cfg.SetBPath, y, x, d.cfg.TileSize),
		Tag:         tileTag(y, x),
	}
	task.SpecifyInputFile(d.cfg.CompareBinary, "compare", types.CachePolicyCache)
	task.SpecifyInputFile(d.cfg.SetAPath, "set_a", types.CachePolicyCache)
	task.SpecifyInputFile(d.cfg.SetBPath, "set_b", types.CachePolicyCache)
	return task
}

func tileTag(y, x int) string { return fmt.Sprintf("%d:%d", y, x) }

func tileCoordsFromTag(tag string) (y, x int) {
	fmt.Sscanf(tag, "%d:%d", &y, &x)
	return y, x
}

// countCandidatePairs counts the non-empty lines of a tile's stdout,
// one candidate pair per line, matching the comparison binary's
// output convention.
func countCandidatePairs(output []byte) int {
	count := 0
	start := 0
	for i, b := range output {
		if b == '\n' {
			if i > start {
				count++
			}
			start = i + 1
		}
	}
	if start < len(output) {
		count++
	}
	return count
}
