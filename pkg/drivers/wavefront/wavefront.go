// Package wavefront implements the dependency-grid driver: cell (x,y)
// for x,y >= 1 depends on (x-1,y), (x,y-1), (x-1,y-1); a cell becomes
// eligible once all three dependencies have results.
package wavefront

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cctools-go/workqueue/pkg/drivers/progress"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/queue"
	"github.com/cctools-go/workqueue/pkg/types"
)

// Config configures one wavefront run.
type Config struct {
	Queue *queue.Queue

	Width, Height int
	CommandFor    func(x, y int, west, north, northwest string) string

	// BoundaryInput seeds column 0 and row 0: BoundaryInput(x, 0) and
	// BoundaryInput(0, y).
	BoundaryInput func(x, y int) string

	OutputLogPath string // appended to on every completion; also the recovery source on restart
	ProgressOut   *os.File
}

// Driver maintains the grid as a sparse map of cell payloads and
// reconsiders a cell's two successor cells each time a dependency
// completes, the same "observe state, fill in what's missing" shape
// the reconciler loop uses for cluster state.
type Driver struct {
	cfg    Config
	logger zerolog.Logger
	tbl    *progress.Table

	grid  map[[2]int]string // (x,y) -> payload, once resolved
	done  map[[2]int]bool
	out   *os.File
	cells int
}

// New constructs a Driver, replaying any lines already present in
// OutputLogPath ("x y payload") and treating those cells as done —
// the recovery path SPEC_FULL.md §4.F names for this driver.
func New(cfg Config) (*Driver, error) {
	d := &Driver{
		cfg:    cfg,
		logger: log.WithComponent("wavefront"),
		grid:   make(map[[2]int]string),
		done:   make(map[[2]int]bool),
	}

	if cfg.OutputLogPath != "" {
		if err := d.replay(); err != nil {
			return nil, fmt.Errorf("replaying output log: %w", err)
		}
		f, err := os.OpenFile(cfg.OutputLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening output log: %w", err)
		}
		d.out = f
	}

	out := cfg.ProgressOut
	if out == nil {
		out = os.Stdout
	}
	d.tbl = progress.New(out, 5*time.Second)
	return d, nil
}

func (d *Driver) replay() error {
	f, err := os.Open(d.cfg.OutputLogPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			continue
		}
		var x, y int
		if _, err := fmt.Sscanf(fields[0]+" "+fields[1], "%d %d", &x, &y); err != nil {
			continue
		}
		key := [2]int{x, y}
		d.grid[key] = fields[2]
		d.done[key] = true
	}
	return sc.Err()
}

// Run seeds the boundary, dispatches each newly eligible interior
// cell as a task once the queue is hungry for it, and returns once
// the whole grid is done. It never holds more cells in the queue's
// waiting list than there are idle workers — submission is gated on
// Hungry(), with newly-ready cells parked in queued until capacity
// frees up, rather than handed to the queue all at once.
func (d *Driver) Run() error {
	start := time.Now()
	var submitted, finished int
	d.tbl.Run(start, func() progress.Counters {
		c := progress.CountersFromStats(d.cfg.Queue.Stats())
		c.Submitted = submitted
		c.Done = finished
		c.UnitLabel = "cells"
		c.Units = int64(d.cells)
		return c
	})
	defer d.tbl.Stop()
	if d.out != nil {
		defer d.out.Close()
	}

	total := d.cfg.Width * d.cfg.Height
	finished = len(d.done) // cells already resolved by a prior run's replay

	claimed := make(map[[2]int]bool, len(d.done))
	for key := range d.done {
		claimed[key] = true
	}
	inFlight := make(map[string][2]int) // task tag -> cell
	var queued []*types.Task

	// discover finds every cell whose dependencies are now satisfied.
	// Boundary cells are resolved immediately, since they never become
	// a task; interior cells are parked in queued for Run's submission
	// loop to dispatch once the queue is hungry for them.
	discover := func() {
		for y := 0; y < d.cfg.Height; y++ {
			for x := 0; x < d.cfg.Width; x++ {
				key := [2]int{x, y}
				if claimed[key] || !d.eligible(x, y) {
					continue
				}
				claimed[key] = true
				task := d.buildTask(x, y)
				if task == nil {
					finished++
					d.cells++
					if d.out != nil {
						fmt.Fprintf(d.out, "%d %d %s\n", x, y, d.grid[key])
					}
					continue
				}
				queued = append(queued, task)
			}
		}
	}

	discover()
	for finished < total {
		for len(queued) > 0 && d.cfg.Queue.Hungry() > 0 {
			task := queued[0]
			queued = queued[1:]
			if err := d.cfg.Queue.Submit(task); err != nil {
				return fmt.Errorf("submitting cell %q: %w", task.Tag, err)
			}
			inFlight[task.Tag] = cellFromTag(task.Tag)
			submitted++
		}

		task, ok := d.cfg.Queue.Wait(5 * time.Second)
		if !ok {
			discover() // workers may have connected since the last pass
			continue
		}
		key, tracked := inFlight[task.Tag]
		if !tracked {
			continue
		}
		delete(inFlight, task.Tag)
		finished++

		payload := string(task.Output)
		if task.Result != types.ResultSuccess {
			d.logger.Warn().Int("x", key[0]).Int("y", key[1]).Str("result", string(task.Result)).Msg("cell failed")
			payload = ""
		}
		d.grid[key] = payload
		d.done[key] = true
		d.cells++
		if d.out != nil {
			fmt.Fprintf(d.out, "%d %d %s\n", key[0], key[1], payload)
		}

		discover()
	}
	return nil
}

func (d *Driver) eligible(x, y int) bool {
	if x == 0 || y == 0 {
		return true // seeded from BoundaryInput, never dispatched as a task
	}
	return d.done[[2]int{x - 1, y}] && d.done[[2]int{x, y - 1}] && d.done[[2]int{x - 1, y - 1}]
}

func (d *Driver) buildTask(x, y int) *types.Task {
	if x == 0 || y == 0 {
		d.grid[[2]int{x, y}] = d.cfg.BoundaryInput(x, y)
		d.done[[2]int{x, y}] = true
		return nil
	}
	west := d.grid[[2]int{x - 1, y}]
	north := d.grid[[2]int{x, y - 1}]
	northwest := d.grid[[2]int{x - 1, y - 1}]
	return &types.Task{
		CommandLine: d.cfg.CommandFor(x, y, west, north, northwest),
		Tag:         cellTag(x, y),
	}
}

func cellTag(x, y int) string { return fmt.Sprintf("wf:%d:%d", x, y) }

func cellFromTag(tag string) [2]int {
	var x, y int
	fmt.Sscanf(tag, "wf:%d:%d", &x, &y)
	return [2]int{x, y}
}
