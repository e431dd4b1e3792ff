// Package progress implements the one-line progress table every
// application driver prints at least every 5 seconds: elapsed time,
// worker counts by state, task counts by stage, and running averages
// for task runtime and file transfer size.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cctools-go/workqueue/pkg/metrics"
	"github.com/cctools-go/workqueue/pkg/types"
)

// Counters is the set of figures one Table line reports. Drivers fill
// it in from their own bookkeeping plus a queue.Stats() snapshot.
type Counters struct {
	Submitted int
	Waiting   int
	Running   int
	Done      int

	WorkersInit  int
	WorkersReady int
	WorkersBusy  int

	AvgRuntime  time.Duration
	AvgTransfer int64 // bytes

	// UnitLabel names what "candidates-or-cells-so-far" counts for
	// this driver (e.g. "pairs", "cells", "overlaps").
	UnitLabel string
	Units     int64
}

// Table prints Counters to an io.Writer on a fixed tick, and tracks a
// running mean of task runtime and transfer size across every Observe
// call so callers don't need their own accumulator.
type Table struct {
	w        io.Writer
	interval time.Duration

	mu          sync.Mutex
	runtimeSum  time.Duration
	runtimeN    int
	transferSum int64
	transferN   int

	stop chan struct{}
	done chan struct{}
}

// New returns a Table that prints to w at least every interval
// (SPEC_FULL.md §3 names "every 5s"; interval <= 0
// defaults to 5s).
func New(w io.Writer, interval time.Duration) *Table {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Table{w: w, interval: interval, stop: make(chan struct{}), done: make(chan struct{})}
}

// Observe records one finished task's runtime and total bytes
// transferred, feeding the running averages the next printed line
// reports.
func (t *Table) Observe(runtime time.Duration, transferredBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runtimeSum += runtime
	t.runtimeN++
	t.transferSum += transferredBytes
	t.transferN++
}

func (t *Table) averages() (time.Duration, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var avgRuntime time.Duration
	if t.runtimeN > 0 {
		avgRuntime = t.runtimeSum / time.Duration(t.runtimeN)
	}
	var avgTransfer int64
	if t.transferN > 0 {
		avgTransfer = t.transferSum / int64(t.transferN)
	}
	return avgRuntime, avgTransfer
}

// Run ticks until Stop is called, calling snapshot before each print
// to get the driver's current submit/wait/run/done and worker-state
// counts, and UnitLabel/Units for the driver-specific tail column.
func (t *Table) Run(start time.Time, snapshot func() Counters) {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				t.printLine(start, snapshot())
			}
		}
	}()
}

func (t *Table) printLine(start time.Time, c Counters) {
	avgRuntime, avgTransfer := t.averages()
	if c.AvgRuntime > 0 {
		avgRuntime = c.AvgRuntime
	}
	if c.AvgTransfer > 0 {
		avgTransfer = c.AvgTransfer
	}
	label := c.UnitLabel
	if label == "" {
		label = "units"
	}
	fmt.Fprintf(t.w, "elapsed %s workers (%d/%d/%d) tasks (%d/%d/%d/%d) avg-runtime %s avg-transfer %d %s %d\n",
		time.Since(start).Round(time.Second),
		c.WorkersInit, c.WorkersReady, c.WorkersBusy,
		c.Submitted, c.Waiting, c.Running, c.Done,
		avgRuntime.Round(time.Millisecond), avgTransfer,
		label, c.Units,
	)
}

// Stop halts the ticker goroutine and waits for it to exit.
func (t *Table) Stop() {
	close(t.stop)
	<-t.done
}

// CountersFromStats fills the worker/task portion of Counters from a
// queue.Stats() snapshot, leaving the driver to set UnitLabel/Units.
func CountersFromStats(s types.Stats) Counters {
	return Counters{
		Waiting:      s.TasksWaiting,
		Running:      s.TasksRunning,
		Done:         s.TasksComplete,
		WorkersInit:  s.WorkersInit,
		WorkersReady: s.WorkersReady,
		WorkersBusy:  s.WorkersBusy,
	}
}

// ObserveQueueMetrics records timer's elapsed time in the shared
// task-runtime Prometheus histogram, mirroring the teacher's metrics.Timer usage
// so this driver-level progress table and the queue's own /metrics
// endpoint stay consistent with each other.
func ObserveQueueMetrics(timer *metrics.Timer) {
	timer.ObserveDuration(metrics.TaskRuntime)
}
