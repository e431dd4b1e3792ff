// Package sand implements the two-phase filter/align pipeline: phase
// one groups sequences into batches keyed by a shared "A" sequence and
// dispatches one filter task per batch to produce candidate pairs;
// phase two dispatches one align task per filter task's output to
// produce final alignments. Phase two for a batch only starts once
// that batch's filter task has a result — the two phases never run
// concurrently against the same batch.
package sand

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cctools-go/workqueue/pkg/checkpoint"
	"github.com/cctools-go/workqueue/pkg/drivers/progress"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/queue"
	"github.com/cctools-go/workqueue/pkg/types"
)

// phase identifies which of the two stages a checkpoint record covers;
// reused as the checkpoint grid's "x" coordinate since a batch only
// ever has these two possible (batch, phase) cells.
type phase int

const (
	phaseFilter phase = 0
	phaseAlign  phase = 1
)

// AlignOptions configures the second phase. QualityThreshold is a
// field, not a constant, per the spec's own recommendation that the
// banded-alignment quality cutoff be tunable rather than hard-coded.
type AlignOptions struct {
	QualityThreshold float64
}

// DefaultAlignOptions matches the reference implementation's default
// banded-alignment quality threshold.
func DefaultAlignOptions() AlignOptions {
	return AlignOptions{QualityThreshold: 0.04}
}

// Batch groups the sequence names sharing one "A" sequence key —
// the unit of work phase one filters and phase two aligns.
type Batch struct {
	Key       string
	Sequences []string
}

// Config configures one sand run.
type Config struct {
	Queue *queue.Queue

	Batches        []Batch
	SequenceFile   string // shared reference file every filter/align task reads
	FilterBinary   string
	AlignBinary    string
	AlignOptions   AlignOptions
	CheckpointPath string // empty disables checkpointing

	// StopAfterFilter, when set, dispatches only phase-one filter
	// tasks and returns once every batch's filter task has a result,
	// without cascading into phase two. AlignOnly does the inverse:
	// it skips phase one entirely and dispatches phase-two tasks
	// straight away, for every batch whose checkpoint already records
	// a successful filter — the pairing that lets cmd/sandfilter and
	// cmd/sandalign run as two genuinely separate master processes
	// against the same checkpoint log, the way the reference
	// toolkit's sand_filter_master and sand_align_master do.
	StopAfterFilter bool
	AlignOnly       bool

	ProgressOut *os.File
}

// AlignmentResult is one batch's final phase-two output.
type AlignmentResult struct {
	BatchKey  string
	Alignment []byte
}

// Driver runs the two-phase pipeline to completion.
type Driver struct {
	cfg    Config
	logger zerolog.Logger
	cp     *checkpoint.Log
	tbl    *progress.Table

	batchIndex map[string]int // batch key -> stable index, for checkpoint coordinates
	filtered   int
	aligned    int
}

// New constructs a Driver.
func New(cfg Config) (*Driver, error) {
	d := &Driver{
		cfg:        cfg,
		logger:     log.WithComponent("sand"),
		batchIndex: make(map[string]int, len(cfg.Batches)),
	}
	for i, b := range cfg.Batches {
		d.batchIndex[b.Key] = i
	}

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

// Run dispatches each batch's initial task (filter, or align for a
// batch that already has a successful filter checkpoint) while the
// queue is hungry for it, then as each filter task completes queues
// that batch's align task for the same hungry-gated dispatch, invoking
// onResult once per batch once its alignment is in hand. It never
// holds more tasks in the queue's waiting list than there are idle
// workers: remaining tracks batches whose initial task hasn't been
// submitted yet, and queued holds align tasks discovered mid-run that
// are ready to go but still waiting on capacity.
func (d *Driver) Run(onResult func(AlignmentResult)) error {
	start := time.Now()
	d.tbl.Run(start, func() progress.Counters {
		c := progress.CountersFromStats(d.cfg.Queue.Stats())
		c.Submitted = d.filtered + d.aligned
		c.Done = d.aligned
		c.UnitLabel = "alignments"
		c.Units = int64(d.aligned)
		return c
	})
	defer d.tbl.Stop()

	remaining := make([]Batch, len(d.cfg.Batches))
	copy(remaining, d.cfg.Batches)
	var queued []*types.Task
	pending := 0

	submitWhileHungry := func() error {
		for d.cfg.Queue.Hungry() > 0 {
			if len(queued) > 0 {
				task := queued[0]
				queued = queued[1:]
				if err := d.cfg.Queue.Submit(task); err != nil {
					return fmt.Errorf("submitting task %q: %w", task.Tag, err)
				}
				pending++
				continue
			}
			if len(remaining) == 0 {
				return nil
			}
			b := remaining[0]
			remaining = remaining[1:]
			task, skipped := d.nextTask(b)
			if skipped {
				continue
			}
			if err := d.cfg.Queue.Submit(task); err != nil {
				return fmt.Errorf("submitting task for batch %q: %w", b.Key, err)
			}
			pending++
		}
		return nil
	}

	if err := submitWhileHungry(); err != nil {
		return err
	}

	for len(remaining) > 0 || len(queued) > 0 || pending > 0 {
		task, ok := d.cfg.Queue.Wait(5 * time.Second)
		if !ok {
			if err := submitWhileHungry(); err != nil {
				return err
			}
			continue
		}
		pending--

		batchKey, ph := decodeTag(task.Tag)
		idx := d.batchIndex[batchKey]

		switch ph {
		case phaseFilter:
			d.filtered++
			status := types.CheckpointFailed
			if task.Result == types.ResultSuccess {
				status = types.CheckpointSuccess
			} else {
				d.logger.Warn().Str("batch", batchKey).Str("result", string(task.Result)).Msg("filter task failed")
			}
			if d.cp != nil {
				if err := d.cp.Record(idx, int(phaseFilter), status); err != nil {
					d.logger.Error().Err(err).Msg("checkpoint record failed")
				}
			}
			if status == types.CheckpointSuccess && !d.cfg.StopAfterFilter {
				queued = append(queued, d.buildAlignTask(findBatch(d.cfg.Batches, batchKey), task.Output))
			}

		case phaseAlign:
			d.aligned++
			status := types.CheckpointFailed
			if task.Result == types.ResultSuccess {
				status = types.CheckpointSuccess
			} else {
				d.logger.Warn().Str("batch", batchKey).Str("result", string(task.Result)).Msg("align task failed")
			}
			if d.cp != nil {
				if err := d.cp.Record(idx, int(phaseAlign), status); err != nil {
					d.logger.Error().Err(err).Msg("checkpoint record failed")
				}
			}
			onResult(AlignmentResult{BatchKey: batchKey, Alignment: task.Output})
		}

		if err := submitWhileHungry(); err != nil {
			return err
		}
	}

	if d.cp != nil {
		return d.cp.Close()
	}
	return nil
}

// nextTask decides what, if anything, the initial submission pass
// should dispatch for batch b, given its checkpoint status and the
// driver's AlignOnly/StopAfterFilter configuration. skipped is true
// when nothing should be submitted for b on this pass.
func (d *Driver) nextTask(b Batch) (task *types.Task, skipped bool) {
	idx := d.batchIndex[b.Key]
	if d.cp != nil && d.cp.Status(idx, int(phaseAlign)) == types.CheckpointSuccess {
		return nil, true // already fully through both phases
	}

	if d.cfg.AlignOnly {
		if d.cp == nil || d.cp.Status(idx, int(phaseFilter)) != types.CheckpointSuccess {
			d.logger.Warn().Str("batch", b.Key).Msg("align-only run skipping batch with no successful filter checkpoint")
			return nil, true
		}
		return d.buildAlignTask(b, nil), false
	}

	if d.cp != nil && d.cp.Status(idx, int(phaseFilter)) == types.CheckpointSuccess {
		if d.cfg.StopAfterFilter {
			return nil, true // already filtered, and this run doesn't touch phase two
		}
		// filter already done on a prior run; jump straight to align.
		return d.buildAlignTask(b, nil), false
	}

	return d.buildFilterTask(b), false
}

func (d *Driver) buildFilterTask(b Batch) *types.Task {
	task := &types.Task{
		CommandLine: fmt.Sprintf("%s %s %s", d.cfg.FilterBinary, d.cfg.SequenceFile, b.Key),
		Tag:         encodeTag(b.Key, phaseFilter),
	}
	task.SpecifyInputFile(d.cfg.FilterBinary, "filter", types.CachePolicyCache)
	task.SpecifyInputFile(d.cfg.SequenceFile, "sequences", types.CachePolicyCache)
	return task
}

func (d *Driver) buildAlignTask(b Batch, candidates []byte) *types.Task {
	task := &types.Task{
		CommandLine: fmt.Sprintf("%s -t %g %s %s", d.cfg.AlignBinary, d.cfg.AlignOptions.QualityThreshold, d.cfg.SequenceFile, b.Key),
		Tag:         encodeTag(b.Key, phaseAlign),
	}
	task.SpecifyInputFile(d.cfg.AlignBinary, "align", types.CachePolicyCache)
	task.SpecifyInputFile(d.cfg.SequenceFile, "sequences", types.CachePolicyCache)
	if len(candidates) > 0 {
		task.SpecifyInputBuffer(candidates, "candidates", types.CachePolicyNoCache)
	}
	return task
}

func encodeTag(batchKey string, p phase) string {
	return fmt.Sprintf("%d:%s", p, batchKey)
}

func decodeTag(tag string) (batchKey string, p phase) {
	parts := strings.SplitN(tag, ":", 2)
	if len(parts) != 2 {
		return tag, phaseFilter
	}
	ph, _ := strconv.Atoi(parts[0])
	return parts[1], phase(ph)
}

func findBatch(batches []Batch, key string) Batch {
	for _, b := range batches {
		if b.Key == key {
			return b
		}
	}
	return Batch{Key: key}
}
