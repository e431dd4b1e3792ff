// Command sandfilter is the thin entrypoint for phase one of the
// SAND assembly pipeline: it owns its own queue, reads batches from a
// batch-list file, and runs the filter phase for every batch, then
// stops. It shares pkg/drivers/sand and a checkpoint log with
// cmd/sandalign, which picks up phase two as a separate process once
// phase one's checkpoints are on disk.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/cctools-go/workqueue/pkg/drivers/sand"
	"github.com/cctools-go/workqueue/pkg/events"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/queue"
	"github.com/cctools-go/workqueue/pkg/storage"
)

func main() {
	var (
		addr          = flag.String("addr", ":9123", "Address for workers to connect to")
		dataDir       = flag.String("data-dir", "/var/lib/workqueue/sandfilter", "Queue state directory")
		sequenceFile  = flag.String("sequences", "", "Path to the sequence file")
		batchFile     = flag.String("batches", "", "Path to a file listing one batch key and its sequence names per line")
		filterBinary  = flag.String("filter-binary", "", "Path to the filter binary")
		alignBinary   = flag.String("align-binary", "", "Path to the align binary")
		qualityThresh = flag.Float64("quality-threshold", sand.DefaultAlignOptions().QualityThreshold, "Banded alignment quality threshold")
		checkpoint    = flag.String("checkpoint", "", "Checkpoint log path (empty disables checkpointing)")
		outputPath    = flag.String("output", "", "Output file opened for append; this filter-only run writes no alignments to it")
		logLevel      = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel)})

	if *sequenceFile == "" || *batchFile == "" || *filterBinary == "" || *alignBinary == "" {
		fmt.Fprintln(os.Stderr, "usage: sandfilter -sequences FILE -batches FILE -filter-binary BIN -align-binary BIN [options]")
		os.Exit(2)
	}

	batches, err := readBatches(*batchFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading batches: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.NewBoltStore(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	q := queue.New(queue.Config{Addr: *addr, Store: store, Broker: broker})
	if err := q.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "starting queue: %v\n", err)
		os.Exit(1)
	}
	defer q.Stop()

	var out *os.File
	var w *bufio.Writer
	if *outputPath != "" {
		out, err = os.OpenFile(*outputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening output file: %v\n", err)
			os.Exit(1)
		}
		defer out.Close()
		w = bufio.NewWriter(out)
		defer w.Flush()
	}

	driver, err := sand.New(sand.Config{
		Queue:           q,
		Batches:         batches,
		SequenceFile:    *sequenceFile,
		FilterBinary:    *filterBinary,
		AlignBinary:     *alignBinary,
		AlignOptions:    sand.AlignOptions{QualityThreshold: *qualityThresh},
		CheckpointPath:  *checkpoint,
		StopAfterFilter: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "constructing driver: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("sandfilter listening on %s, %d batches\n", q.Addr(), len(batches))
	err = driver.Run(func(r sand.AlignmentResult) {
		if w != nil {
			fmt.Fprintf(w, "%s %s\n", r.BatchKey, r.Alignment)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}

// readBatches parses "<key> <seq1>,<seq2>,..." lines into sand.Batch values.
func readBatches(path string) ([]sand.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var batches []sand.Batch
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		var key, seqs string
		n, err := fmt.Sscanf(line, "%s %s", &key, &seqs)
		if n != 2 || err != nil {
			continue
		}
		batches = append(batches, sand.Batch{Key: key, Sequences: strings.Split(seqs, ",")})
	}
	return batches, sc.Err()
}
