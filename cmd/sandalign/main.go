// Command sandalign is the thin entrypoint for phase two of the SAND
// assembly pipeline: it owns its own queue, reads the same batch list
// as cmd/sandfilter, and dispatches align tasks for every batch whose
// checkpoint log already records a successful filter — coordinating
// with a prior or concurrent cmd/sandfilter run purely through the
// shared on-disk checkpoint log, the way the reference toolkit's
// sand_align_master runs as a separate process from sand_filter_master.
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
		addr          = flag.String("addr", ":9124", "Address for workers to connect to")
		dataDir       = flag.String("data-dir", "/var/lib/workqueue/sandalign", "Queue state directory")
		sequenceFile  = flag.String("sequences", "", "Path to the sequence file")
		batchFile     = flag.String("batches", "", "Path to a file listing one batch key and its sequence names per line")
		alignBinary   = flag.String("align-binary", "", "Path to the align binary")
		qualityThresh = flag.Float64("quality-threshold", sand.DefaultAlignOptions().QualityThreshold, "Banded alignment quality threshold")
		checkpoint    = flag.String("checkpoint", "", "Checkpoint log path shared with the cmd/sandfilter run that produced it")
		outputPath    = flag.String("output", "", "Alignment output file to append to")
		logLevel      = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel)})

	if *sequenceFile == "" || *batchFile == "" || *alignBinary == "" || *checkpoint == "" {
		fmt.Fprintln(os.Stderr, "usage: sandalign -sequences FILE -batches FILE -align-binary BIN -checkpoint FILE [options]")
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
		Queue:          q,
		Batches:        batches,
		SequenceFile:   *sequenceFile,
		AlignBinary:    *alignBinary,
		AlignOptions:   sand.AlignOptions{QualityThreshold: *qualityThresh},
		CheckpointPath: *checkpoint,
		AlignOnly:      true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "constructing driver: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("sandalign listening on %s, %d batches\n", q.Addr(), len(batches))
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
