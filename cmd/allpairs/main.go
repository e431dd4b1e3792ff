// Command allpairs is the thin entrypoint for the matrix-tiling
// application driver: it owns the queue (no separate master process),
// submits one task per tile, and appends one "<y> <x> <pair-count>"
// line per tile to an output file as each tile completes.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"github.com/cctools-go/workqueue/pkg/drivers/allpairs"
	"github.com/cctools-go/workqueue/pkg/events"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/queue"
	"github.com/cctools-go/workqueue/pkg/storage"
)

func main() {
	var (
		addr       = flag.String("addr", ":9123", "Address for workers to connect to")
		dataDir    = flag.String("data-dir", "/var/lib/workqueue/allpairs", "Queue state directory")
		setA       = flag.String("set-a", "", "Path to set A's list file")
		setB       = flag.String("set-b", "", "Path to set B's list file")
		compare    = flag.String("compare", "", "Path to the comparison binary")
		xCount     = flag.Int("x", 0, "Number of columns")
		yCount     = flag.Int("y", 0, "Number of rows")
		tileSize   = flag.Int("tile-size", 1, "Tile edge length B")
		checkpoint = flag.String("checkpoint", "", "Checkpoint log path (empty disables checkpointing)")
		outputPath = flag.String("output", "", "Output file to append per-tile candidate pair counts to")
		logLevel   = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel)})

	if *setA == "" || *setB == "" || *compare == "" || *xCount <= 0 || *yCount <= 0 {
		fmt.Fprintln(os.Stderr, "usage: allpairs -set-a FILE -set-b FILE -compare BIN -x N -y N [options]")
		os.Exit(2)
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

	driver, err := allpairs.New(allpairs.Config{
		Queue:          q,
		SetAPath:       *setA,
		SetBPath:       *setB,
		CompareBinary:  *compare,
		XCount:         *xCount,
		YCount:         *yCount,
		TileSize:       *tileSize,
		CheckpointPath: *checkpoint,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "constructing driver: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("allpairs listening on %s\n", q.Addr())
	err = driver.Run(func(r allpairs.Result) {
		if w != nil {
			fmt.Fprintf(w, "%d %d %d\n", r.Y, r.X, r.CandidatePairs)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}
