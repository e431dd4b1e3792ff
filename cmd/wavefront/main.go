// Command wavefront is the thin entrypoint for the dependency-grid
// application driver: cells depend on their west/north/northwest
// neighbors, boundary cells are seeded from input files, and every
// other cell's command line is built from its neighbors' outputs.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cctools-go/workqueue/pkg/drivers/wavefront"
	"github.com/cctools-go/workqueue/pkg/events"
	"github.com/cctools-go/workqueue/pkg/log"
	"github.com/cctools-go/workqueue/pkg/queue"
	"github.com/cctools-go/workqueue/pkg/storage"
)

func main() {
	var (
		addr       = flag.String("addr", ":9123", "Address for workers to connect to")
		dataDir    = flag.String("data-dir", "/var/lib/workqueue/wavefront", "Queue state directory")
		width      = flag.Int("width", 0, "Grid width")
		height     = flag.Int("height", 0, "Grid height")
		binary     = flag.String("binary", "", "Cell compute binary, invoked as: binary west north northwest")
		boundary   = flag.String("boundary-prefix", "", "Boundary input file prefix; row/col 0 files are <prefix>.row.N / <prefix>.col.N")
		outputPath = flag.String("output", "", "Append-only cell results log, also the recovery source on restart")
		logLevel   = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	log.Init(log.Config{Level: log.Level(*logLevel)})

	if *width <= 0 || *height <= 0 || *binary == "" {
		fmt.Fprintln(os.Stderr, "usage: wavefront -width N -height N -binary BIN [options]")
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

	driver, err := wavefront.New(wavefront.Config{
		Queue:         q,
		Width:         *width,
		Height:        *height,
		OutputLogPath: *outputPath,
		CommandFor: func(x, y int, west, north, northwest string) string {
			return fmt.Sprintf("%s %q %q %q", *binary, west, north, northwest)
		},
		BoundaryInput: func(x, y int) string {
			return readBoundaryFile(*boundary, x, y)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "constructing driver: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wavefront listening on %s\n", q.Addr())
	if err := driver.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}

func readBoundaryFile(prefix string, x, y int) string {
	var path string
	if x == 0 {
		path = fmt.Sprintf("%s.col.%d", prefix, y)
	} else {
		path = fmt.Sprintf("%s.row.%d", prefix, x)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
