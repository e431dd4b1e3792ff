package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cctools-go/workqueue/pkg/drivers/progress"
	"github.com/cctools-go/workqueue/pkg/events"
	"github.com/cctools-go/workqueue/pkg/metrics"
	"github.com/cctools-go/workqueue/pkg/queue"
	"github.com/cctools-go/workqueue/pkg/storage"
	"github.com/cctools-go/workqueue/pkg/types"
)

// masterCmd is the generic, driver-less master: it reads a plain task
// list (one shell command line per line of the file) and dispatches each as its
// own Task, with no domain-specific partitioning. The specialized
// drivers (cmd/allpairs, cmd/wavefront, cmd/sandfilter, cmd/sandalign)
// embed the queue directly rather than connecting to this one, per
// the "driver sits above the queue in the same process" architecture
// — this binary exists for ad hoc command lists, the same role the
// reference toolkit's minimal example driver plays above Work Queue.
var masterCmd = &cobra.Command{
	Use:   "master [task-list-file]",
	Short: "Run a generic master that dispatches one task per line of a command list",
	Args:  cobra.ExactArgs(1),
	RunE:  runMaster,
}

func init() {
	masterCmd.Flags().String("addr", ":9123", "Address for workers to connect to")
	masterCmd.Flags().String("metrics-addr", ":9124", "Address to serve Prometheus metrics on")
	masterCmd.Flags().String("data-dir", "/var/lib/workqueue/master", "Directory for the worker/cache-digest store")
	masterCmd.Flags().Int("retry-max", 3, "Maximum retry attempts per task")
	masterCmd.Flags().Float64("fast-abort-k", 10, "Fast-abort multiplier k (0 or negative disables fast-abort)")
	masterCmd.Flags().Bool("tls", false, "Require mutual TLS between master and workers, using data-dir's certificate authority")
	masterCmd.Flags().String("master-id", "", "Master identity embedded in its TLS certificate (defaults to hostname)")
}

func runMaster(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	retryMax, _ := cmd.Flags().GetInt("retry-max")
	fastAbortK, _ := cmd.Flags().GetFloat64("fast-abort-k")
	if fastAbortK <= 0 {
		fastAbortK = math.Inf(1)
	}
	useTLS, _ := cmd.Flags().GetBool("tls")
	masterID, _ := cmd.Flags().GetString("master-id")
	if masterID == "" {
		masterID, _ = os.Hostname()
	}

	commands, err := readTaskList(args[0])
	if err != nil {
		return fmt.Errorf("reading task list: %w", err)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	var tlsConfig *tls.Config
	if useTLS {
		tlsConfig, err = masterTLSConfig(store, masterID, addr)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	q := queue.New(queue.Config{
		Addr:       addr,
		Store:      store,
		Broker:     broker,
		RetryMax:   retryMax,
		FastAbortK: fastAbortK,
		TLSConfig:  tlsConfig,
	})
	if err := q.Start(); err != nil {
		return fmt.Errorf("starting queue: %w", err)
	}
	defer q.Stop()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		_ = http.ListenAndServe(metricsAddr, mux)
	}()

	fmt.Printf("workqueue master listening on %s (metrics on %s, tls=%v), %d tasks queued\n", q.Addr(), metricsAddr, tlsConfig != nil, len(commands))

	start := time.Now()
	tbl := progress.New(os.Stdout, 5*time.Second)
	done := 0
	tbl.Run(start, func() progress.Counters {
		c := progress.CountersFromStats(q.Stats())
		c.Submitted = len(commands)
		c.Done = done
		c.UnitLabel = "tasks"
		c.Units = int64(done)
		return c
	})
	defer tbl.Stop()

	// remaining is drained only while the queue is hungry for more work,
	// so the task list never sits in the queue's waiting list all at
	// once regardless of how many lines it has.
	remaining := commands
	succeeded, failed := 0, 0
	for len(remaining) > 0 || done < len(commands) {
		for len(remaining) > 0 && q.Hungry() > 0 {
			line := remaining[0]
			remaining = remaining[1:]
			if err := q.Submit(&types.Task{CommandLine: line}); err != nil {
				return fmt.Errorf("submitting task %q: %w", line, err)
			}
		}
		if done >= len(commands) {
			break
		}

		task, ok := q.Wait(5 * time.Second)
		if !ok {
			continue
		}
		done++
		if task.Result == types.ResultSuccess {
			succeeded++
		} else {
			failed++
			fmt.Fprintf(os.Stderr, "task failed: %q (%s)\n", task.CommandLine, task.Result)
		}
	}

	fmt.Printf("done: %d succeeded, %d failed\n", succeeded, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(commands))
	}
	return nil
}

// masterTLSConfig lazily initializes (or loads) the data directory's
// certificate authority, issues the master's own server certificate
// against addr, and returns a config that requires and verifies every
// worker's client certificate against that same CA — the mutual-TLS
// arrangement SPEC_FULL.md's transport section calls for.
func masterTLSConfig(store storage.Store, masterID, addr string) (*tls.Config, error) {
	ca, err := loadOrInitCA(store)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	var dnsNames []string
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else if host != "" {
		dnsNames = append(dnsNames, host)
	}

	cert, err := ca.IssueMasterCertificate(masterID, dnsNames, ips)
	if err != nil {
		return nil, fmt.Errorf("issuing master certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return nil, fmt.Errorf("parsing root CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(rootCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}, nil
}

func readTaskList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var commands []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		commands = append(commands, line)
	}
	return commands, sc.Err()
}
