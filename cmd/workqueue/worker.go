package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cctools-go/workqueue/pkg/security"
	"github.com/cctools-go/workqueue/pkg/session"
)

// defaultCacheRoot mirrors stage.DefaultSandboxPath's convention for
// the worker's other on-disk state.
const defaultCacheRoot = "/var/lib/workqueue/worker/cache"

var workerCmd = &cobra.Command{
	Use:   "worker <master-addr>",
	Short: "Connect to a master and serve dispatched tasks until killed",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().String("worker-id", "", "Worker identity reported on connect (defaults to hostname)")
	workerCmd.Flags().Int("cores", 0, "Cores to report (0 auto-detects)")
	workerCmd.Flags().Int64("memory-bytes", 0, "Memory to report in bytes")
	workerCmd.Flags().Int64("disk-bytes", 0, "Disk to report in bytes")
	workerCmd.Flags().String("sandbox-dir", "", "Per-task sandbox root (defaults to stage.DefaultSandboxPath)")
	workerCmd.Flags().String("cache-dir", "", "Local content cache root (defaults to "+defaultCacheRoot+")")
	workerCmd.Flags().Duration("keepalive-interval", 30*time.Second, "Interval between keepalive pings expected from the master")
	workerCmd.Flags().Duration("keepalive-timeout", 0, "Read deadline per command (0 defaults to 5x keepalive-interval)")
	workerCmd.Flags().String("cert-dir", "", "Directory holding this worker's TLS certificate and the master's CA cert (issued via 'workqueue certs issue-worker'); empty disables TLS")
}

func runWorker(cmd *cobra.Command, args []string) error {
	workerID, _ := cmd.Flags().GetString("worker-id")
	if workerID == "" {
		workerID, _ = os.Hostname()
	}
	cores, _ := cmd.Flags().GetInt("cores")
	memBytes, _ := cmd.Flags().GetInt64("memory-bytes")
	diskBytes, _ := cmd.Flags().GetInt64("disk-bytes")
	sandboxDir, _ := cmd.Flags().GetString("sandbox-dir")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	if cacheDir == "" {
		cacheDir = defaultCacheRoot
	}
	keepaliveInterval, _ := cmd.Flags().GetDuration("keepalive-interval")
	keepaliveTimeout, _ := cmd.Flags().GetDuration("keepalive-timeout")
	certDir, _ := cmd.Flags().GetString("cert-dir")

	var tlsConfig *tls.Config
	if certDir != "" {
		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("loading worker certificate from %s: %w", certDir, err)
		}
		caCert, err := security.LoadCACertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("loading CA certificate from %s: %w", certDir, err)
		}
		pool := x509.NewCertPool()
		pool.AddCert(caCert)
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{*cert},
			RootCAs:      pool,
		}
	}

	s, err := session.New(session.Config{
		WorkerID:          workerID,
		MasterAddr:        args[0],
		TLSConfig:         tlsConfig,
		Cores:             cores,
		MemoryBytes:       memBytes,
		DiskBytes:         diskBytes,
		CacheDir:          cacheDir,
		SandboxDir:        sandboxDir,
		KeepaliveInterval: keepaliveInterval,
		KeepaliveTimeout:  keepaliveTimeout,
	})
	if err != nil {
		return fmt.Errorf("constructing session: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("workqueue worker %q connecting to %s (tls=%v)\n", workerID, args[0], tlsConfig != nil)
	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
