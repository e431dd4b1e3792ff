package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/cctools-go/workqueue/pkg/security"
	"github.com/cctools-go/workqueue/pkg/storage"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Issue TLS certificates from a master's certificate authority",
}

var certsIssueWorkerCmd = &cobra.Command{
	Use:   "issue-worker <worker-id>",
	Short: "Issue a worker certificate and CA cert, saved for the worker to pick up out of band",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsIssueWorker,
}

func init() {
	certsCmd.PersistentFlags().String("data-dir", "/var/lib/workqueue/master", "Master data directory holding the certificate authority")
	certsIssueWorkerCmd.Flags().String("out", "", "Directory to write the worker's cert/key/CA into (required)")
	certsIssueWorkerCmd.Flags().StringSlice("dns-name", nil, "DNS SAN to add to the certificate, repeatable")
	certsIssueWorkerCmd.Flags().StringSlice("ip", nil, "IP SAN to add to the certificate, repeatable")
	certsIssueWorkerCmd.MarkFlagRequired("out")
	certsCmd.AddCommand(certsIssueWorkerCmd)
}

func runCertsIssueWorker(cmd *cobra.Command, args []string) error {
	workerID := args[0]
	dataDir, _ := cmd.Flags().GetString("data-dir")
	outDir, _ := cmd.Flags().GetString("out")
	dnsNames, _ := cmd.Flags().GetStringSlice("dns-name")
	ips, _ := cmd.Flags().GetStringSlice("ip")

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	ca, err := loadOrInitCA(store)
	if err != nil {
		return err
	}

	var ipAddrs []net.IP
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP SAN %q", s)
		}
		ipAddrs = append(ipAddrs, ip)
	}

	cert, err := ca.IssueWorkerCertificate(workerID, dnsNames, ipAddrs)
	if err != nil {
		return fmt.Errorf("issuing worker certificate: %w", err)
	}
	if err := security.SaveCertToFile(cert, outDir); err != nil {
		return fmt.Errorf("saving worker certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), outDir); err != nil {
		return fmt.Errorf("saving CA certificate: %w", err)
	}

	fmt.Printf("issued certificate for worker %q into %s\n", workerID, outDir)
	return nil
}

// loadOrInitCA loads the master's certificate authority from store,
// generating and persisting a fresh one on first use.
func loadOrInitCA(store storage.Store) (*security.CertAuthority, error) {
	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err == nil {
		return ca, nil
	}
	if err := ca.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing certificate authority: %w", err)
	}
	if err := ca.SaveToStore(); err != nil {
		return nil, fmt.Errorf("saving certificate authority: %w", err)
	}
	return ca, nil
}
