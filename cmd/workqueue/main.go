// Command workqueue is the single binary hosting the queue master,
// the worker agent, a standalone resource monitor, and worker
// certificate issuance — structured as one cobra root with four
// subcommands the same way the teacher's
// warren binary hosts cluster/manager/worker/service as subcommands of
// one executable.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cctools-go/workqueue/pkg/log"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "workqueue",
	Short:   "workqueue - a scalable master/worker task dispatch system",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("workqueue version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(certsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
