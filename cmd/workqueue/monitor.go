package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/cctools-go/workqueue/pkg/resourcemonitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <command> [args...]",
	Short: "Run a command under the resource monitor and print a usage summary on exit",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMonitor,
}

func init() {
	monitorCmd.Flags().Duration("interval", time.Second, "Sampling interval")
	monitorCmd.Flags().String("workdir", "", "Directory to track disk usage under (defaults to the command's cwd)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	workdir, _ := cmd.Flags().GetString("workdir")
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting cwd: %w", err)
		}
		workdir = wd
	}

	child := exec.Command(args[0], args[1:]...)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Stdin = os.Stdin
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting command: %w", err)
	}

	mon := resourcemonitor.New(child.Process.Pid, workdir, interval)
	mon.Start()

	waitErr := child.Wait()
	summary := mon.Stop()

	fmt.Fprintf(os.Stderr, "resource summary: peak_rss=%d peak_vsize=%d peak_workdir_bytes=%d cpu_time=%s wall_time=%s samples=%d\n",
		summary.PeakResident, summary.PeakVirtual, summary.PeakWorkdir,
		summary.TotalCPUTime, summary.WallTime, summary.NumSamples)

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return waitErr
	}
	return nil
}
