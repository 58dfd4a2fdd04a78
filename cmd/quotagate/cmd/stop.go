package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running Quotagate server",
	Long: `Stop the server recorded in ~/.quotagate/server.pid.

The server is asked to shut down gracefully (SIGTERM on Unix) and given
--timeout to drain in-flight requests before it is killed.

Examples:
  quotagate stop
  quotagate stop --timeout 30s`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "how long to wait before killing the server")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()
	out := cmd.ErrOrStderr()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no PID file at %s, is the server running?", pidPath)
	}
	// The PID file is stale after every exit path below.
	defer os.Remove(pidPath)

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		return fmt.Errorf("server process %d is not running, removed stale PID file", pid)
	}

	fmt.Fprintf(out, "Stopping quotagate (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	if waitForExit(proc, stopTimeout, 200*time.Millisecond) {
		fmt.Fprintln(out, "Server stopped.")
		return nil
	}

	fmt.Fprintf(out, "Server still running after %s, killing it.\n", stopTimeout)
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill server: %w", err)
	}
	return nil
}

// waitForExit polls until proc exits or timeout passes. It reports whether
// the process exited.
func waitForExit(proc *os.Process, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(interval)
		if !processIsAlive(proc) {
			return true
		}
	}
	return false
}

// readPIDFile returns the PID stored at path, or 0 if it is missing or garbled.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
