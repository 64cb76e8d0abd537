package cli

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/stepflow/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Report whether the stepflow daemon is running. For a live daemon the
PID, uptime and gateway health are printed as well.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	lines := [][2]string{
		{"Status", "running"},
		{"PID", strconv.Itoa(pid)},
	}
	// pid file mtime is the start time
	if info, err := os.Stat(pidFile); err == nil {
		lines = append(lines, [2]string{"Uptime", formatDuration(time.Since(info.ModTime()))})
	}
	lines = append(lines, [2]string{"Gateway", addr + " (" + probeGateway(addr) + ")"})

	for _, l := range lines {
		fmt.Fprintf(out, "%s: %s\n", l[0], l[1])
	}
	return nil
}

func probeGateway(addr string) string {
	client := http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return "unreachable"
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "unhealthy"
	}
	return "healthy"
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
