package cli

import (
	"fmt"

	"github.com/harun/stepflow/internal/daemon"
	"github.com/spf13/cobra"
)

// daemonOptions are appended to every daemon the CLI builds
var daemonOptions []daemon.Option

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the stepflow daemon service",
	Long: `Start the stepflow daemon service in the foreground.
The daemon serves the gateway API until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	opts := append([]daemon.Option{daemon.WithConfigLoader(loader)}, daemonOptions...)
	d, err := daemon.New(cfg, log, opts...)
	if err != nil {
		return err
	}

	return d.Run(cmd.Context())
}

func isRunning(pidFile string) bool {
	return daemon.IsRunning(pidFile)
}
