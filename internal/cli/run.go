package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/stepflow/internal/daemon"
	"github.com/harun/stepflow/pkg/classifier"
	"github.com/spf13/cobra"
)

var (
	runSessionID string
	runMaxSteps  int
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run a query against a session and print each signal",
	Long: `Run a query in-process, without the daemon. The session is stepped until
the agent completes, asks for input, or exhausts its step budget, and every
lifecycle signal is printed as it is produced.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session", "", "session id (default: a new session)")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "step budget for a new session (default from config)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print signals as JSON lines")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemonOptions...)
	if err != nil {
		return err
	}

	maxSteps := runMaxSteps
	if maxSteps <= 0 {
		maxSteps = cfg.Agent.MaxSteps
	}

	store := d.Store()
	sessionID := runSessionID
	if sessionID == "" {
		sess, err := store.Create(maxSteps)
		if err != nil {
			return err
		}
		sessionID = sess.ID()
	} else if _, err := store.GetOrCreate(sessionID, maxSteps); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	query := strings.Join(args, " ")

	var last classifier.Signal
	for signal, err := range d.Bridge().Stream(cmd.Context(), sessionID, query) {
		if err != nil {
			return err
		}
		last = signal
		if err := printSignal(cmd, signal); err != nil {
			return err
		}
	}

	if !runJSON {
		fmt.Fprintf(out, "session %s ended %s\n", sessionID, last.Kind)
	}
	return nil
}

func printSignal(cmd *cobra.Command, signal classifier.Signal) error {
	out := cmd.OutOrStdout()
	if runJSON {
		data, err := json.Marshal(signal)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	_, err := fmt.Fprintf(out, "[%s] %s\n", signal.Kind, signal.Content)
	return err
}
