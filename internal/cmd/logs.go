package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View the service log",
	Long: `View and filter the pipesearch service log.

Examples:
  # Show the last 50 entries
  pipesearch logs

  # Show everything one session logged
  pipesearch logs -s 0b6c3a1e-... -n 0

  # Follow warnings and errors
  pipesearch logs -f --level warn

  # Show entries from the last hour that mention a pipeline
  pipesearch logs --since 1h --pipeline 7f1d...`,
	RunE: runLogs,
}

var (
	logsSessionID  string
	logsPipelineID string
	logsJobID      string
	logsTail       int
	logsFollow     bool
	logsLevel      string
	logsSince      string
	logsGrep       string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsSessionID, "session", "s", "", "only entries of this session")
	logsCmd.Flags().StringVar(&logsPipelineID, "pipeline", "", "only entries of this pipeline")
	logsCmd.Flags().StringVar(&logsJobID, "job", "", "only entries of this job")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "only entries whose message contains this text")
}

func runLogs(cmd *cobra.Command, args []string) error {
	logPath := filepath.Join(config.Get().Paths.ResolveLogDir(), logging.FileName)
	filter, err := logFilter()
	if err != nil {
		return err
	}

	if logsFollow {
		return followLogs(cmd, logPath, filter)
	}

	entries, err := logging.ReadLogs(logPath)
	if err != nil {
		return err
	}
	entries = logging.Tail(logging.FilterLogs(entries, filter), logsTail)

	out := cmd.OutOrStdout()
	for _, e := range entries {
		fmt.Fprintln(out, logging.FormatText(e))
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

func logFilter() (logging.LogFilter, error) {
	filter := logging.LogFilter{
		SessionID:       logsSessionID,
		PipelineID:      logsPipelineID,
		JobID:           logsJobID,
		MessageContains: logsGrep,
	}
	if logsLevel != "" {
		filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return filter, fmt.Errorf("invalid duration format: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}
	return filter, nil
}

// followLogs implements tail -f behavior for the log file
func followLogs(cmd *cobra.Command, logPath string, filter logging.LogFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Following %s... (Ctrl+C to stop)\n\n", logPath)

	ctx := cmd.Context()
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			return fmt.Errorf("error reading log file: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, err := logging.ParseLine(line)
		if err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		for _, e := range logging.FilterLogs([]logging.LogEntry{entry}, filter) {
			fmt.Fprintln(out, logging.FormatText(e))
		}
	}
}
