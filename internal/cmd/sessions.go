package cmd

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect session directories",
	Long:  `Commands for listing sessions found in the output directory and the pipelines they exported.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions in the output directory",
	Long: `List every session directory with:
- Session ID
- Number of searched, scored and ranked pipeline files
- Last modification time`,
	RunE: runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the exported pipelines of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	outputDir := config.Get().Paths.ResolveOutputDir()
	sessions, err := session.ListSessions(outputDir)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	printSessions(cmd.OutOrStdout(), outputDir, sessions)
	return nil
}

func printSessions(w io.Writer, outputDir string, sessions []*session.Info) {
	if len(sessions) == 0 {
		fmt.Fprintf(w, "No sessions found in %s\n", outputDir)
		return
	}
	fmt.Fprintf(w, "%-36s %8s %8s %8s  %s\n", "SESSION", "SEARCHED", "SCORED", "RANKED", "MODIFIED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%-36s %8d %8d %8d  %s\n",
			s.ID, s.Searched, s.Scored, s.Ranked, s.Modified.Local().Format("2006-01-02 15:04:05"))
	}
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	outputDir := config.Get().Paths.ResolveOutputDir()
	id := args[0]
	if !session.SessionExists(outputDir, id) {
		return fmt.Errorf("session %s not found in %s", id, outputDir)
	}
	ranked, err := session.ReadRanked(outputDir, id)
	if err != nil {
		return fmt.Errorf("failed to read exported pipelines: %w", err)
	}
	printRanked(cmd.OutOrStdout(), id, ranked)
	return nil
}

func printRanked(w io.Writer, id string, ranked []session.RankedDocument) {
	fmt.Fprintf(w, "Session: %s\n\n", id)
	if len(ranked) == 0 {
		fmt.Fprintln(w, "No exported pipelines.")
		return
	}
	fmt.Fprintf(w, "%8s  %-36s %-8s  %s\n", "RANK", "PIPELINE", "ORIGIN", "SCORES")
	for _, r := range ranked {
		fmt.Fprintf(w, "%8s  %-36s %-8s  %s\n", session.FormatRank(r.Rank), r.ID, r.Origin, formatScores(r.Scores))
	}
}

func formatScores(scores map[string]float64) string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.6g", name, scores[name]))
	}
	return strings.Join(parts, " ")
}
