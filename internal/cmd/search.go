package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/orchestrator"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/session"
)

var searchCmd = &cobra.Command{
	Use:   "search <problem-file> <dataset-uri>",
	Short: "Run one search and export the best pipelines",
	Long: `Run a complete search without the API: open a session for the
problem, drive the generator until its budget runs out, tune the best
candidates and export the top pipelines into the session directory.

Examples:
  # Search for 30 minutes and export the best 10 pipelines
  pipesearch search problem.yaml file:///data/train/datasetDoc.json --timeout 30 --top 10

  # Restrict the search to a template
  pipesearch search problem.yaml file:///data/train/datasetDoc.json --template template.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: runSearch,
}

var (
	searchSampleDataset string
	searchTemplate      string
	searchTimeout       float64
	searchTop           int
	searchTuneTopK      int
	searchReportRank    bool
	searchJSON          bool
)

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVar(&searchSampleDataset, "sample-dataset", "", "smaller dataset URI used for scoring")
	searchCmd.Flags().StringVar(&searchTemplate, "template", "", "pipeline template file (YAML or JSON)")
	searchCmd.Flags().Float64Var(&searchTimeout, "timeout", -1, "search budget in minutes, 0 for no deadline (default: search.timeout_minutes)")
	searchCmd.Flags().IntVar(&searchTop, "top", 0, "number of pipelines to export (default: search.export_top)")
	searchCmd.Flags().IntVar(&searchTuneTopK, "tune", -1, "number of pipelines to tune (default: search.tune_top_k)")
	searchCmd.Flags().BoolVar(&searchReportRank, "report-rank", false, "write .rank files next to exported pipelines")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print the result as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	prob, err := problem.Load(args[0])
	if err != nil {
		return err
	}
	req, err := buildSearchRequest(cfg, prob, args[1])
	if err != nil {
		return err
	}
	top := searchTop
	if top <= 0 {
		top = cfg.Search.ExportTop
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := startCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	started := time.Now()
	result, err := c.orch.RunSearch(ctx, prob, req, top)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	logger.Info("search finished", "session_id", result.SessionID,
		"exported", len(result.Exported), "elapsed", time.Since(started).String())

	return printResult(cmd.OutOrStdout(), result, searchJSON)
}

// buildSearchRequest fills a search request from the problem, the flags and
// the configured defaults.
func buildSearchRequest(cfg *config.Config, prob *problem.Problem, dataset string) (orchestrator.BuildRequest, error) {
	req := orchestrator.BuildRequest{
		Dataset:       dataset,
		SampleDataset: searchSampleDataset,
		Metrics:       prob.Metrics,
		TaskKeywords:  prob.TaskKeywords,
		Targets:       prob.Targets(),
		Timeout:       cfg.Search.SearchTimeout(),
		TimeoutRun:    cfg.Search.TimeoutRun(),
		ReportRank:    searchReportRank,
	}
	if searchTimeout >= 0 {
		req.Timeout = time.Duration(searchTimeout * float64(time.Minute))
	}
	if searchTuneTopK >= 0 {
		k := searchTuneTopK
		req.TuneTopK = &k
	}
	if searchTemplate != "" {
		tmpl, err := loadTemplate(searchTemplate)
		if err != nil {
			return req, err
		}
		req.Template = tmpl
	}
	return req, nil
}

// loadTemplate reads a YAML or JSON template and returns it as JSON.
func loadTemplate(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", path, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("template %s is not representable as JSON: %w", path, err)
	}
	return out, nil
}

func printResult(w io.Writer, result *orchestrator.SearchResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintf(w, "Session: %s\n", result.SessionID)
	fmt.Fprintf(w, "Output:  %s\n\n", result.Dir)
	if len(result.Exported) == 0 {
		fmt.Fprintln(w, "No pipelines were scored.")
		return nil
	}
	fmt.Fprintf(w, "%-4s %-36s %12s %8s\n", "#", "PIPELINE", "SCORE", "RANK")
	for i, p := range result.Exported {
		fmt.Fprintf(w, "%-4d %-36s %12.6g %8s\n", i+1, p.ID, p.Score, session.FormatRank(p.Rank))
	}
	return nil
}
