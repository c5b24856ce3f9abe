package cmd

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/pipesearch/internal/api"
	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/orchestrator"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/scheduler"
	"github.com/Iron-Ham/pipesearch/internal/session"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(t *testing.T, root *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	t.Cleanup(func() {
		root.SetOut(nil)
		root.SetErr(nil)
		root.SetArgs(nil)
	})
	err := root.Execute()
	return buf.String(), err
}

// isolate points the config and output directories at temp dirs.
func isolate(t *testing.T) (outputDir string) {
	t.Helper()
	outputDir = t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("PIPESEARCH_PATHS_OUTPUT_DIR", outputDir)
	return outputDir
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "pipesearch", rootCmd.Use)

	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "search", "watch", "config", "sessions", "logs", "status"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestConfigInitAndShow(t *testing.T) {
	isolate(t)

	out, err := executeCommand(t, rootCmd, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Created config file")

	data, err := os.ReadFile(config.ConfigFile())
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_running")

	_, err = executeCommand(t, rootCmd, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	out, err = executeCommand(t, rootCmd, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "45042")
	assert.Contains(t, out, "tune_top_k: 5")
}

func TestDefaultConfigFileIsValid(t *testing.T) {
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(defaultConfigFile), &doc))
	for _, key := range []string{"server", "search", "scheduler", "store", "workers", "stream", "tracing", "logging", "paths"} {
		assert.Contains(t, doc, key)
	}
}

func TestToDocument_MatchesFileKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Workers["score"] = config.WorkerConfig{Command: "/bin/worker", Args: []string{"score"}}
	doc := toDocument(cfg)

	workers := doc["workers"].(map[string]any)
	require.Contains(t, workers, "score")
	assert.Equal(t, "/bin/worker", workers["score"].(map[string]any)["command"])
	assert.Equal(t, 60.0, doc["search"].(map[string]any)["timeout_minutes"])
}

func TestSessionsList(t *testing.T) {
	outputDir := isolate(t)

	out, err := executeCommand(t, rootCmd, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found")

	layout := session.NewLayout(outputDir, "s-1")
	require.NoError(t, layout.Create())
	require.NoError(t, os.WriteFile(layout.SearchedPath("p1"), []byte(`{"id":"p1"}`), 0644))
	require.NoError(t, os.WriteFile(layout.SearchedPath("p2"), []byte(`{"id":"p2"}`), 0644))

	out, err = executeCommand(t, rootCmd, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "s-1")
	assert.Regexp(t, `s-1\s+2\s+0\s+0`, out)
}

func TestSessionsShow(t *testing.T) {
	outputDir := isolate(t)

	_, err := executeCommand(t, rootCmd, "sessions", "show", "missing")
	assert.ErrorContains(t, err, "not found")

	layout := session.NewLayout(outputDir, "s-2")
	require.NoError(t, layout.Create())
	doc := session.Document{ID: "p1", Origin: "tuned", Scores: map[string]float64{"f1": 0.9, "accuracy": 0.8}}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(layout.RankedPath("p1"), data, 0644))
	require.NoError(t, os.WriteFile(layout.RankPath("p1"), []byte(session.FormatRank(1)), 0644))

	out, err := executeCommand(t, rootCmd, "sessions", "show", "s-2")
	require.NoError(t, err)
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "accuracy=0.8 f1=0.9")
}

func TestLogs(t *testing.T) {
	outputDir := isolate(t)

	logger, err := logging.New(logging.Options{Dir: filepath.Join(outputDir, "logs"), Level: "debug"})
	require.NoError(t, err)
	logger.WithSession("s-1").Info("search started")
	logger.WithSession("s-2").Warn("generator exited")
	logger.Debug("tick")
	require.NoError(t, logger.Close())

	out, err := executeCommand(t, rootCmd, "logs", "-n", "0", "--level", "", "--session", "", "--grep", "")
	require.NoError(t, err)
	assert.Contains(t, out, "search started")
	assert.Contains(t, out, "tick")

	out, err = executeCommand(t, rootCmd, "logs", "--level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "generator exited")
	assert.NotContains(t, out, "search started")

	out, err = executeCommand(t, rootCmd, "logs", "--level", "", "--session", "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, "search started")
	assert.NotContains(t, out, "generator exited")

	_, err = executeCommand(t, rootCmd, "logs", "--session", "", "--since", "yesterday")
	assert.ErrorContains(t, err, "invalid duration")
}

func TestServerURL(t *testing.T) {
	tests := map[string]string{
		":45042":         "http://localhost:45042",
		"0.0.0.0:8080":   "http://localhost:8080",
		"10.0.0.5:45042": "http://10.0.0.5:45042",
	}
	for in, want := range tests {
		assert.Equal(t, want, serverURL(in), in)
	}
}

func TestLoadTemplate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "template.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - primitive: imputer\n  - primitive: PLACEHOLDER\n"), 0644))

	raw, err := loadTemplate(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":[{"primitive":"imputer"},{"primitive":"PLACEHOLDER"}]}`, string(raw))

	_, err = loadTemplate(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildSearchRequest(t *testing.T) {
	cfg := config.Default()
	prob := &problem.Problem{
		ID:           "p",
		TaskKeywords: []string{problem.KeywordClassification},
		Metrics:      []metric.Spec{{Metric: "accuracy"}},
		Inputs: []problem.Input{{
			DatasetID: "d",
			Targets:   []problem.Column{{ResourceID: "learningData", ColumnName: "class"}},
		}},
	}

	t.Run("defaults", func(t *testing.T) {
		searchTimeout, searchTuneTopK, searchTemplate = -1, -1, ""
		req, err := buildSearchRequest(cfg, prob, "file:///data.json")
		require.NoError(t, err)
		assert.Equal(t, "file:///data.json", req.Dataset)
		assert.Equal(t, time.Hour, req.Timeout)
		assert.Equal(t, 10*time.Minute, req.TimeoutRun)
		assert.Nil(t, req.TuneTopK)
		assert.Len(t, req.Targets, 1)
	})

	t.Run("flags override", func(t *testing.T) {
		searchTimeout, searchTuneTopK, searchTemplate = 0.5, 0, ""
		t.Cleanup(func() { searchTimeout, searchTuneTopK = -1, -1 })
		req, err := buildSearchRequest(cfg, prob, "file:///data.json")
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, req.Timeout)
		require.NotNil(t, req.TuneTopK)
		assert.Equal(t, 0, *req.TuneTopK)
	})
}

func TestPrintResult(t *testing.T) {
	result := &orchestrator.SearchResult{
		SessionID: "s-1",
		Dir:       "/out/s-1",
		Exported:  []orchestrator.ExportedPipeline{{ID: "p1", Score: 0.91, Rank: 1}, {ID: "p2", Score: 0.85, Rank: 2}},
	}

	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, result, false))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Contains(t, lines[len(lines)-2], "p1")
	assert.Contains(t, lines[len(lines)-1], "p2")

	buf.Reset()
	require.NoError(t, printResult(&buf, result, true))
	var decoded orchestrator.SearchResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, *result, decoded)

	buf.Reset()
	require.NoError(t, printResult(&buf, &orchestrator.SearchResult{SessionID: "s-2"}, false))
	assert.Contains(t, buf.String(), "No pipelines were scored")
}

func TestStatus(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(api.Response{Success: true, Data: api.HealthResponse{
			Status: "ok", Uptime: "1m0s", Sessions: 1,
			Jobs: scheduler.Stats{Running: 2, MaxRunning: 4, Pending: 3},
		}})
	})
	app.Get(api.Prefix+"/sessions", func(c *fiber.Ctx) error {
		if c.Get(fiber.HeaderAuthorization) != "Bearer secret-token" {
			return c.Status(fiber.StatusUnauthorized).JSON(api.Response{Message: "unauthorized"})
		}
		return c.JSON(api.Response{Success: true, Data: []session.Status{{ID: "s-1", State: "searching", Current: 3, Total: 10, Pipelines: 3}}})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	isolate(t)
	server := "http://" + ln.Addr().String()

	_, err = executeCommand(t, rootCmd, "status", "--server", server, "--token", "wrong")
	assert.ErrorContains(t, err, "401")

	out, err := executeCommand(t, rootCmd, "status", "--server", server, "--token", "secret-token")
	require.NoError(t, err)
	assert.Contains(t, out, "2 running / 4 max, 3 pending")
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "3/10")
}

func TestFormatScores(t *testing.T) {
	assert.Equal(t, "", formatScores(nil))
	assert.Equal(t, "a=1 b=0.5", formatScores(map[string]float64{"b": 0.5, "a": 1}))
}
