package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/pipesearch/internal/api"
	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running server",
	Long:  `Display scheduler load and the open sessions of a running pipesearch server.`,
	RunE:  runStatus,
}

var (
	statusServer string
	statusToken  string
)

const statusTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusServer, "server", "", "server URL (default: derived from server.address)")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "bearer token (default: $PIPESEARCH_TOKEN)")
}

// envelope mirrors api.Response with a typed payload.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	server := statusServer
	if server == "" {
		server = serverURL(config.Get().Server.Address)
	}
	server = strings.TrimSuffix(server, "/")
	token := statusToken
	if token == "" {
		token = os.Getenv(config.EnvPrefix + "_TOKEN")
	}

	var health envelope[api.HealthResponse]
	if err := getJSON(server+"/healthz", "", &health); err != nil {
		return fmt.Errorf("server at %s is not reachable: %w", server, err)
	}
	var sessions envelope[[]session.Status]
	if err := getJSON(server+api.Prefix+"/sessions", token, &sessions); err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), server, health.Data, sessions.Data)
	return nil
}

func getJSON(url, token string, v any) error {
	a := fiber.Get(url).Timeout(statusTimeout)
	if token != "" {
		a.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	code, body, errs := a.Struct(v)
	if len(errs) > 0 {
		return errs[0]
	}
	if code != fiber.StatusOK {
		return fmt.Errorf("GET %s: %d %s", url, code, strings.TrimSpace(string(body)))
	}
	return nil
}

func printStatus(w io.Writer, server string, health api.HealthResponse, sessions []session.Status) {
	fmt.Fprintf(w, "Server:  %s (%s, up %s)\n", server, health.Status, health.Uptime)
	fmt.Fprintf(w, "Jobs:    %d running / %d max, %d pending, %d finished\n\n",
		health.Jobs.Running, health.Jobs.MaxRunning, health.Jobs.Pending, health.Jobs.Finished)

	if len(sessions) == 0 {
		fmt.Fprintln(w, "No open sessions")
		return
	}
	fmt.Fprintf(w, "%-36s %-10s %9s %9s %7s %7s\n", "SESSION", "STATE", "PROGRESS", "PIPELINES", "SCORING", "TUNING")
	for _, s := range sessions {
		state := s.State
		if s.StopRequested && !s.Closed {
			state += "*"
		}
		fmt.Fprintf(w, "%-36s %-10s %9s %9d %7d %7d\n",
			s.ID, state, fmt.Sprintf("%d/%d", s.Current, s.Total), s.Pipelines, s.Scoring, s.Tuning)
	}
}
