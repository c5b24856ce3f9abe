package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/pipesearch/internal/api"
	"github.com/Iron-Ham/pipesearch/internal/config"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session's events",
	Long: `Connect to a running server and follow one session's pipelines as
they are generated, scored and tuned.

On a terminal this opens an interactive view. Otherwise, or with --plain,
every event is printed as one JSON line until the session finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchServer string
	watchToken  string
	watchPlain  bool
)

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchServer, "server", "", "server URL (default: derived from server.address)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "bearer token (default: $PIPESEARCH_TOKEN)")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "print events as JSON lines instead of the interactive view")
}

func runWatch(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	server := watchServer
	if server == "" {
		server = serverURL(config.Get().Server.Address)
	}
	token := watchToken
	if token == "" {
		token = os.Getenv(config.EnvPrefix + "_TOKEN")
	}

	url, err := tui.EventsURL(server, api.Prefix, sessionID)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := tui.NewEventClient(url, token)
	defer func() { _ = client.Close() }()

	if watchPlain || !term.IsTerminal(int(os.Stdout.Fd())) {
		return streamPlain(ctx, cmd.OutOrStdout(), client)
	}
	return tui.Run(ctx, client, sessionID)
}

// streamPlain prints events as JSON lines until finish_session or until
// ctx ends.
func streamPlain(ctx context.Context, out io.Writer, client *tui.EventClient) error {
	enc := json.NewEncoder(out)

	if d, ok := client.Listen(ctx)().(tui.DisconnectedMsg); ok {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to connect: %w", d.Err)
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	for {
		switch msg := client.ReadLoop()().(type) {
		case tui.EnvelopeMsg:
			if err := enc.Encode(msg.Envelope); err != nil {
				return err
			}
			if msg.Envelope.Event == event.FinishSession {
				return nil
			}
		case tui.DisconnectedMsg:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", msg.Err)
		}
	}
}

// serverURL turns a listen address such as ":45042" into a client URL.
func serverURL(address string) string {
	if strings.HasPrefix(address, ":") {
		address = "localhost" + address
	}
	if strings.HasPrefix(address, "0.0.0.0:") {
		address = "localhost" + strings.TrimPrefix(address, "0.0.0.0")
	}
	return "http://" + address
}
