// Package api serves the remote interface of the search service over HTTP.
//
// Every route lives under /api/v1 and replies with a Response envelope.
// Session progress is streamed as JSON event envelopes over a websocket.
package api

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/orchestrator"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/scheduler"
	"github.com/Iron-Ham/pipesearch/internal/session"
	"github.com/Iron-Ham/pipesearch/internal/store"
	"github.com/Iron-Ham/pipesearch/internal/stream"
)

// Prefix is the path prefix of every route.
const Prefix = "/api/v1"

// bodyLimit bounds request bodies; templates and problems are small.
const bodyLimit = 4 * 1024 * 1024

// Service is the orchestrator surface the API drives.
type Service interface {
	NewSession(prob *problem.Problem) (*session.Session, error)
	Sessions() []session.Status
	SessionStatus(id string) (session.Status, error)
	StopSession(id string) error
	CloseSession(id string) error
	BuildPipelines(req orchestrator.BuildRequest) error
	BuildFixedPipeline(ctx context.Context, req orchestrator.FixedRequest) (string, error)
	Ranking(ctx context.Context, sessionID string, limit int) ([]store.Ranked, error)
	ExportPipeline(ctx context.Context, sessionID, pipelineID string, rank *float64) (float64, error)
	ScorePipeline(ctx context.Context, req job.ScoreRequest) (string, error)
	TrainPipeline(ctx context.Context, req job.FitRequest) (string, error)
	TestPipeline(ctx context.Context, req job.FitRequest) (string, error)
	PipelineScores(ctx context.Context, id string) (map[string]float64, error)
	FittedPipelineURI(id string) (string, error)
	Stats() scheduler.Stats
}

var _ Service = (*orchestrator.Orchestrator)(nil)

// Options configures the server.
type Options struct {
	// AuthSecret enables HS256 bearer authentication when set.
	AuthSecret  string
	CORSOrigins []string
	// Tracing wraps every request in an OpenTelemetry span.
	Tracing bool
}

// Server is the HTTP front of an orchestrator.
type Server struct {
	app     *fiber.App
	svc     Service
	bridge  *stream.Bridge
	logger  *logging.Logger
	started time.Time
}

// New builds the fiber app and registers every route. bridge may be nil, in
// which case the event stream endpoint is unavailable.
func New(svc Service, bridge *stream.Bridge, opts Options, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With("component", "api")

	app := fiber.New(fiber.Config{
		AppName:               "pipesearch",
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})
	app.Use(recover.New())

	origins := "*"
	if len(opts.CORSOrigins) > 0 {
		origins = strings.Join(opts.CORSOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	if opts.Tracing {
		app.Use(otelfiber.Middleware())
	}

	s := &Server{
		app:     app,
		svc:     svc,
		bridge:  bridge,
		logger:  logger,
		started: time.Now(),
	}

	app.Get("/healthz", s.health)

	v1 := app.Group(Prefix)
	if opts.AuthSecret != "" {
		v1.Use(requireToken([]byte(opts.AuthSecret)))
	}
	s.registerSessionRoutes(v1)
	s.registerPipelineRoutes(v1)
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("api listening", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// HealthResponse reports liveness and scheduler load.
type HealthResponse struct {
	Status   string          `json:"status"`
	Uptime   string          `json:"uptime"`
	Sessions int             `json:"sessions"`
	Jobs     scheduler.Stats `json:"jobs"`
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(success("ok", HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: len(s.svc.Sessions()),
		Jobs:     s.svc.Stats(),
	}))
}
