package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/channel"
	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/session"
	"github.com/Iron-Ham/pipesearch/internal/worker"
)

// Generator message tags.
const (
	TagEvaluate = "evaluate"
	TagScore    = "score"
)

// errSearchEnded is returned to a scoring wait when its session finished or
// failed before the score arrived.
var errSearchEnded = errors.New("search ended before scoring finished")

// BuildRequest starts a pipeline search in a session.
type BuildRequest struct {
	SessionID     string           `json:"-"`
	Dataset       string           `json:"dataset" validate:"required"`
	SampleDataset string           `json:"sample_dataset,omitempty"`
	Metrics       []metric.Spec    `json:"metrics" validate:"required,min=1,dive"`
	TaskKeywords  []string         `json:"task_keywords,omitempty"`
	Targets       []problem.Column `json:"targets,omitempty"`
	Features      []problem.Column `json:"features,omitempty"`
	Template      json.RawMessage  `json:"template,omitempty"`
	Timeout       time.Duration    `json:"timeout" validate:"gte=0"`
	TimeoutRun    time.Duration    `json:"timeout_run,omitempty" validate:"gte=0"`
	ReportRank    bool             `json:"report_rank,omitempty"`
	// TuneTopK overrides the configured number of pipelines to tune.
	TuneTopK *int `json:"tune_top_k,omitempty" validate:"omitempty,gte=0"`
}

func (r BuildRequest) params() session.SearchParams {
	return session.SearchParams{
		Dataset:       r.Dataset,
		SampleDataset: r.SampleDataset,
		Metrics:       r.Metrics,
		Targets:       r.Targets,
		Features:      r.Features,
		TimeoutRun:    r.TimeoutRun,
		Timeout:       r.Timeout,
		ReportRank:    r.ReportRank,
	}
}

// GeneratorParams is the bundle a generator process reads on stdin.
type GeneratorParams struct {
	Session      string           `json:"session"`
	TaskKeywords []string         `json:"task_keywords"`
	Dataset      string           `json:"dataset"`
	Metrics      []metric.Spec    `json:"metrics"`
	Problem      *problem.Problem `json:"problem"`
	Template     json.RawMessage  `json:"template,omitempty"`
	Targets      []problem.Column `json:"targets,omitempty"`
	Features     []problem.Column `json:"features,omitempty"`
	Store        job.StoreRef     `json:"store"`
	// Timeout is the generator's own budget in seconds, zero for none.
	Timeout float64 `json:"timeout"`
}

// BuildPipelines starts a search. Invalid metrics and a busy session are
// reported synchronously; the search itself runs on the task executor and
// ends with done_searching or search_error.
func (o *Orchestrator) BuildPipelines(req BuildRequest) error {
	metrics, err := metric.Canonical(req.Metrics)
	if err != nil {
		return err
	}
	req.Metrics = metrics
	s, err := o.registry.Get(req.SessionID)
	if err != nil {
		return err
	}
	if err := s.Configure(req.params()); err != nil {
		return err
	}

	err = o.executor.submit("search "+s.ID(), func(ctx context.Context) {
		o.search(ctx, s, req)
	})
	if err != nil {
		s.Abort(err)
		return err
	}
	return nil
}

func (o *Orchestrator) search(ctx context.Context, s *session.Session, req BuildRequest) {
	budget := time.Duration(float64(req.Timeout) * generatorBudgetFraction)
	if err := o.runGenerator(ctx, s, req, budget); err != nil {
		s.Abort(err)
		return
	}
	k := o.cfg.TuneTopK
	if req.TuneTopK != nil {
		k = *req.TuneTopK
	}
	s.TuneWhenReady(k)
}

// runGenerator launches the generator and serves its evaluate requests
// until it exits. Only a launch failure is returned.
func (o *Orchestrator) runGenerator(ctx context.Context, s *session.Session, req BuildRequest, budget time.Duration) error {
	log := o.log.WithSession(s.ID())

	var spec worker.Spec
	var err error
	if o.launcher == nil {
		err = errors.NewConfigurationError("no worker launcher configured")
	} else {
		spec, err = o.launcher(KindGenerator)
	}
	if err != nil {
		return errors.NewLaunchError(KindGenerator, err)
	}
	spec.Name = KindGenerator
	spec.LogPath = filepath.Join(s.Layout().Runs(), fmt.Sprintf("generator-%d.log", time.Now().Unix()))
	if o.cfg.Grace > 0 {
		spec.Grace = o.cfg.Grace
	}

	keywords := req.TaskKeywords
	if len(keywords) == 0 && s.Problem() != nil {
		keywords = s.Problem().TaskKeywords
	}
	proc := worker.New(spec)
	err = proc.Start(GeneratorParams{
		Session:      s.ID(),
		TaskKeywords: keywords,
		Dataset:      req.Dataset,
		Metrics:      req.Metrics,
		Problem:      s.Problem(),
		Template:     req.Template,
		Targets:      req.Targets,
		Features:     req.Features,
		Store:        o.storeRef,
		Timeout:      budget.Seconds(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = proc.Close() }()

	// The remaining search time after the generator budget goes to tuning.
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}
	log.Info("generator started", "pid", proc.Pid(), "budget", budget.String())
	st := o.generatorLoop(ctx, s, proc, deadline)
	switch {
	case st.Stopped:
		log.Info("generator stopped", "duration", st.Duration.String())
	case st.Err != nil:
		log.Warn("generator exited with error", "error", st.Err, "exit_code", st.ExitCode)
	default:
		log.Info("generator finished", "duration", st.Duration.String())
	}
	return nil
}

// generatorLoop serves a running generator and returns its exit status. The
// generator is terminated on stop or once deadline passes; a zero deadline
// never expires.
func (o *Orchestrator) generatorLoop(ctx context.Context, s *session.Session, proc *worker.Process, deadline time.Time) worker.Status {
	log := o.log.WithSession(s.ID())
	ch := proc.Channel()
	terminated := false

	for {
		st := proc.Poll()
		if !st.Running {
			return st
		}
		if !terminated && (s.StopRequested() || ctx.Err() != nil || (!deadline.IsZero() && time.Now().After(deadline))) {
			log.Info("terminating generator", "stop_requested", s.StopRequested(), "deadline_passed", !deadline.IsZero() && time.Now().After(deadline))
			proc.Terminate()
			terminated = true
		}

		msg, err := ch.Receive(o.cfg.ReceiveTimeout)
		switch {
		case errors.Is(err, channel.ErrEmpty):
			continue
		case err != nil:
			// The generator closed its end; wait for the exit status.
			return proc.Wait(ctx)
		}

		if msg.Tag != TagEvaluate {
			log.Error("protocol violation", "error", errors.NewProtocolError("unexpected message from generator").WithTag(msg.Tag))
			proc.Kill()
			return proc.Wait(context.Background())
		}
		var pipelineID string
		if err := msg.Decode(&pipelineID); err != nil || pipelineID == "" {
			log.Error("protocol violation", "error", errors.NewProtocolError("evaluate requires a pipeline id").WithTag(msg.Tag))
			proc.Kill()
			return proc.Wait(context.Background())
		}
		if terminated || s.StopRequested() {
			log.Debug("dropping evaluate request after stop", "pipeline_id", pipelineID)
			continue
		}

		score, err := o.evaluate(ctx, s, pipelineID, true)
		if err != nil {
			log.Warn("pipeline evaluation failed", "pipeline_id", pipelineID, "error", err)
		}
		if err := ch.Send(TagScore, score); err != nil {
			log.Warn("failed to reply to generator", "pipeline_id", pipelineID, "error", err)
		}
	}
}

// evaluate scores a pipeline for a session and waits for the result. It
// returns the latest cross-validated value of the primary metric, or nil
// when scoring failed.
func (o *Orchestrator) evaluate(ctx context.Context, s *session.Session, pipelineID string, announce bool) (*float64, error) {
	q := o.bus.SubscribeQueue(event.Or(
		event.And(
			event.Types(event.ScoringSuccess, event.ScoringError),
			event.ForSession(s.ID()),
			event.ForPipeline(pipelineID),
		),
		event.And(
			event.Types(event.DoneSearching, event.SearchError, event.FinishSession),
			event.ForSession(s.ID()),
		),
	))
	defer q.Close()

	if err := s.AddScoringPipeline(ctx, pipelineID); err != nil {
		return nil, err
	}
	j := job.NewScore(o.env, job.ScoreRequest{
		PipelineID:       pipelineID,
		DatasetURI:       s.Dataset(),
		SampleDatasetURI: s.SampleDataset(),
		Metrics:          s.Metrics(),
		Problem:          s.Problem(),
		ScoringConfig:    job.KFold(s.Problem().IsClassification()),
		TimeoutRun:       s.TimeoutRun().Seconds(),
		ReportRank:       s.ReportRank(),
	}, job.Options{SessionID: s.ID(), RunsDir: s.Layout().Runs()})
	o.scheduler.Submit(j)
	if announce {
		o.bus.Publish(event.NewPipelineEvent(event.NewPipeline, s.ID(), pipelineID))
	}

	for {
		e, err := q.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch e.EventType() {
		case event.ScoringError:
			return nil, nil
		case event.ScoringSuccess:
			return o.primaryScore(ctx, s, pipelineID)
		default:
			return nil, errSearchEnded
		}
	}
}

func (o *Orchestrator) primaryScore(ctx context.Context, s *session.Session, pipelineID string) (*float64, error) {
	m, err := metric.Primary(s.Metrics())
	if err != nil {
		return nil, err
	}
	scores, err := o.store.LatestScores(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	v, ok := scores[m.Name]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

// FixedRequest builds one pipeline from a template instead of searching.
type FixedRequest struct {
	SessionID  string           `json:"-"`
	Dataset    string           `json:"dataset" validate:"required"`
	Metrics    []metric.Spec    `json:"metrics" validate:"required,min=1,dive"`
	Template   json.RawMessage  `json:"template" validate:"required"`
	Targets    []problem.Column `json:"targets,omitempty"`
	Features   []problem.Column `json:"features,omitempty"`
	TimeoutRun time.Duration    `json:"timeout_run,omitempty" validate:"gte=0"`
	ReportRank bool             `json:"report_rank,omitempty"`
}

// BuildFixedPipeline constructs a pipeline from a template, publishes
// new_fixed_pipeline and scores it in the background. The search completes
// without tuning once the score arrives.
func (o *Orchestrator) BuildFixedPipeline(ctx context.Context, req FixedRequest) (string, error) {
	metrics, err := metric.Canonical(req.Metrics)
	if err != nil {
		return "", err
	}
	req.Metrics = metrics
	s, err := o.registry.Get(req.SessionID)
	if err != nil {
		return "", err
	}
	err = s.Configure(session.SearchParams{
		Dataset:    req.Dataset,
		Metrics:    req.Metrics,
		Targets:    req.Targets,
		Features:   req.Features,
		TimeoutRun: req.TimeoutRun,
		ReportRank: req.ReportRank,
	})
	if err != nil {
		return "", err
	}

	id, err := o.constructor.Construct(ctx, Template{
		Description: req.Template,
		Dataset:     req.Dataset,
		Targets:     req.Targets,
		Features:    req.Features,
	})
	if err == nil {
		err = s.AnnounceFixedPipeline(ctx, id)
	}
	if err != nil {
		s.Abort(err)
		return "", err
	}

	err = o.executor.submit("fixed "+id, func(ctx context.Context) {
		if _, err := o.evaluate(ctx, s, id, false); err != nil {
			o.log.WithSession(s.ID()).Warn("fixed pipeline evaluation failed", "pipeline_id", id, "error", err)
		}
		s.TuneWhenReady(0)
	})
	if err != nil {
		s.Abort(err)
		return "", err
	}
	return id, nil
}

// ExportedPipeline is one pipeline written by RunSearch.
type ExportedPipeline struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
	Rank  float64 `json:"rank"`
}

// SearchResult summarizes a one-shot search.
type SearchResult struct {
	SessionID string             `json:"session_id"`
	Dir       string             `json:"dir"`
	Exported  []ExportedPipeline `json:"exported"`
}

// RunSearch opens a session, searches, waits for completion and exports the
// best top pipelines. The session is closed on return. Cancelling ctx stops
// the search and returns the context error.
func (o *Orchestrator) RunSearch(ctx context.Context, prob *problem.Problem, req BuildRequest, top int) (*SearchResult, error) {
	s, err := o.NewSession(prob)
	if err != nil {
		return nil, err
	}
	defer func() { _ = o.CloseSession(s.ID()) }()

	q := o.bus.SubscribeQueue(event.And(
		event.Types(event.DoneSearching, event.SearchError),
		event.ForSession(s.ID()),
	))
	defer q.Close()

	req.SessionID = s.ID()
	if err := o.BuildPipelines(req); err != nil {
		return nil, err
	}

	e, err := q.Next(ctx)
	if err != nil {
		s.Stop()
		return nil, err
	}
	if se, ok := e.(event.SessionEvent); ok && se.EventType() == event.SearchError {
		return nil, fmt.Errorf("search failed: %s", se.Error)
	}

	ranked, err := s.Ranking(ctx, top)
	if err != nil {
		return nil, err
	}
	result := &SearchResult{SessionID: s.ID(), Dir: s.Layout().Root}
	for _, r := range ranked {
		rank, err := s.ExportPipeline(ctx, r.Pipeline.ID, nil)
		if err != nil {
			return nil, err
		}
		result.Exported = append(result.Exported, ExportedPipeline{ID: r.Pipeline.ID, Score: r.Score, Rank: rank})
	}
	return result, nil
}
