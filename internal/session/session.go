package session

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// Composite session states.
const (
	StateIdle      = "idle"
	StateSearching = "searching"
	StateTuning    = "tuning"
)

// storeTimeout bounds each store call made on behalf of a session.
const storeTimeout = 30 * time.Second

// ErrPipelineBusy is returned when a pipeline under tuning is submitted for
// scoring.
var ErrPipelineBusy = errors.New("pipeline is being tuned")

// Tuner queues tuning jobs for a session. The session observes each job
// through PipelineTuningDone.
type Tuner interface {
	SubmitTuning(s *Session, req job.TuneRequest)
}

// Config holds what a session needs from its owner.
type Config struct {
	// ID is generated when empty.
	ID        string
	Problem   *problem.Problem
	OutputDir string
	Bus       *event.Bus
	Store     store.Store
	// Tuner is optional; without it tuning requests complete immediately.
	Tuner  Tuner
	Logger *logging.Logger
}

// SearchParams configure one search round.
type SearchParams struct {
	Dataset       string
	SampleDataset string
	Metrics       []metric.Spec
	// Targets and Features are nil when not set and non-empty otherwise.
	Targets    []problem.Column
	Features   []problem.Column
	TimeoutRun time.Duration
	// Timeout sets the expected search end relative to now. Zero leaves it
	// unset.
	Timeout    time.Duration
	ReportRank bool
}

// Status is a snapshot of a session.
type Status struct {
	ID                string     `json:"id"`
	State             string     `json:"state"`
	Working           bool       `json:"working"`
	StopRequested     bool       `json:"stop_requested"`
	Closed            bool       `json:"closed"`
	Current           int        `json:"current"`
	Total             int        `json:"total"`
	Pipelines         int        `json:"pipelines"`
	Scoring           int        `json:"scoring"`
	Tuning            int        `json:"tuning"`
	Tuned             int        `json:"tuned"`
	ExpectedSearchEnd *time.Time `json:"expected_search_end,omitempty"`
}

// Session is one search episode. It tracks which pipelines are being scored
// and tuned and decides when the episode is complete.
type Session struct {
	id      string
	problem *problem.Problem
	layout  Layout
	created time.Time
	bus     *event.Bus
	store   store.Store
	tuner   Tuner
	log     *logging.Logger
	subID   string

	mu            sync.Mutex
	metrics       []metric.Spec
	dataset       string
	sampleDataset string
	targets       []problem.Column
	features      []problem.Column
	reportRank    bool
	timeoutRun    time.Duration
	expectedEnd   time.Time
	searchStarted time.Time
	pipelines     map[string]struct{}
	scoring       map[string]struct{}
	tuning        map[string]struct{}
	tuned         map[string]struct{}
	working       bool
	stopRequested bool
	closed        bool
	tuneWhenReady *int
}

var _ job.TuningObserver = (*Session)(nil)

// New creates a session, its directories and its subscription to scoring
// events.
func New(cfg Config) (*Session, error) {
	if cfg.Bus == nil || cfg.Store == nil {
		return nil, errors.NewConfigurationError("session requires an event bus and a store")
	}
	if cfg.OutputDir == "" {
		return nil, errors.NewConfigurationError("output directory is required").WithField("output_dir")
	}
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	prob := cfg.Problem
	if prob == nil {
		prob = &problem.Problem{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	metrics := slices.Clone(prob.Metrics)
	if len(metrics) > 0 {
		canonical, err := metric.Canonical(metrics)
		if err != nil {
			return nil, err
		}
		metrics = canonical
	}

	s := &Session{
		id:        id,
		problem:   prob,
		layout:    NewLayout(cfg.OutputDir, id),
		created:   time.Now(),
		bus:       cfg.Bus,
		store:     cfg.Store,
		tuner:     cfg.Tuner,
		log:       logger.WithSession(id),
		metrics:   metrics,
		pipelines: make(map[string]struct{}),
		scoring:   make(map[string]struct{}),
		tuning:    make(map[string]struct{}),
		tuned:     make(map[string]struct{}),
	}
	if err := s.layout.Create(); err != nil {
		return nil, err
	}
	s.subID = s.bus.SubscribeFunc(
		event.And(event.Types(event.ScoringSuccess, event.ScoringError), event.ForSession(id)),
		s.onScoring,
	)
	s.log.Info("session opened", "dir", s.layout.Root, "problem_id", prob.ID)
	return s, nil
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Problem() *problem.Problem { return s.problem }
func (s *Session) Layout() Layout            { return s.layout }
func (s *Session) Created() time.Time        { return s.created }

// Metrics returns the metric list; the first entry is the primary metric.
func (s *Session) Metrics() []metric.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.metrics)
}

func (s *Session) Dataset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataset
}

func (s *Session) SampleDataset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleDataset
}

func (s *Session) Targets() []problem.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.targets)
}

func (s *Session) Features() []problem.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.features)
}

func (s *Session) ReportRank() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportRank
}

func (s *Session) TimeoutRun() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeoutRun
}

// ExpectedSearchEnd is zero when no deadline was set.
func (s *Session) ExpectedSearchEnd() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedEnd
}

func (s *Session) Working() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.working
}

func (s *Session) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// Pipelines returns every pipeline of the session, sorted.
func (s *Session) Pipelines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.pipelines))
}

// Configure starts a search round.
func (s *Session) Configure(p SearchParams) error {
	metrics, err := metric.Canonical(p.Metrics)
	if err != nil {
		return err
	}
	if p.Targets != nil && len(p.Targets) == 0 {
		return errors.NewConfigurationError("targets must not be empty when set").WithField("targets")
	}
	if p.Features != nil && len(p.Features) == 0 {
		return errors.NewConfigurationError("features must not be empty when set").WithField("features")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.NewConfigurationError(fmt.Sprintf("session %s is closed", s.id))
	}
	if s.working {
		return errors.NewConfigurationError(fmt.Sprintf("session %s is already searching", s.id))
	}

	s.metrics = metrics
	s.dataset = p.Dataset
	s.sampleDataset = p.SampleDataset
	s.targets = slices.Clone(p.Targets)
	s.features = slices.Clone(p.Features)
	s.reportRank = p.ReportRank
	s.timeoutRun = p.TimeoutRun
	s.searchStarted = time.Now()
	s.expectedEnd = time.Time{}
	if p.Timeout > 0 {
		s.expectedEnd = s.searchStarted.Add(p.Timeout)
	}
	s.tuneWhenReady = nil
	s.stopRequested = false
	s.working = true

	s.log.Info("search configured",
		"dataset", p.Dataset,
		"metric", metrics[0].Metric,
		"timeout", p.Timeout.String(),
	)
	return nil
}

// AddScoringPipeline records that id is being scored and writes its
// pre-score description.
func (s *Session) AddScoringPipeline(ctx context.Context, id string) error {
	if s.isTuning(id) {
		return fmt.Errorf("%w: %s", ErrPipelineBusy, id)
	}
	if err := s.persist(ctx, id, false); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.tuning[id]; busy {
		return fmt.Errorf("%w: %s", ErrPipelineBusy, id)
	}
	s.pipelines[id] = struct{}{}
	s.scoring[id] = struct{}{}
	return nil
}

func (s *Session) isTuning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tuning[id]
	return ok
}

// AnnounceFixedPipeline records a pipeline built from a template and
// publishes new_fixed_pipeline.
func (s *Session) AnnounceFixedPipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	s.pipelines[id] = struct{}{}
	s.mu.Unlock()

	if err := s.persist(ctx, id, false); err != nil {
		return err
	}
	s.bus.Publish(event.NewPipelineEvent(event.NewFixedPipeline, s.id, id))
	return nil
}

// PipelineScoringDone ends the scoring of id. Ids not being scored by this
// session are ignored.
func (s *Session) PipelineScoringDone(id string, ok bool) {
	s.mu.Lock()
	if _, in := s.scoring[id]; !in {
		s.mu.Unlock()
		return
	}
	delete(s.scoring, id)
	out := s.checkStatusLocked()
	s.mu.Unlock()

	if ok {
		if err := s.persist(context.Background(), id, true); err != nil {
			s.log.Warn("failed to write scored pipeline", "pipeline_id", id, "error", err)
		}
	}
	s.apply(out)
}

// PipelineTuningDone ends the tuning of oldID. newID is the tuned
// replacement, empty when tuning failed.
func (s *Session) PipelineTuningDone(oldID, newID string) {
	s.mu.Lock()
	delete(s.tuning, oldID)
	s.tuned[oldID] = struct{}{}
	if newID != "" {
		s.pipelines[newID] = struct{}{}
		s.tuned[newID] = struct{}{}
	}
	out := s.checkStatusLocked()
	s.mu.Unlock()

	if newID != "" {
		ctx := context.Background()
		if err := s.persist(ctx, newID, false); err != nil {
			s.log.Warn("failed to write tuned pipeline", "pipeline_id", newID, "error", err)
		} else if err := s.persist(ctx, newID, true); err != nil {
			s.log.Warn("failed to write scored tuned pipeline", "pipeline_id", newID, "error", err)
		}
	}
	s.apply(out)
}

// TuneWhenReady requests that the top k pipelines be tuned once scoring
// drains. k = 0 completes the search without tuning.
func (s *Session) TuneWhenReady(k int) {
	k = max(k, 0)
	s.mu.Lock()
	s.tuneWhenReady = &k
	out := s.checkStatusLocked()
	s.mu.Unlock()

	s.apply(out)
}

// CheckStatus re-evaluates completion. It is idempotent while nothing
// completes.
func (s *Session) CheckStatus() {
	s.mu.Lock()
	out := s.checkStatusLocked()
	s.mu.Unlock()

	s.apply(out)
}

// outcome is what a status check decided, applied after the lock is
// released.
type outcome struct {
	tune []job.TuneRequest
	done bool
}

func (s *Session) checkStatusLocked() outcome {
	if s.tuneWhenReady == nil || !s.working || len(s.scoring) > 0 || len(s.tuning) > 0 {
		return outcome{}
	}

	k := *s.tuneWhenReady
	if k > 0 && s.tuner != nil && !s.stopRequested {
		candidates := s.tuneCandidatesLocked(k)
		if len(candidates) > 0 {
			budget := time.Duration(0)
			if !s.expectedEnd.IsZero() {
				budget = max(time.Until(s.expectedEnd), 0)
			}
			reqs := make([]job.TuneRequest, 0, len(candidates))
			for _, id := range candidates {
				s.tuning[id] = struct{}{}
				reqs = append(reqs, job.TuneRequest{
					PipelineID:       id,
					DatasetURI:       s.dataset,
					SampleDatasetURI: s.sampleDataset,
					Metrics:          slices.Clone(s.metrics),
					Problem:          s.problem,
					ReportRank:       s.reportRank,
					Budget:           budget,
				})
			}
			s.log.Info("tuning top pipelines", "count", len(reqs), "budget", budget.String())
			return outcome{tune: reqs}
		}
	}

	s.working = false
	return outcome{done: true}
}

// tuneCandidatesLocked returns the top k pipelines by primary metric that
// were not tuned yet.
func (s *Session) tuneCandidatesLocked(k int) []string {
	m, err := metric.Primary(s.metrics)
	if err != nil {
		s.log.Warn("cannot select pipelines to tune", "error", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ranked, err := s.store.QueryTop(ctx, m, slices.Collect(maps.Keys(s.pipelines)), k)
	if err != nil {
		s.log.Warn("failed to query top pipelines", "error", err)
		return nil
	}
	var ids []string
	for _, r := range ranked {
		if _, done := s.tuned[r.Pipeline.ID]; done {
			continue
		}
		ids = append(ids, r.Pipeline.ID)
	}
	return ids
}

func (s *Session) apply(out outcome) {
	for _, req := range out.tune {
		s.tuner.SubmitTuning(s, req)
	}
	if out.done {
		s.log.Info("search finished")
		s.bus.Publish(event.NewSessionEvent(event.DoneSearching, s.id))
		s.logRanking()
	}
}

func (s *Session) logRanking() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	ranked, err := s.Ranking(ctx, 0)
	if err != nil {
		s.log.Warn("failed to rank pipelines", "error", err)
		return
	}
	s.mu.Lock()
	started := s.searchStarted
	s.mu.Unlock()
	for i, r := range ranked {
		s.log.Info("ranked pipeline",
			"rank", i+1,
			"pipeline_id", r.Pipeline.ID,
			"score", r.Score,
			"origin", r.Pipeline.Origin,
			"found_after", r.Pipeline.CreatedAt.Sub(started).Round(time.Second).String(),
		)
	}
}

// Progress returns how many pipelines are done and the expected total. Once
// tuning was requested the total counts k - tuned/2 more pipelines, a real
// value reported rounded down: a successful tuning adds two ids to tuned and a
// failed one adds one.
func (s *Session) Progress() (current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Session) progressLocked() (int, int) {
	current := len(s.pipelines) - len(s.scoring)
	total := len(s.pipelines)
	if s.tuneWhenReady != nil {
		remaining := float64(*s.tuneWhenReady) - float64(len(s.tuned))/2
		total += max(int(math.Floor(remaining)), 0)
	}
	return current, total
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:            s.id,
		Working:       s.working,
		StopRequested: s.stopRequested,
		Closed:        s.closed,
		Pipelines:     len(s.pipelines),
		Scoring:       len(s.scoring),
		Tuning:        len(s.tuning),
		Tuned:         len(s.tuned),
	}
	st.Current, st.Total = s.progressLocked()
	switch {
	case !s.working:
		st.State = StateIdle
	case len(s.scoring) == 0 && len(s.tuning) > 0:
		st.State = StateTuning
	default:
		st.State = StateSearching
	}
	if !s.expectedEnd.IsZero() {
		end := s.expectedEnd
		st.ExpectedSearchEnd = &end
	}
	return st
}

// Stop asks the search to wind down: the generator is terminated and no
// further tuning round starts. Running jobs finish.
func (s *Session) Stop() {
	s.mu.Lock()
	already := s.stopRequested
	s.stopRequested = true
	s.mu.Unlock()
	if !already {
		s.log.Info("stop requested")
	}
}

// Close stops the session, detaches it from the bus and publishes
// finish_session. Only the first call has an effect.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopRequested = true
	s.mu.Unlock()

	s.bus.Unsubscribe(s.subID)
	s.bus.Publish(event.NewSessionEvent(event.FinishSession, s.id))
	s.log.Info("session closed")
}

// Abort ends the search after a fatal error and publishes search_error.
// Jobs still running finish without affecting the session.
func (s *Session) Abort(err error) {
	s.mu.Lock()
	s.working = false
	clear(s.scoring)
	clear(s.tuning)
	s.mu.Unlock()

	s.log.Error("search aborted", "error", err)
	e := event.NewSessionEvent(event.SearchError, s.id)
	if err != nil {
		e.Error = err.Error()
	}
	s.bus.Publish(e)
}

func (s *Session) onScoring(e event.Event) {
	je, ok := e.(event.JobEvent)
	if !ok {
		return
	}
	s.PipelineScoringDone(je.PipelineID, je.EventType() == event.ScoringSuccess)
}

func (s *Session) primaryMetric() (metric.Metric, error) {
	s.mu.Lock()
	specs := s.metrics
	s.mu.Unlock()
	return metric.Primary(specs)
}

// Ranking ranks the session's pipelines by the primary metric, best first.
func (s *Session) Ranking(ctx context.Context, limit int) ([]store.Ranked, error) {
	m, err := s.primaryMetric()
	if err != nil {
		return nil, err
	}
	return s.store.QueryTop(ctx, m, s.Pipelines(), limit)
}

// ExportPipeline writes a pipeline and its rank to pipelines_ranked. A nil
// rank is derived from the latest score of the primary metric: 1 minus the
// normalized score, or UnscoredRank without one.
func (s *Session) ExportPipeline(ctx context.Context, id string, rank *float64) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	r := UnscoredRank
	if rank != nil {
		r = *rank
	} else if m, err := s.primaryMetric(); err == nil {
		scores, err := s.store.LatestScores(ctx, id)
		if err != nil {
			return 0, err
		}
		if v, ok := scores[m.Name]; ok {
			r = 1 - m.Normalize(v)
		}
	}

	if err := writeDocument(s.layout.RankedPath(id), NewDocument(p, nil)); err != nil {
		return 0, err
	}
	if err := atomicWriteFile(s.layout.RankPath(id), []byte(FormatRank(r)), 0644); err != nil {
		return 0, err
	}
	s.log.Info("pipeline exported", "pipeline_id", id, "rank", r)
	return r, nil
}

// persist writes the searched or scored document of a pipeline.
func (s *Session) persist(ctx context.Context, id string, scored bool) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	path := s.layout.SearchedPath(id)
	var scores map[string]float64
	if scored {
		path = s.layout.ScoredPath(id)
		if scores, err = s.store.LatestScores(ctx, id); err != nil {
			return err
		}
	}
	if err := writeDocument(path, NewDocument(p, scores)); err != nil {
		return errors.NewPersistenceError("write pipeline file", err).WithPipelineID(id)
	}
	return nil
}
