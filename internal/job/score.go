package job

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/pipesearch/internal/channel"
	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// Message tags a scoring worker may send.
const TagScores = "scores"

// ScoringConfig selects the evaluation method.
type ScoringConfig struct {
	Method        string `json:"method"`
	NumberOfFolds int    `json:"number_of_folds"`
	Shuffle       bool   `json:"shuffle"`
	Stratified    bool   `json:"stratified"`
}

// KFold returns the configuration used while searching: two shuffled folds,
// stratified for classification tasks.
func KFold(stratified bool) ScoringConfig {
	return ScoringConfig{Method: "K_FOLD", NumberOfFolds: 2, Shuffle: true, Stratified: stratified}
}

// ScoreRequest describes a pipeline to score.
type ScoreRequest struct {
	PipelineID       string           `json:"pipeline_id"`
	DatasetURI       string           `json:"dataset_uri"`
	SampleDatasetURI string           `json:"sample_dataset_uri,omitempty"`
	Metrics          []metric.Spec    `json:"metrics"`
	Problem          *problem.Problem `json:"problem"`
	ScoringConfig    ScoringConfig    `json:"scoring_config"`
	// TimeoutRun is the per-run budget handed to the worker, in seconds.
	TimeoutRun float64 `json:"timeout_run,omitempty"`
	ReportRank bool    `json:"report_rank"`
}

type scoreParams struct {
	ScoreRequest
	Store StoreRef `json:"store"`
}

// Score evaluates a pipeline by cross-validation in a worker process.
//
// The worker may report fold results with a "scores" message; they are
// recorded in the store before scoring_success is emitted.
type Score struct {
	*base
	scores []store.Score
}

// NewScore creates a pending Score job.
func NewScore(env *Env, req ScoreRequest, opts Options) *Score {
	j := &Score{base: newBase(KindScoring, req.PipelineID, env, opts)}
	j.params = scoreParams{ScoreRequest: req, Store: env.StoreRef}
	j.timeout = ScoreTimeout
	j.behavior = j
	return j
}

func (j *Score) handle(msg channel.Message) error {
	switch msg.Tag {
	case TagScores:
		var scores []store.Score
		if err := msg.Decode(&scores); err != nil {
			return errors.NewProtocolError(err.Error()).WithTag(msg.Tag)
		}
		j.scores = append(j.scores, scores...)
		return nil
	default:
		return errors.NewProtocolError("unexpected message from scoring worker").WithTag(msg.Tag)
	}
}

func (j *Score) succeed() ([]event.Event, error) {
	if len(j.scores) > 0 && j.env.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := j.env.Store.RecordCrossValidation(ctx, j.pipelineID, j.scores); err != nil {
			return nil, fmt.Errorf("record scores: %w", err)
		}
	}
	return []event.Event{j.event(event.PhaseSuccess)}, nil
}

func (j *Score) finished(bool) {}
