package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/session"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// fittedPipelineFile is the name train workers give a fitted pipeline in
// the runtime directory.
func fittedPipelineFile(pipelineID string) string {
	return fmt.Sprintf("fitted_solution_%s.pkl", pipelineID)
}

// ScorePipeline queues a standalone scoring job and returns its id. A zero
// scoring config defaults to the search's k-fold evaluation.
func (o *Orchestrator) ScorePipeline(ctx context.Context, req job.ScoreRequest) (string, error) {
	if err := o.requirePipeline(ctx, req.PipelineID); err != nil {
		return "", err
	}
	if len(req.Metrics) > 0 {
		metrics, err := metric.Canonical(req.Metrics)
		if err != nil {
			return "", err
		}
		req.Metrics = metrics
	}
	if req.ScoringConfig.Method == "" {
		req.ScoringConfig = job.KFold(req.Problem != nil && req.Problem.IsClassification())
	}
	j := job.NewScore(o.env, req, job.Options{})
	o.scheduler.Submit(j)
	return j.ID(), nil
}

// TrainPipeline queues a training job and returns its id.
func (o *Orchestrator) TrainPipeline(ctx context.Context, req job.FitRequest) (string, error) {
	if err := o.requirePipeline(ctx, req.PipelineID); err != nil {
		return "", err
	}
	j := job.NewTrain(o.env, req, job.Options{})
	o.scheduler.Submit(j)
	return j.ID(), nil
}

// TestPipeline queues a testing job and returns its id.
func (o *Orchestrator) TestPipeline(ctx context.Context, req job.FitRequest) (string, error) {
	if err := o.requirePipeline(ctx, req.PipelineID); err != nil {
		return "", err
	}
	j := job.NewTest(o.env, req, job.Options{})
	o.scheduler.Submit(j)
	return j.ID(), nil
}

func (o *Orchestrator) requirePipeline(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewConfigurationError("pipeline id is required").WithField("pipeline_id")
	}
	_, err := o.store.Get(ctx, id)
	return err
}

// PipelineScores returns the latest cross-validated value of every metric
// recorded for a pipeline.
func (o *Orchestrator) PipelineScores(ctx context.Context, id string) (map[string]float64, error) {
	if err := o.requirePipeline(ctx, id); err != nil {
		return nil, err
	}
	return o.store.LatestScores(ctx, id)
}

// FittedPipelineURI returns a file URI for the fitted form of a pipeline
// written by a training job.
func (o *Orchestrator) FittedPipelineURI(id string) (string, error) {
	if o.cfg.RuntimeDir == "" {
		return "", errors.NewConfigurationError("runtime directory not configured").WithField("runtime_dir")
	}
	path, err := filepath.Abs(filepath.Join(o.cfg.RuntimeDir, fittedPipelineFile(id)))
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("fitted pipeline", id)
		}
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(), nil
}

// ExportPipeline writes a ranked pipeline file for a session. A nil rank is
// derived from the pipeline's primary score.
func (o *Orchestrator) ExportPipeline(ctx context.Context, sessionID, pipelineID string, rank *float64) (float64, error) {
	s, err := o.registry.Get(sessionID)
	if err != nil {
		return 0, err
	}
	if err := o.requirePipeline(ctx, pipelineID); err != nil {
		return 0, err
	}
	return s.ExportPipeline(ctx, pipelineID, rank)
}

// Ranking returns a session's scored pipelines, best first.
func (o *Orchestrator) Ranking(ctx context.Context, sessionID string, limit int) ([]store.Ranked, error) {
	s, err := o.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Ranking(ctx, limit)
}

// SessionStatus returns a session snapshot.
func (o *Orchestrator) SessionStatus(sessionID string) (session.Status, error) {
	s, err := o.registry.Get(sessionID)
	if err != nil {
		return session.Status{}, err
	}
	return s.Status(), nil
}
