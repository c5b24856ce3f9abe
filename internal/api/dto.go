package api

import (
	"encoding/json"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/orchestrator"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// OpenSessionRequest opens a session, optionally bound to a problem.
type OpenSessionRequest struct {
	Problem *problem.Problem `json:"problem,omitempty"`
}

// SessionResponse identifies an opened session.
type SessionResponse struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

// SearchRequest starts a pipeline search in a session.
type SearchRequest struct {
	Dataset           string           `json:"dataset" validate:"required"`
	SampleDataset     string           `json:"sample_dataset,omitempty"`
	Metrics           []metric.Spec    `json:"metrics" validate:"required,min=1,dive"`
	TaskKeywords      []string         `json:"task_keywords,omitempty"`
	Targets           []problem.Column `json:"targets,omitempty" validate:"omitempty,min=1,dive"`
	Features          []problem.Column `json:"features,omitempty" validate:"omitempty,min=1,dive"`
	Template          json.RawMessage  `json:"template,omitempty"`
	TimeoutMinutes    float64          `json:"timeout_minutes" validate:"gte=0"`
	TimeoutRunSeconds float64          `json:"timeout_run_seconds,omitempty" validate:"gte=0"`
	ReportRank        bool             `json:"report_rank,omitempty"`
	TuneTopK          *int             `json:"tune_top_k,omitempty" validate:"omitempty,gte=0"`
}

func (r SearchRequest) build(sessionID string) orchestrator.BuildRequest {
	return orchestrator.BuildRequest{
		SessionID:     sessionID,
		Dataset:       r.Dataset,
		SampleDataset: r.SampleDataset,
		Metrics:       r.Metrics,
		TaskKeywords:  r.TaskKeywords,
		Targets:       r.Targets,
		Features:      r.Features,
		Template:      r.Template,
		Timeout:       minutes(r.TimeoutMinutes),
		TimeoutRun:    seconds(r.TimeoutRunSeconds),
		ReportRank:    r.ReportRank,
		TuneTopK:      r.TuneTopK,
	}
}

// FixedPipelineRequest builds and scores a single pipeline from a template.
type FixedPipelineRequest struct {
	Dataset           string           `json:"dataset" validate:"required"`
	Metrics           []metric.Spec    `json:"metrics" validate:"required,min=1,dive"`
	Template          json.RawMessage  `json:"template" validate:"required"`
	Targets           []problem.Column `json:"targets,omitempty" validate:"omitempty,min=1,dive"`
	Features          []problem.Column `json:"features,omitempty" validate:"omitempty,min=1,dive"`
	TimeoutRunSeconds float64          `json:"timeout_run_seconds,omitempty" validate:"gte=0"`
	ReportRank        bool             `json:"report_rank,omitempty"`
}

func (r FixedPipelineRequest) build(sessionID string) orchestrator.FixedRequest {
	return orchestrator.FixedRequest{
		SessionID:  sessionID,
		Dataset:    r.Dataset,
		Metrics:    r.Metrics,
		Template:   r.Template,
		Targets:    r.Targets,
		Features:   r.Features,
		TimeoutRun: seconds(r.TimeoutRunSeconds),
		ReportRank: r.ReportRank,
	}
}

// ExportRequest overrides the rank written for an exported pipeline.
type ExportRequest struct {
	Rank *float64 `json:"rank,omitempty"`
}

// ScoreRequest scores one pipeline outside of a search.
type ScoreRequest struct {
	Dataset           string           `json:"dataset" validate:"required"`
	SampleDataset     string           `json:"sample_dataset,omitempty"`
	Metrics           []metric.Spec    `json:"metrics" validate:"required,min=1,dive"`
	Problem           *problem.Problem `json:"problem,omitempty"`
	Method            string           `json:"method,omitempty" validate:"omitempty,oneof=K_FOLD HOLDOUT RANKING"`
	Folds             int              `json:"folds,omitempty" validate:"gte=0"`
	Shuffle           bool             `json:"shuffle,omitempty"`
	Stratified        bool             `json:"stratified,omitempty"`
	TimeoutRunSeconds float64          `json:"timeout_run_seconds,omitempty" validate:"gte=0"`
	ReportRank        bool             `json:"report_rank,omitempty"`
}

func (r ScoreRequest) build(pipelineID string) job.ScoreRequest {
	req := job.ScoreRequest{
		PipelineID:       pipelineID,
		DatasetURI:       r.Dataset,
		SampleDatasetURI: r.SampleDataset,
		Metrics:          r.Metrics,
		Problem:          r.Problem,
		TimeoutRun:       r.TimeoutRunSeconds,
		ReportRank:       r.ReportRank,
	}
	if r.Method != "" {
		req.ScoringConfig = job.ScoringConfig{
			Method:        r.Method,
			NumberOfFolds: r.Folds,
			Shuffle:       r.Shuffle,
			Stratified:    r.Stratified,
		}
	}
	return req
}

// FitRequest trains or tests one pipeline.
type FitRequest struct {
	Dataset        string           `json:"dataset" validate:"required"`
	Problem        *problem.Problem `json:"problem,omitempty"`
	StepsToExpose  []string         `json:"steps_to_expose,omitempty"`
	TimeoutSeconds float64          `json:"timeout_seconds,omitempty" validate:"gte=0"`
}

func (r FitRequest) build(pipelineID string) job.FitRequest {
	return job.FitRequest{
		PipelineID:    pipelineID,
		Dataset:       r.Dataset,
		Problem:       r.Problem,
		StepsToExpose: r.StepsToExpose,
		Timeout:       seconds(r.TimeoutSeconds),
	}
}

// JobResponse identifies a queued job.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// RankedPipeline is one entry of a session ranking.
type RankedPipeline struct {
	ID      string    `json:"id"`
	Origin  string    `json:"origin"`
	Score   float64   `json:"score"`
	Created time.Time `json:"created"`
}

func toRanked(list []store.Ranked) []RankedPipeline {
	out := make([]RankedPipeline, len(list))
	for i, r := range list {
		out[i] = RankedPipeline{
			ID:      r.Pipeline.ID,
			Origin:  r.Pipeline.Origin,
			Score:   r.Score,
			Created: r.Pipeline.CreatedAt,
		}
	}
	return out
}

func minutes(v float64) time.Duration {
	return time.Duration(v * float64(time.Minute))
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
