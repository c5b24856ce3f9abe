package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/pipesearch/internal/channel"
	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/problem"
	"github.com/Iron-Ham/pipesearch/internal/store"
)

// Message tags a tuning worker may send.
const (
	TagProgress        = "progress"
	TagTunedPipelineID = "tuned_pipeline_id"
)

// TuningObserver is told when a tuning job ends. newID is empty when no
// tuned pipeline was produced.
type TuningObserver interface {
	PipelineTuningDone(oldID, newID string)
}

// TuneRequest describes a pipeline to tune.
type TuneRequest struct {
	PipelineID       string           `json:"pipeline_id"`
	DatasetURI       string           `json:"dataset_uri"`
	SampleDatasetURI string           `json:"sample_dataset_uri,omitempty"`
	Metrics          []metric.Spec    `json:"metrics"`
	Problem          *problem.Problem `json:"problem"`
	ReportRank       bool             `json:"report_rank"`
	// Budget is the tuning time budget shared by a tuning round.
	Budget time.Duration `json:"-"`
}

type tuneParams struct {
	TuneRequest
	TimeoutTuning float64  `json:"timeout_tuning"`
	TimeoutRun    float64  `json:"timeout_run"`
	Store         StoreRef `json:"store"`
}

// Tune searches hyperparameters for a pipeline. A successful worker reports
// the id of the tuned pipeline it persisted before exiting. Fold results sent
// with a "scores" message are recorded against the tuned pipeline the same
// way a Score job records them.
type Tune struct {
	*base
	observer TuningObserver

	resultMu sync.Mutex
	newID    string
	progress float64
	scores   []store.Score
}

// NewTune creates a pending tuning job. The worker is allowed the tuning
// budget plus one scoring run; a non-positive budget allows one scoring run.
func NewTune(env *Env, req TuneRequest, observer TuningObserver, opts Options) *Tune {
	j := &Tune{base: newBase(KindTuning, req.PipelineID, env, opts), observer: observer}
	budget := max(req.Budget, 0)
	j.params = tuneParams{
		TuneRequest:   req,
		TimeoutTuning: budget.Seconds(),
		TimeoutRun:    ScoreTimeout.Seconds(),
		Store:         env.StoreRef,
	}
	j.timeout = budget + ScoreTimeout
	j.behavior = j
	return j
}

// Progress returns the last fraction reported by the worker.
func (j *Tune) Progress() float64 {
	j.resultMu.Lock()
	defer j.resultMu.Unlock()
	return j.progress
}

// TunedPipelineID returns the reported tuned pipeline, if any.
func (j *Tune) TunedPipelineID() string {
	j.resultMu.Lock()
	defer j.resultMu.Unlock()
	return j.newID
}

func (j *Tune) handle(msg channel.Message) error {
	switch msg.Tag {
	case TagProgress:
		var p float64
		if err := msg.Decode(&p); err != nil {
			return errors.NewProtocolError(err.Error()).WithTag(msg.Tag)
		}
		j.resultMu.Lock()
		j.progress = p
		j.resultMu.Unlock()
		j.log.Info("tuning progress", "percent", int(p*100))
	case TagTunedPipelineID:
		var id string
		if err := msg.Decode(&id); err != nil || id == "" {
			return errors.NewProtocolError("tuned pipeline id must be a non-empty string").WithTag(msg.Tag)
		}
		j.resultMu.Lock()
		j.newID = id
		j.resultMu.Unlock()
	case TagScores:
		var scores []store.Score
		if err := msg.Decode(&scores); err != nil {
			return errors.NewProtocolError(err.Error()).WithTag(msg.Tag)
		}
		j.resultMu.Lock()
		j.scores = append(j.scores, scores...)
		j.resultMu.Unlock()
	default:
		return errors.NewProtocolError("unexpected message from tuning worker").WithTag(msg.Tag)
	}
	return nil
}

func (j *Tune) succeed() ([]event.Event, error) {
	newID := j.TunedPipelineID()
	if newID == "" {
		return nil, errors.NewProtocolError("tuning worker exited without reporting a tuned pipeline")
	}
	j.log.Info("tuned pipeline", "new_pipeline_id", newID)

	j.resultMu.Lock()
	scores := j.scores
	j.resultMu.Unlock()
	if len(scores) > 0 && j.env.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := j.env.Store.RecordCrossValidation(ctx, newID, scores); err != nil {
			return nil, fmt.Errorf("record tuned scores: %w", err)
		}
	}

	done := j.event(event.PhaseSuccess)
	done.NewPipelineID = newID

	// No Score job runs for the tuned pipeline.
	scored := event.NewJobEvent(event.ScoringSuccess, j.id, j.sessionID, newID)
	scored.Synthetic = true

	return []event.Event{done, scored}, nil
}

func (j *Tune) finished(ok bool) {
	if j.observer == nil {
		return
	}
	newID := ""
	if ok {
		newID = j.TunedPipelineID()
	}
	j.observer.PipelineTuningDone(j.pipelineID, newID)
}
