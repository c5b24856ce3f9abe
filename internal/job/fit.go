package job

import (
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/pipesearch/internal/channel"
	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/problem"
)

// Artifact prefixes written by train and test workers into the runtime
// directory: <prefix>_<pipeline>_<step>.csv.
const (
	PrefixFit     = "fit"
	PrefixProduce = "produce"
)

// FitRequest describes a pipeline to train or test.
type FitRequest struct {
	PipelineID    string           `json:"pipeline_id"`
	Dataset       string           `json:"dataset"`
	Problem       *problem.Problem `json:"problem,omitempty"`
	StepsToExpose []string         `json:"steps_to_expose"`
	// Timeout bounds the worker. Zero means no limit.
	Timeout time.Duration `json:"-"`
}

type fitParams struct {
	FitRequest
	StorageDir string   `json:"storage_dir"`
	Store      StoreRef `json:"store"`
}

// Fit runs a train or test worker and reports which requested steps
// produced an artifact.
type Fit struct {
	*base
	prefix string
	steps  []string
}

// NewTrain creates a pending training job.
func NewTrain(env *Env, req FitRequest, opts Options) *Fit {
	return newFit(KindTraining, PrefixFit, env, req, opts)
}

// NewTest creates a pending testing job. The problem is not sent to test
// workers.
func NewTest(env *Env, req FitRequest, opts Options) *Fit {
	req.Problem = nil
	return newFit(KindTesting, PrefixProduce, env, req, opts)
}

func newFit(kind, prefix string, env *Env, req FitRequest, opts Options) *Fit {
	j := &Fit{base: newBase(kind, req.PipelineID, env, opts), prefix: prefix, steps: req.StepsToExpose}
	j.params = fitParams{FitRequest: req, StorageDir: env.RuntimeDir, Store: env.StoreRef}
	j.timeout = req.Timeout
	j.behavior = j
	return j
}

func (j *Fit) handle(msg channel.Message) error {
	return errors.NewProtocolError("unexpected message from " + j.kind + " worker").WithTag(msg.Tag)
}

func (j *Fit) succeed() ([]event.Event, error) {
	steps, err := ExposedSteps(j.env.RuntimeDir, j.prefix, j.pipelineID, j.steps)
	if err != nil {
		return nil, err
	}
	ev := j.event(event.PhaseSuccess)
	ev.StorageDir = j.env.RuntimeDir
	ev.Steps = steps
	return []event.Event{ev}, nil
}

func (j *Fit) finished(bool) {}

// ExposedSteps returns the requested steps, in request order, for which
// <prefix>_<pipeline>_<step>.csv exists in dir.
func ExposedSteps(dir, prefix, pipelineID string, requested []string) ([]string, error) {
	steps := []string{}
	if len(requested) == 0 {
		return steps, nil
	}
	head := prefix + "_" + pipelineID + "_"
	g, err := glob.Compile(glob.QuoteMeta(head) + "*.csv")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return steps, nil
		}
		return nil, err
	}

	found := make(map[string]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !g.Match(name) {
			continue
		}
		found[strings.TrimSuffix(strings.TrimPrefix(name, head), ".csv")] = true
	}
	for _, step := range requested {
		if found[step] {
			steps = append(steps, step)
		}
	}
	return steps, nil
}
