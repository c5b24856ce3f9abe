package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/pipesearch/internal/channel"
	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/event"
	"github.com/Iron-Ham/pipesearch/internal/metric"
	"github.com/Iron-Ham/pipesearch/internal/store"
	"github.com/Iron-Ham/pipesearch/internal/testutil"
	"github.com/Iron-Ham/pipesearch/internal/worker"
)

// TestHelperProcess is the fake worker re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	mode, _, ok := testutil.HelperMode()
	if !ok {
		return
	}
	os.Exit(runHelper(mode))
}

type helperParams struct {
	PipelineID    string        `json:"pipeline_id"`
	StorageDir    string        `json:"storage_dir"`
	StepsToExpose []string      `json:"steps_to_expose"`
	Metrics       []metric.Spec `json:"metrics"`
}

func runHelper(mode string) int {
	var p helperParams
	if err := worker.ReadParams(os.Stdin, &p); err != nil {
		return 10
	}
	ch, err := channel.Child()
	if err != nil {
		return 11
	}
	defer ch.Close()

	switch mode {
	case "score":
		scores := []store.Score{
			{Metric: p.Metrics[0].Metric, Fold: 0, Value: 0.8},
			{Metric: p.Metrics[0].Metric, Fold: 1, Value: 0.9},
		}
		_ = ch.Send(TagScores, scores)
		return 0
	case "silent":
		return 0
	case "fail":
		fmt.Fprintln(os.Stderr, "could not fit: singular matrix")
		return 2
	case "train", "test":
		prefix := PrefixFit
		if mode == "test" {
			prefix = PrefixProduce
		}
		// Every requested step but the last produces an artifact.
		for _, step := range p.StepsToExpose[:len(p.StepsToExpose)-1] {
			name := fmt.Sprintf("%s_%s_%s.csv", prefix, p.PipelineID, step)
			if err := os.WriteFile(filepath.Join(p.StorageDir, name), []byte("d3mIndex\n"), 0o644); err != nil {
				return 12
			}
		}
		return 0
	case "tune":
		_ = ch.Send(TagProgress, 0.5)
		_ = ch.Send(TagScores, []store.Score{{Metric: "ACCURACY", Fold: 0, Value: 0.93}})
		_ = ch.Send(TagTunedPipelineID, "tuned-"+p.PipelineID)
		return 0
	case "tune-noid":
		_ = ch.Send(TagProgress, 1.0)
		return 0
	case "bogus":
		_ = ch.Send("fortune", "tomorrow")
		return 0
	case "sleep":
		time.Sleep(time.Minute)
		return 0
	}
	return 99
}

type recorder struct {
	mu     sync.Mutex
	events []event.JobEvent
}

func record(bus *event.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(e event.Event) {
		if je, ok := e.(event.JobEvent); ok {
			r.mu.Lock()
			r.events = append(r.events, je)
			r.mu.Unlock()
		}
	})
	return r
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.EventType()
	}
	return names
}

func (r *recorder) last() event.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func helperEnv(t *testing.T, mode string) (*Env, *recorder) {
	t.Helper()
	bus := event.NewBus()
	cmd, args, env := testutil.HelperCommand(mode)
	return &Env{
		Launcher: func(string) (worker.Spec, error) {
			return worker.Spec{Command: cmd, Args: args, Env: env}, nil
		},
		Bus:        bus,
		RuntimeDir: t.TempDir(),
		RunsDir:    t.TempDir(),
	}, record(bus)
}

func runToEnd(t *testing.T, j Job) {
	t.Helper()
	require.NoError(t, j.Start())
	deadline := time.Now().Add(15 * time.Second)
	for !j.Check() {
		if time.Now().After(deadline) {
			t.Fatalf("%s job did not finish", j.Kind())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

var accuracy = []metric.Spec{{Metric: "ACCURACY"}}

type fakeStore struct {
	store.Store
	mu       sync.Mutex
	recorded map[string][]store.Score
	err      error
}

func (f *fakeStore) RecordCrossValidation(_ context.Context, id string, scores []store.Score) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.recorded == nil {
		f.recorded = make(map[string][]store.Score)
	}
	f.recorded[id] = scores
	return nil
}

type fakeObserver struct {
	mu    sync.Mutex
	calls [][2]string
}

func (f *fakeObserver) PipelineTuningDone(oldID, newID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{oldID, newID})
}

func TestScore_Success(t *testing.T) {
	env, rec := helperEnv(t, "score")
	fs := &fakeStore{}
	env.Store = fs

	j := NewScore(env, ScoreRequest{PipelineID: "p-1", Metrics: accuracy, ScoringConfig: KFold(true)}, Options{SessionID: "s-1"})
	assert.Equal(t, StatePending, j.State())
	runToEnd(t, j)

	assert.Equal(t, StateSuccess, j.State())
	assert.NoError(t, j.Err())
	assert.Equal(t, []string{event.ScoringStart, event.ScoringSuccess}, rec.names())
	assert.Equal(t, "p-1", rec.last().PipelineID)
	assert.Equal(t, "s-1", rec.last().SessionID)
	assert.Len(t, fs.recorded["p-1"], 2)

	_, err := os.Stat(filepath.Join(env.RunsDir, j.ID()+".log"))
	assert.NoError(t, err)
}

func TestScore_RecordFailureIsJobError(t *testing.T) {
	env, rec := helperEnv(t, "score")
	env.Store = &fakeStore{err: errors.NewPersistenceError("record_cross_validation", fmt.Errorf("disk full"))}

	j := NewScore(env, ScoreRequest{PipelineID: "p-1", Metrics: accuracy}, Options{})
	runToEnd(t, j)

	assert.Equal(t, StateError, j.State())
	assert.ErrorIs(t, j.Err(), errors.ErrPersistence)
	assert.Equal(t, []string{event.ScoringStart, event.ScoringError}, rec.names())
}

func TestScore_NonZeroExit(t *testing.T) {
	env, rec := helperEnv(t, "fail")

	j := NewScore(env, ScoreRequest{PipelineID: "p-2", Metrics: accuracy}, Options{})
	runToEnd(t, j)

	assert.Equal(t, StateError, j.State())
	assert.Equal(t, []string{event.ScoringStart, event.ScoringError}, rec.names())
	assert.Equal(t, "could not fit: singular matrix", rec.last().Error)
}

func TestScore_UnknownMessageIsProtocolViolation(t *testing.T) {
	env, rec := helperEnv(t, "bogus")

	j := NewScore(env, ScoreRequest{PipelineID: "p-3", Metrics: accuracy}, Options{})
	runToEnd(t, j)

	assert.Equal(t, StateError, j.State())
	assert.ErrorIs(t, j.Err(), errors.ErrProtocolViolation)
	assert.Equal(t, []string{event.ScoringStart, event.ScoringError}, rec.names())
}

func TestScore_Timeout(t *testing.T) {
	env, rec := helperEnv(t, "sleep")
	env.Grace = 100 * time.Millisecond

	j := NewScore(env, ScoreRequest{PipelineID: "p-4", Metrics: accuracy}, Options{})
	j.timeout = 200 * time.Millisecond
	runToEnd(t, j)

	assert.Equal(t, StateTimedOut, j.State())
	assert.ErrorIs(t, j.Err(), errors.ErrProcessTimeout)
	assert.Equal(t, []string{event.ScoringStart, event.ScoringError}, rec.names())
}

func TestStart_LaunchFailure(t *testing.T) {
	bus := event.NewBus()
	rec := record(bus)
	env := &Env{
		Launcher: Commands(map[string]Command{KindScoring: {Path: filepath.Join(t.TempDir(), "missing")}}),
		Bus:      bus,
	}

	j := NewScore(env, ScoreRequest{PipelineID: "p-5"}, Options{})
	err := j.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProcessLaunch)
	assert.Equal(t, StateError, j.State())
	assert.True(t, j.Check())
	assert.True(t, j.Poll())
	assert.Equal(t, []string{event.ScoringError}, rec.names())
	assert.Contains(t, rec.last().Error, j.ID())

	// Unconfigured kind.
	tune := NewTune(env, TuneRequest{PipelineID: "p-5"}, nil, Options{})
	err = tune.Start()
	assert.ErrorIs(t, err, errors.ErrProcessLaunch)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestStart_Twice(t *testing.T) {
	env, _ := helperEnv(t, "silent")
	j := NewScore(env, ScoreRequest{PipelineID: "p-6"}, Options{})
	runToEnd(t, j)

	assert.ErrorIs(t, j.Start(), ErrInvalidTransition)
}

func TestFail_EmitsOnce(t *testing.T) {
	env, rec := helperEnv(t, "sleep")
	j := NewScore(env, ScoreRequest{PipelineID: "p-7"}, Options{})
	require.NoError(t, j.Start())
	assert.False(t, j.Check())

	j.Fail(fmt.Errorf("panic in check"))
	j.Fail(fmt.Errorf("again"))
	assert.True(t, j.Check())

	assert.Equal(t, StateError, j.State())
	assert.Equal(t, []string{event.ScoringStart, event.ScoringError}, rec.names())
	assert.Equal(t, "panic in check", rec.last().Error)
}

func TestTrain_ExposesProducedSteps(t *testing.T) {
	env, rec := helperEnv(t, "train")

	j := NewTrain(env, FitRequest{PipelineID: "p-8", StepsToExpose: []string{"steps.2.produce", "steps.0.produce", "steps.1.produce"}}, Options{})
	runToEnd(t, j)

	require.Equal(t, StateSuccess, j.State())
	assert.Equal(t, []string{event.TrainingStart, event.TrainingSuccess}, rec.names())
	last := rec.last()
	assert.Equal(t, []string{"steps.2.produce", "steps.0.produce"}, last.Steps)
	assert.Equal(t, env.RuntimeDir, last.StorageDir)
}

func TestTest_ExposesProducedSteps(t *testing.T) {
	env, rec := helperEnv(t, "test")

	j := NewTest(env, FitRequest{PipelineID: "p-9", StepsToExpose: []string{"a", "b"}}, Options{})
	runToEnd(t, j)

	assert.Equal(t, []string{event.TestingStart, event.TestingSuccess}, rec.names())
	assert.Equal(t, []string{"a"}, rec.last().Steps)
}

func TestTrain_Failure(t *testing.T) {
	env, rec := helperEnv(t, "fail")

	j := NewTrain(env, FitRequest{PipelineID: "p-10", StepsToExpose: []string{"a"}}, Options{})
	runToEnd(t, j)

	assert.Equal(t, []string{event.TrainingStart, event.TrainingError}, rec.names())
}

func TestTune_Success(t *testing.T) {
	env, rec := helperEnv(t, "tune")
	fs := &fakeStore{}
	env.Store = fs
	obs := &fakeObserver{}

	j := NewTune(env, TuneRequest{PipelineID: "p-11", Metrics: accuracy, Budget: time.Minute}, obs, Options{SessionID: "s-1"})
	assert.Equal(t, time.Minute+ScoreTimeout, j.timeout)
	runToEnd(t, j)

	require.Equal(t, StateSuccess, j.State())
	assert.Equal(t, []string{event.TuningStart, event.TuningSuccess, event.ScoringSuccess}, rec.names())

	rec.mu.Lock()
	tuned, scored := rec.events[1], rec.events[2]
	rec.mu.Unlock()
	assert.Equal(t, "p-11", tuned.PipelineID)
	assert.Equal(t, "tuned-p-11", tuned.NewPipelineID)
	assert.Equal(t, "tuned-p-11", scored.PipelineID)
	assert.True(t, scored.Synthetic)

	assert.Equal(t, [][2]string{{"p-11", "tuned-p-11"}}, obs.calls)
	assert.InDelta(t, 0.5, j.Progress(), 1e-9)
	require.Len(t, fs.recorded["tuned-p-11"], 1)
	assert.Empty(t, fs.recorded["p-11"])
}

func TestTune_ExitWithoutIDIsProtocolViolation(t *testing.T) {
	env, rec := helperEnv(t, "tune-noid")
	obs := &fakeObserver{}

	j := NewTune(env, TuneRequest{PipelineID: "p-12"}, obs, Options{})
	runToEnd(t, j)

	assert.Equal(t, StateError, j.State())
	assert.ErrorIs(t, j.Err(), errors.ErrProtocolViolation)
	assert.Equal(t, []string{event.TuningStart, event.TuningError}, rec.names())
	assert.Equal(t, [][2]string{{"p-12", ""}}, obs.calls)
}

func TestTune_LaunchFailureNotifiesObserver(t *testing.T) {
	env := &Env{Launcher: Commands(nil), Bus: event.NewBus()}
	obs := &fakeObserver{}

	j := NewTune(env, TuneRequest{PipelineID: "p-13", Budget: -time.Second}, obs, Options{})
	assert.Equal(t, ScoreTimeout, j.timeout)
	require.Error(t, j.Start())
	assert.Equal(t, [][2]string{{"p-13", ""}}, obs.calls)
}

func TestExposedSteps(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"fit_p1_s1.csv", "fit_p1_s3.csv", "fit_p2_s2.csv", "produce_p1_s2.csv", "fit_p1_s4.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	steps, err := ExposedSteps(dir, PrefixFit, "p1", []string{"s4", "s3", "s2", "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s1"}, steps)

	steps, err = ExposedSteps(filepath.Join(dir, "missing"), PrefixFit, "p1", []string{"s1"})
	require.NoError(t, err)
	assert.Empty(t, steps)

	steps, err = ExposedSteps(dir, PrefixFit, "p1", nil)
	require.NoError(t, err)
	assert.NotNil(t, steps)
	assert.Empty(t, steps)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateError, true},
		{StatePending, StateSuccess, false},
		{StateRunning, StateSuccess, true},
		{StateRunning, StateTimedOut, true},
		{StateRunning, StatePending, false},
		{StateSuccess, StateError, false},
		{StateError, StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			err := checkTransition(tt.from, tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestKinds(t *testing.T) {
	assert.Equal(t, []string{"scoring", "training", "testing", "tuning"}, Kinds())
	assert.True(t, StateTimedOut.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
}
