package event

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/pipesearch/internal/logging"
)

// recorder collects event names in delivery order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, e.EventType())
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestBus_DeliversByEventName(t *testing.T) {
	bus := NewBus()
	var scoring, training recorder
	bus.Subscribe(ScoringSuccess, scoring.handle)
	bus.Subscribe(TrainingSuccess, training.handle)

	bus.Publish(NewJobEvent(ScoringStart, "j1", "s1", "p1"))
	bus.Publish(NewJobEvent(ScoringSuccess, "j1", "s1", "p1"))
	bus.Publish(NewJobEvent(TrainingSuccess, "j2", "", "p1"))

	assert.Equal(t, []string{ScoringSuccess}, scoring.got())
	assert.Equal(t, []string{TrainingSuccess}, training.got())
}

func TestBus_HandlerSeesJobFields(t *testing.T) {
	bus := NewBus()
	var got JobEvent
	bus.Subscribe(TuningSuccess, func(e Event) { got = e.(JobEvent) })

	e := NewJobEvent(TuningSuccess, "j9", "s1", "old")
	e.NewPipelineID = "new"
	bus.Publish(e)

	assert.Equal(t, "j9", got.JobID)
	assert.Equal(t, "s1", got.Session())
	assert.Equal(t, "old", got.Pipeline())
	assert.Equal(t, "new", got.NewPipelineID)
}

func TestBus_NamedBeforeWildcard(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.SubscribeAll(func(e Event) { order = append(order, "all") })
	bus.Subscribe(DoneSearching, func(e Event) { order = append(order, "named") })

	bus.Publish(NewSessionEvent(DoneSearching, "s1"))
	bus.Publish(NewSessionEvent(FinishSession, "s1"))

	assert.Equal(t, []string{"named", "all", "all"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	var first, second recorder
	id1 := bus.Subscribe(NewPipeline, first.handle)
	bus.Subscribe(NewPipeline, second.handle)
	wild := bus.SubscribeAll(first.handle)
	require.Equal(t, 3, bus.SubscriptionCount())

	assert.True(t, bus.Unsubscribe(id1))
	assert.True(t, bus.Unsubscribe(wild))
	assert.False(t, bus.Unsubscribe(id1), "second removal of the same id")
	assert.False(t, bus.Unsubscribe("sub-missing"))
	assert.Equal(t, 1, bus.SubscriptionCount())

	bus.Publish(NewPipelineEvent(NewPipeline, "s1", "p1"))
	assert.Empty(t, first.got())
	assert.Equal(t, []string{NewPipeline}, second.got())

	bus.Clear()
	assert.Zero(t, bus.SubscriptionCount())
}

func TestBus_SubscriptionIDsAreUnique(t *testing.T) {
	bus := NewBus()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := bus.SubscribeAll(func(Event) {})
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestBus_PanicIsLoggedAndDeliveryContinues(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.New(logging.Options{Dir: dir, Level: "debug"})
	require.NoError(t, err)

	bus := NewBus(WithLogger(logger))
	var after recorder
	bus.Subscribe(ScoringError, func(Event) { panic("handler broke") })
	bus.Subscribe(ScoringError, after.handle)

	assert.NotPanics(t, func() {
		bus.Publish(NewJobEvent(ScoringError, "j1", "s1", "p1"))
	})
	assert.Equal(t, []string{ScoringError}, after.got())
	require.NoError(t, logger.Close())

	entries, err := logging.ReadLogs(filepath.Join(dir, logging.FileName))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, logging.LevelError, entries[0].Level)
	assert.Equal(t, "event handler panicked", entries[0].Message)
	assert.Equal(t, ScoringError, entries[0].Attrs["event"])
}

func TestBus_NilLoggerOptionKeepsDefault(t *testing.T) {
	bus := NewBus(WithLogger(nil))
	bus.SubscribeAll(func(Event) { panic("boom") })
	assert.NotPanics(t, func() { bus.Publish(NewSessionEvent(SearchError, "s1")) })
}

func TestBus_ConcurrentSearchTraffic(t *testing.T) {
	bus := NewBus()
	var scored, finished atomic.Int64
	bus.SubscribeFunc(Types(ScoringSuccess), func(Event) { scored.Add(1) })
	bus.SubscribeFunc(ForSession("s-last"), func(Event) { finished.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				bus.Publish(NewJobEvent(ScoringSuccess, "j", "s", "p"))
				id := bus.SubscribeAll(func(Event) {})
				bus.Unsubscribe(id)
			}
		}()
	}
	wg.Wait()
	bus.Publish(NewSessionEvent(FinishSession, "s-last"))

	assert.EqualValues(t, 200, scored.Load())
	assert.EqualValues(t, 1, finished.Load())
	assert.Equal(t, 2, bus.SubscriptionCount())
}

func TestBus_SubscribeFunc(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.SubscribeFunc(And(Types(ScoringSuccess, ScoringError), ForPipeline("p1")), func(e Event) {
		got = append(got, e.EventType()+":"+e.(JobEvent).PipelineID)
	})

	bus.Publish(NewJobEvent(ScoringSuccess, "j1", "s", "p1"))
	bus.Publish(NewJobEvent(ScoringSuccess, "j2", "s", "p2"))
	bus.Publish(NewJobEvent(TrainingSuccess, "j3", "s", "p1"))
	bus.Publish(NewJobEvent(ScoringError, "j4", "s", "p1"))

	assert.Equal(t, []string{"scoring_success:p1", "scoring_error:p1"}, got)
}

func TestFilters(t *testing.T) {
	job := NewJobEvent(ScoringStart, "j", "s1", "p1")
	sess := NewSessionEvent(DoneSearching, "s1")

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"types match", Types(ScoringStart), job, true},
		{"types miss", Types(ScoringError), job, false},
		{"pipeline match", ForPipeline("p1"), job, true},
		{"pipeline on session event without pipeline", ForPipeline("p1"), sess, false},
		{"session match on job", ForSession("s1"), job, true},
		{"session match on session", ForSession("s1"), sess, true},
		{"session miss", ForSession("s2"), sess, false},
		{"or", Or(Types(DoneSearching), ForPipeline("zz")), sess, true},
		{"and", And(Types(DoneSearching), ForSession("s2")), sess, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter(tt.event))
		})
	}
}

func TestEncode(t *testing.T) {
	e := NewJobEvent(TuningSuccess, "j1", "s1", "old")
	e.NewPipelineID = "new"

	env := Encode(e)
	assert.Equal(t, TuningSuccess, env.Event)
	assert.Equal(t, "new", env.Attributes["new_pipeline_id"])
	assert.Equal(t, "old", env.Attributes["pipeline_id"])
	assert.Equal(t, "s1", env.SessionOf())
	assert.NotContains(t, env.Attributes, "error")
}

func TestName(t *testing.T) {
	assert.Equal(t, ScoringSuccess, Name("scoring", PhaseSuccess))
	assert.Equal(t, TuningError, Name("tuning", PhaseError))
}
