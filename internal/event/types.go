package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns the event name, e.g. "scoring_success".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// Attributes returns the event payload as a flat map for serialization.
	Attributes() map[string]any
}

// Job phases combined with a job kind to form event names.
const (
	PhaseStart   = "start"
	PhaseSuccess = "success"
	PhaseError   = "error"
)

// Job event names.
const (
	ScoringStart    = "scoring_start"
	ScoringSuccess  = "scoring_success"
	ScoringError    = "scoring_error"
	TrainingStart   = "training_start"
	TrainingSuccess = "training_success"
	TrainingError   = "training_error"
	TestingStart    = "testing_start"
	TestingSuccess  = "testing_success"
	TestingError    = "testing_error"
	TuningStart     = "tuning_start"
	TuningSuccess   = "tuning_success"
	TuningError     = "tuning_error"
)

// Session event names.
const (
	NewPipeline      = "new_pipeline"
	NewFixedPipeline = "new_fixed_pipeline"
	DoneSearching    = "done_searching"
	SearchError      = "search_error"
	FinishSession    = "finish_session"
)

// Name joins a job kind and phase into an event name.
func Name(kind, phase string) string {
	return kind + "_" + phase
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// Attributes returns nil; concrete events override it.
func (e baseEvent) Attributes() map[string]any { return nil }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Job Events
// -----------------------------------------------------------------------------

// JobEvent reports a job lifecycle transition.
// PipelineID is the pipeline the job operates on; for tuning_success
// NewPipelineID carries the tuned replacement.
type JobEvent struct {
	baseEvent
	JobID         string
	SessionID     string
	PipelineID    string
	NewPipelineID string
	Error         string
	StorageDir    string
	Steps         []string
	// Synthetic marks a scoring_success emitted on behalf of a tuning job
	// rather than a Score job.
	Synthetic bool
}

// NewJobEvent creates a JobEvent.
func NewJobEvent(eventType, jobID, sessionID, pipelineID string) JobEvent {
	return JobEvent{
		baseEvent:  newBaseEvent(eventType),
		JobID:      jobID,
		SessionID:  sessionID,
		PipelineID: pipelineID,
	}
}

// Pipeline returns the pipeline the event is about.
func (e JobEvent) Pipeline() string { return e.PipelineID }

// Session returns the owning session id, empty for standalone jobs.
func (e JobEvent) Session() string { return e.SessionID }

// Attributes implements Event.
func (e JobEvent) Attributes() map[string]any {
	attrs := map[string]any{
		"job_id":      e.JobID,
		"pipeline_id": e.PipelineID,
	}
	if e.SessionID != "" {
		attrs["session_id"] = e.SessionID
	}
	if e.NewPipelineID != "" {
		attrs["new_pipeline_id"] = e.NewPipelineID
	}
	if e.Error != "" {
		attrs["error"] = e.Error
	}
	if e.StorageDir != "" {
		attrs["storage_dir"] = e.StorageDir
	}
	if e.Steps != nil {
		attrs["steps_to_expose"] = e.Steps
	}
	if e.Synthetic {
		attrs["synthetic"] = true
	}
	return attrs
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionEvent reports a session-level change.
type SessionEvent struct {
	baseEvent
	SessionID  string
	PipelineID string
	Error      string
}

// NewSessionEvent creates a SessionEvent.
func NewSessionEvent(eventType, sessionID string) SessionEvent {
	return SessionEvent{
		baseEvent: newBaseEvent(eventType),
		SessionID: sessionID,
	}
}

// NewPipelineEvent creates a new_pipeline or new_fixed_pipeline event.
func NewPipelineEvent(eventType, sessionID, pipelineID string) SessionEvent {
	e := NewSessionEvent(eventType, sessionID)
	e.PipelineID = pipelineID
	return e
}

// Session returns the session id.
func (e SessionEvent) Session() string { return e.SessionID }

// Pipeline returns the pipeline id, if any.
func (e SessionEvent) Pipeline() string { return e.PipelineID }

// Attributes implements Event.
func (e SessionEvent) Attributes() map[string]any {
	attrs := map[string]any{"session_id": e.SessionID}
	if e.PipelineID != "" {
		attrs["pipeline_id"] = e.PipelineID
	}
	if e.Error != "" {
		attrs["error"] = e.Error
	}
	return attrs
}

// -----------------------------------------------------------------------------
// Serialization
// -----------------------------------------------------------------------------

// Envelope is the wire form of an event for streams and sinks.
type Envelope struct {
	Event      string         `json:"event"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Encode converts an event into its Envelope.
func Encode(e Event) Envelope {
	return Envelope{
		Event:      e.EventType(),
		Time:       e.Timestamp(),
		Attributes: e.Attributes(),
	}
}

// SessionOf returns the session id carried by an Envelope, if any.
func (env Envelope) SessionOf() string {
	s, _ := env.Attributes["session_id"].(string)
	return s
}
