// Package event provides the process-wide pub-sub bus that decouples jobs
// from sessions, the orchestrator and API streams.
//
// # Main Types
//
//   - [Event]: interface implemented by all events (type, timestamp, attributes)
//   - [Bus]: synchronous dispatcher with specific, wildcard and filtered subscriptions
//   - [Queue]: scoped, buffered subscription for goroutines that block on an event
//   - [Envelope]: JSON form of an event used by streams and external sinks
//
// # Event Names
//
// Job events are "<kind>_<phase>" where kind is one of scoring, training,
// testing, tuning and phase is start, success or error. Session events are
// new_pipeline, new_fixed_pipeline, done_searching, search_error and
// finish_session.
//
// # Ordering
//
// Handlers run on the publishing goroutine in registration order, so every
// subscriber sees the events of a job in the order the job emitted them.
//
// # Usage
//
//	q := bus.SubscribeQueue(event.And(
//	    event.Types(event.ScoringSuccess, event.ScoringError),
//	    event.ForPipeline(id),
//	))
//	defer q.Close()
//	e, err := q.Next(ctx)
package event
