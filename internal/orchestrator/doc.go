// Package orchestrator ties the job scheduler, the session registry and the
// event bus together into pipeline searches.
//
// A search runs as a task on a bounded executor. The task launches the
// generator process and answers its evaluate requests by queueing Score jobs
// and waiting for their scoring events. When the generator exits the
// session is asked to tune its best pipelines, after which it publishes
// done_searching.
//
// Standalone scoring, training and testing requests bypass sessions and go
// straight to the scheduler; their outcome is observable on the bus.
package orchestrator
