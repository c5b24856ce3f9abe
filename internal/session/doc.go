// Package session implements the search episode state machine.
//
// A Session tracks four working sets over pipeline ids: every pipeline of
// the episode, those being scored, those being tuned, and those already
// tuned. An id is never scored and tuned at the same time, and the tuned set
// only grows. After every completion the session re-evaluates its status:
// once scoring drains it either starts a tuning round over the best untuned
// pipelines or, when tuning is done, not requested or stopped, marks itself
// idle and publishes done_searching.
//
// Each session writes its pipelines under <output>/<session id>:
//
//	pipelines_searched/<id>.json   description before scoring
//	pipelines_scored/<id>.json     the same document with scores
//	pipelines_ranked/<id>.json     exported pipelines
//	pipelines_ranked/<id>.rank     plain-text rank, lower is better
//	pipeline_runs/<job id>.log     worker run logs
//
// Sessions are held by a Registry owned by the orchestrator.
package session
