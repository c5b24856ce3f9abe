// Package logging provides structured logging for the pipeline-search service.
//
// [Logger] keeps a small key-value API (Debug/Info/Warn/Error plus With*
// helpers) on top of a zap SugaredLogger. Entries are JSON lines written to a
// lumberjack-rotated file, optionally teed to a console core on stderr.
//
// # Basic Usage
//
//	logger, err := logging.New(logging.Options{Dir: "/var/log/pipesearch", Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("pipeline scored", "pipeline_id", id, "score", 0.93)
//
// # Context Propagation
//
//	sessionLogger := logger.WithSession(sessionID)
//	jobLogger := sessionLogger.WithJob(jobID, "scoring")
//	jobLogger.Warn("worker wrote to stderr", "bytes", n)
//
// # Reading Logs
//
// [ReadLogs] parses a log file back into [LogEntry] values and [FilterLogs]
// selects them by level, time, session, job or pipeline. The `logs` command
// is built on these.
//
// # Testing
//
// Use [NopLogger] to discard all output.
package logging
