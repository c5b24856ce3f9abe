package stream

import (
	"maps"
	"slices"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/Iron-Ham/pipesearch/internal/logging"
)

// watermillLogger routes watermill's internal logging through Logger.
// Trace output is folded into Debug.
type watermillLogger struct {
	logger *logging.Logger
}

// NewWatermillLogger adapts logger to watermill.LoggerAdapter.
func NewWatermillLogger(logger *logging.Logger) watermill.LoggerAdapter {
	return watermillLogger{logger: logger}
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error(msg, append(flatten(fields), "error", err)...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info(msg, flatten(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Debug(msg, flatten(fields)...)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{logger: l.logger.With(flatten(fields)...)}
}

// flatten turns watermill fields into sorted key/value pairs.
func flatten(fields watermill.LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, k, fields[k])
	}
	return args
}
