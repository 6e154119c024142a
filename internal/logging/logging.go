// Package logging constructs the process-wide zap logger and the small set
// of field helpers used across the job worker, pipeline handlers, and
// search engine so every log line carries consistent job/note/archive
// context.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// New builds the process logger. JSON encoding in production, console
// encoding when FORTEMI_ENV=dev.
func New(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type ctxKey struct{}

// WithLogger attaches a logger to ctx so deeply nested calls (pipeline
// handlers invoked by the worker) don't need it threaded through every
// signature.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the attached logger, or the no-op logger if none was
// attached (e.g. in unit tests that don't care about log output).
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// JobFields returns the standard structured fields attached to every log
// line emitted while running a job.
func JobFields(jobID, jobType, archive string) []zap.Field {
	return []zap.Field{
		zap.String("job_id", jobID),
		zap.String("job_type", jobType),
		zap.String("archive", archive),
	}
}
