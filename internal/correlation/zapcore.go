package correlation

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger binds a *zap.Logger to an explicit context so every record it
// emits carries the context's correlation id. Constructed once by the
// orchestrator and used to derive a per-lifecycle logger.
type Logger struct {
	base *zap.Logger
}

// NewLogger wraps base so that With(ctx) can stamp the correlation field.
func NewLogger(base *zap.Logger) *Logger {
	return &Logger{base: base}
}

// With returns a *zap.Logger with the correlation id from ctx attached as a
// structured field. Safe to call on every log site; cheap (one field copy).
func (l *Logger) With(ctx context.Context) *zap.Logger {
	return l.base.With(zap.String(FieldName, FromContext(ctx)))
}

// Core wraps a zapcore.Core and adds a fallback correlation_id field to any
// record that does not already carry one. This is the filter of last resort
// for log sites that construct a *zap.Logger without going through
// Logger.With, e.g. background goroutines started before a lifecycle's
// correlation id exists.
type Core struct {
	zapcore.Core
}

// NewCore wraps next with the correlation-id fallback filter.
func NewCore(next zapcore.Core) zapcore.Core {
	return &Core{Core: next}
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	for _, f := range fields {
		if f.Key == FieldName {
			// Every record of the derived core now carries the id, so the
			// fallback would only add a second, conflicting field.
			return c.Core.With(fields)
		}
	}
	return &Core{Core: c.Core.With(fields)}
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	for _, f := range fields {
		if f.Key == FieldName {
			return c.Core.Write(ent, fields)
		}
	}
	fields = append(fields, zap.String(FieldName, None))
	return c.Core.Write(ent, fields)
}
