package sanitize

import (
	"go.uber.org/zap/zapcore"
)

// Core wraps a zapcore.Core and redacts secrets from the entry message and
// every structured field before handing the record to next. Installed on
// every log sink, so no call site needs to remember to sanitize.
type Core struct {
	zapcore.Core
}

// NewCore wraps next with the secret-redacting filter.
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
	return &Core{Core: c.Core.With(sanitizeZapFields(fields))}
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) (err error) {
	// Sanitization must never prevent a record from reaching the sink,
	// and must stay idempotent: re-sanitizing already-redacted output is a
	// no-op. A panic inside a custom field's String()/MarshalLog
	// implementation falls back to writing the sanitized entry message
	// only, dropping the offending field rather than losing the record.
	defer func() {
		if r := recover(); r != nil {
			ent.Message = SanitizeString(ent.Message)
			err = c.Core.Write(ent, nil)
		}
	}()

	ent.Message = SanitizeString(ent.Message)
	return c.Core.Write(ent, sanitizeZapFields(fields))
}

// sanitizeZapFields redacts the value of every field whose key matches the
// sensitivity list, and pattern-sanitizes string-valued fields otherwise.
func sanitizeZapFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = sanitizeZapField(f)
	}
	return out
}

func sanitizeZapField(f zapcore.Field) zapcore.Field {
	if isSensitiveField(f.Key) {
		f.Type = zapcore.StringType
		f.String = ValueMarker
		f.Interface = nil
		return f
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = SanitizeString(f.String)
	case zapcore.ErrorType:
		// Secrets surface on the error path more than anywhere else
		// (provider errors echo the webhook URL they failed against).
		if err, ok := f.Interface.(error); ok && err != nil {
			f.Type = zapcore.StringType
			f.String = SanitizeError(err)
			f.Interface = nil
		}
	}
	return f
}
