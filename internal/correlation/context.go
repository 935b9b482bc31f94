// Package correlation carries a per-lifecycle correlation id through every
// spawned operation and every log record emitted within it.
//
// Rather than relying on goroutine-local or dynamic stack-bound state,
// the id is threaded explicitly as a context.Context value and read back
// out wherever a log record is emitted. This keeps propagation visible at
// every call site.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// FieldName is the stable structured-log field name for the correlation
// id.
const FieldName = "correlation_id"

// None is the value logged when no correlation id is present in context.
const None = "N/A"

// New generates a fresh correlation id. One is minted per monitoring
// lifecycle.
func New() string {
	return uuid.NewString()
}

// WithID returns a child context carrying id as the active correlation id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// WithNewID mints a fresh id and attaches it, returning both the context and
// the id (callers that need to stamp the id onto an event or metric use the
// returned string directly rather than re-extracting it from the context).
func WithNewID(ctx context.Context) (context.Context, string) {
	id := New()
	return WithID(ctx, id), id
}

// FromContext returns the active correlation id, or None if ctx carries
// none.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return None
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok && v != "" {
		return v
	}
	return None
}
