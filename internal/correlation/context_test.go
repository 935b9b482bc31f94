package correlation

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestFromContext_AbsentReturnsNone(t *testing.T) {
	if got := FromContext(context.Background()); got != None {
		t.Fatalf("FromContext() = %q, want %q", got, None)
	}
}

func TestFromContext_NilContextReturnsNone(t *testing.T) {
	if got := FromContext(nil); got != None {
		t.Fatalf("FromContext(nil) = %q, want %q", got, None)
	}
}

func TestWithID_RoundTrips(t *testing.T) {
	ctx := WithID(context.Background(), "abc-123")
	if got := FromContext(ctx); got != "abc-123" {
		t.Fatalf("FromContext() = %q, want %q", got, "abc-123")
	}
}

func TestWithNewID_MintsNonEmptyID(t *testing.T) {
	ctx, id := WithNewID(context.Background())
	if id == "" {
		t.Fatal("WithNewID() minted an empty id")
	}
	if got := FromContext(ctx); got != id {
		t.Fatalf("FromContext() = %q, want minted id %q", got, id)
	}
}

func TestNew_ProducesDistinctIDs(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatalf("New() produced identical ids: %q", a)
	}
}

// recordingCore captures every entry/field pair written to it, for
// asserting on Core's fallback-stamping behavior.
type recordingCore struct {
	zapcore.LevelEnabler
	entries [][]zapcore.Field
}

func (c *recordingCore) With(fields []zapcore.Field) zapcore.Core { return c }
func (c *recordingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(ent, c)
}
func (c *recordingCore) Write(_ zapcore.Entry, fields []zapcore.Field) error {
	c.entries = append(c.entries, fields)
	return nil
}
func (c *recordingCore) Sync() error { return nil }

func TestCore_StampsFallbackWhenFieldMissing(t *testing.T) {
	rec := &recordingCore{LevelEnabler: zapcore.InfoLevel}
	core := NewCore(rec)

	ce := core.Check(zapcore.Entry{Level: zapcore.InfoLevel}, nil)
	if ce == nil {
		t.Fatal("Check() returned nil CheckedEntry")
	}
	ce.Write()

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 entry written, got %d", len(rec.entries))
	}
	found := false
	for _, f := range rec.entries[0] {
		if f.Key == FieldName && f.String == None {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fallback %q field with value %q, got %+v", FieldName, None, rec.entries[0])
	}
}

func TestCore_DoesNotOverwriteExistingField(t *testing.T) {
	rec := &recordingCore{LevelEnabler: zapcore.InfoLevel}
	core := NewCore(rec)

	existing := []zapcore.Field{{Key: FieldName, Type: zapcore.StringType, String: "already-set"}}
	ce := core.Check(zapcore.Entry{Level: zapcore.InfoLevel}, nil)
	ce.Write(existing...)

	if len(rec.entries) != 1 {
		t.Fatalf("expected 1 entry written, got %d", len(rec.entries))
	}
	count := 0
	for _, f := range rec.entries[0] {
		if f.Key == FieldName {
			count++
			if f.String != "already-set" {
				t.Fatalf("field value overwritten: got %q", f.String)
			}
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one %s field, got %d", FieldName, count)
	}
}
