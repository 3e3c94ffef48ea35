package logger

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStringFields(t *testing.T) {
	fields := StringFields(
		StringField{Key: "  provider  ", Value: "  Gemini  "},
		StringField{Key: "ignored", Value: "   "},
		StringField{Key: "   ", Value: "empty key"},
	)

	if len(fields) != 1 {
		t.Fatalf("expected 1 field, got %d", len(fields))
	}

	if fields[0].Key != "provider" || fields[0].String != "Gemini" {
		t.Fatalf("unexpected provider field: %+v", fields[0])
	}

	if empty := StringFields(); len(empty) != 0 {
		t.Fatalf("expected empty fields, got %d", len(empty))
	}
}

func TestWithFieldsNilLogger(t *testing.T) {
	enriched := WithFields(nil, zap.String("baz", "qux"))
	if enriched == nil {
		t.Fatalf("expected fallback logger when nil provided")
	}

	enriched.Info("must not panic")
}

func TestWithCommonFields(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)

	WithCommonFields(zap.New(core), "gemini", "gemini-2.5-flash").Info("test log")

	entries := observed.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	ctx := entries[0].ContextMap()
	if ctx[FieldProvider] != "gemini" {
		t.Fatalf("expected provider field to be gemini, got %q", ctx[FieldProvider])
	}

	if ctx[FieldModel] != "gemini-2.5-flash" {
		t.Fatalf("unexpected model field: %q", ctx[FieldModel])
	}
}

func TestWithJob(t *testing.T) {
	tests := []struct {
		name       string
		queue      string
		queueJobID string
		jobID      string
		wantKeys   []string
	}{
		{
			name:       "all identifiers",
			queue:      "resume-analysis",
			queueJobID: "42",
			jobID:      "j1",
			wantKeys:   []string{FieldQueue, FieldQueueJobID, FieldJobID},
		},
		{
			name:       "undecodable payload has no job id",
			queue:      "resume-analysis",
			queueJobID: "43",
			wantKeys:   []string{FieldQueue, FieldQueueJobID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, observed := observer.New(zapcore.DebugLevel)
			WithJob(zap.New(core), tt.queue, tt.queueJobID, tt.jobID).Debug("job")

			ctx := observed.All()[0].ContextMap()
			if len(ctx) != len(tt.wantKeys) {
				t.Fatalf("expected %d fields, got %v", len(tt.wantKeys), ctx)
			}
			for _, key := range tt.wantKeys {
				if _, ok := ctx[key]; !ok {
					t.Fatalf("missing field %q in %v", key, ctx)
				}
			}
		})
	}
}
