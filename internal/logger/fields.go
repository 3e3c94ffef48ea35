package logger

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// FieldProvider is the structured log field key for the AI provider name.
	FieldProvider = "ai_provider"
	// FieldModel is the structured log field key for the AI model identifier.
	FieldModel = "ai_model"
	// FieldJobID is the backend-assigned job identifier carried in the payload.
	FieldJobID = "job_id"
	// FieldQueueJobID is the identifier the queue runtime assigned on enqueue.
	FieldQueueJobID = "queue_job_id"
	// FieldQueue is the queue name a job was consumed from.
	FieldQueue = "queue"
)

// StringField describes a string-valued structured logging field.
type StringField struct {
	Key   string
	Value string
}

// StringFields converts the provided key/value pairs into zap fields, trimming
// whitespace and omitting entries with empty keys or values.
func StringFields(fields ...StringField) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}

		value := strings.TrimSpace(field.Value)
		if value == "" {
			continue
		}

		result = append(result, zap.String(key, value))
	}

	return result
}

// WithFields attaches fields to logger, falling back to a no-op logger when nil.
func WithFields(logger *zap.Logger, fields ...zap.Field) *zap.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(fields) == 0 {
		return logger
	}

	return logger.With(fields...)
}

// CommonFields returns the fields describing the AI provider and model.
func CommonFields(provider, model string) []zap.Field {
	return StringFields(
		StringField{Key: FieldProvider, Value: provider},
		StringField{Key: FieldModel, Value: model},
	)
}

// WithCommonFields attaches the AI provider and model to logger.
func WithCommonFields(logger *zap.Logger, provider, model string) *zap.Logger {
	return WithFields(logger, CommonFields(provider, model)...)
}

// JobFields describes a single queue job. Missing identifiers are skipped, which
// happens for payloads that could not be decoded.
func JobFields(queue, queueJobID, jobID string) []zap.Field {
	return StringFields(
		StringField{Key: FieldQueue, Value: queue},
		StringField{Key: FieldQueueJobID, Value: queueJobID},
		StringField{Key: FieldJobID, Value: jobID},
	)
}

// WithJob attaches the job identity to logger.
func WithJob(logger *zap.Logger, queue, queueJobID, jobID string) *zap.Logger {
	return WithFields(logger, JobFields(queue, queueJobID, jobID)...)
}
