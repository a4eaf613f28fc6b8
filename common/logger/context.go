package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Components enrich the context once (job, run, message) and every slog call
// downstream carries the fields without repeating them.
type LogFields struct {
	JobID     *string // Job key in the jobs bucket
	RunID     *string // Run key in the runs bucket
	MessageID *string // Stream sequence or object name of the delivery
	Subject   *string // Category the delivery arrived on
	Role      *string // Worker role (job type)
	Component string  // OTel semantic convention style, e.g. "magnet.run.coordinator"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.JobID != nil {
		result.JobID = next.JobID
	}
	if next.RunID != nil {
		result.RunID = next.RunID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Subject != nil {
		result.Subject = next.Subject
	}
	if next.Role != nil {
		result.Role = next.Role
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
