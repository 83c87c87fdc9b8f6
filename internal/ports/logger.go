package ports

import "context"

// Logger is the structured logger every component receives at construction.
// Fields are merged into the entry; the zerolog adapter is the production implementation.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	// Warn is used for recoverable data problems such as ambiguous gaps or failed trials.
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
