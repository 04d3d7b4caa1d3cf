package log

import "context"

// Logger is the logging interface the server binary wires through its
// startup path. Packages log through zerolog's global logger; this
// interface exists so startup code can carry structured context fields.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]any)
	Info(ctx context.Context, msg string, fields ...map[string]any)
	Warn(ctx context.Context, msg string, fields ...map[string]any)
	Error(ctx context.Context, msg string, err error, fields ...map[string]any)
	Fatal(ctx context.Context, msg string, err error, fields ...map[string]any)
	With(fields map[string]any) Logger
}
