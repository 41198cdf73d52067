// Package logger configures the process-wide slog logger from ServerConfig
// and carries request or batch scoped loggers through a context.Context.
package logger
