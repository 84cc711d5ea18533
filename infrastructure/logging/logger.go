// Package logging provides structured logging with trace ID support.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/autocapture/engine/infrastructure/security"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// SegmentIDKey is the context key for the active capture segment ID
	SegmentIDKey ContextKey = "segment_id"
	// ModeKey is the context key for the current Governor mode
	ModeKey ContextKey = "mode"
	// ServiceKey is the context key for service name
	ServiceKey ContextKey = "service"
)

// Config controls logger construction: level, format, and output target.
type Config struct {
	Level      string
	Format     string // "json" or "text"
	Output     string // "stdout" or "file"
	FilePrefix string
	LogDir     string
}

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance for the given service name.
func New(service string, cfg Config) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.ToLower(cfg.Format) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(resolveOutput(cfg))

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// resolveOutput honors Config.Output == "file": logs are written under
// LogDir/FilePrefix.log in addition to stdout. A directory or file that
// can't be opened falls back to stdout alone rather than failing boot.
func resolveOutput(cfg Config) io.Writer {
	if strings.ToLower(cfg.Output) != "file" {
		return os.Stdout
	}

	prefix := cfg.FilePrefix
	if prefix == "" {
		prefix = "autocapture"
	}
	dir := cfg.LogDir
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout
	}
	path := filepath.Join(dir, prefix+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stdout
	}
	return io.MultiWriter(os.Stdout, file)
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables. Defaults to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, Config{Level: level, Format: format, Output: os.Getenv("LOG_OUTPUT")})
}

// WithContext creates a new logger entry with context values
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if segmentID := ctx.Value(SegmentIDKey); segmentID != nil {
		entry = entry.WithField("segment_id", segmentID)
	}
	if mode := ctx.Value(ModeKey); mode != nil {
		entry = entry.WithField("mode", mode)
	}

	return entry
}

// WithTraceID creates a new logger entry with trace ID
func (l *Logger) WithTraceID(traceID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service":  l.service,
		"trace_id": traceID,
	})
}

// WithFields creates a new logger entry with custom fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a new logger entry with error
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Context helper functions

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithSegmentID adds the active segment ID to the context
func WithSegmentID(ctx context.Context, segmentID string) context.Context {
	return context.WithValue(ctx, SegmentIDKey, segmentID)
}

// GetSegmentID retrieves the active segment ID from context
func GetSegmentID(ctx context.Context) string {
	if segmentID, ok := ctx.Value(SegmentIDKey).(string); ok {
		return segmentID
	}
	return ""
}

// WithMode adds the current Governor mode to the context
func WithMode(ctx context.Context, mode string) context.Context {
	return context.WithValue(ctx, ModeKey, mode)
}

// GetMode retrieves the current Governor mode from context
func GetMode(ctx context.Context) string {
	if mode, ok := ctx.Value(ModeKey).(string); ok {
		return mode
	}
	return ""
}

// Structured logging helpers

// LogCaptureEvent logs a capture-pipeline segment lifecycle event.
func (l *Logger) LogCaptureEvent(ctx context.Context, stage, segmentID string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"stage":       stage,
		"segment_id":  segmentID,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("capture stage failed")
		return
	}
	entry.Debug("capture stage completed")
}

// LogStoreWrite logs an append-only store write (journal, ledger, metadata).
func (l *Logger) LogStoreWrite(ctx context.Context, store, recordID string, bytes int, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"store":      store,
		"record_id":  recordID,
		"bytes":      bytes,
	})
	if err != nil {
		entry.WithError(err).Error("store write failed")
		return
	}
	entry.Debug("store write committed")
}

// LogPluginCall logs a capability invocation through the plugin registry.
func (l *Logger) LogPluginCall(ctx context.Context, pluginID, capability string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"plugin_id":   pluginID,
		"capability":  capability,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("plugin call failed")
		return
	}
	entry.Info("plugin call completed")
}

// LogCryptoOperation logs a cryptographic operation
func (l *Logger) LogCryptoOperation(ctx context.Context, operation string, success bool, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"operation": operation,
		"success":   success,
	})

	if err != nil {
		entry.WithError(err).Error("cryptographic operation failed")
	} else {
		entry.Debug("cryptographic operation completed")
	}
}

// LogSecurityEvent logs a security-related event
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]interface{}) {
	fields := logrus.Fields{
		"event_type": eventType,
		"severity":   "security",
	}
	for k, v := range details {
		fields[k] = v
	}

	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogAudit logs an audit event
func (l *Logger) LogAudit(ctx context.Context, action, resource, resourceID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":      action,
		"resource":    resource,
		"resource_id": resourceID,
		"result":      result,
		"audit":       true,
	}).Info("audit log")
}

// LogPerformance logs performance metrics
func (l *Logger) LogPerformance(ctx context.Context, operation string, metrics map[string]interface{}) {
	fields := logrus.Fields{
		"operation": operation,
		"type":      "performance",
	}
	for k, v := range metrics {
		fields[k] = v
	}

	l.WithContext(ctx).WithFields(fields).Info("performance metrics")
}

// LogErrorWithStack logs an error with additional context. Fields pass
// through security.SanitizeMap first: error paths are the likeliest place
// for a captured header, env var, or config value to leak into a field
// map unexamined, so every field gets the same key-name/value-pattern
// scrubbing infrastructure/security applies to HTTP headers.
func (l *Logger) LogErrorWithStack(ctx context.Context, err error, message string, fields map[string]interface{}) {
	logFields := logrus.Fields{
		"error": security.SanitizeString(err.Error()),
	}
	for k, v := range security.SanitizeMap(fields) {
		logFields[k] = v
	}

	l.WithContext(ctx).WithFields(logFields).Error(message)
}

// Fatal logs a fatal error and exits
func (l *Logger) Fatal(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Fatal(message)
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Debug(message)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Info(message)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, message string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).Warn(message)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, message string, err error, fields map[string]interface{}) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(message)
}

// Global logger instance, initialized once at startup.
var defaultLogger *Logger

// InitDefault initializes the default logger
func InitDefault(service string, cfg Config) {
	defaultLogger = New(service, cfg)
}

// Default returns the default logger
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("unknown", Config{Level: "info", Format: "json"})
	}
	return defaultLogger
}

// FormatDuration formats a duration in milliseconds for log fields.
func FormatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d.Nanoseconds())/1e6)
}
