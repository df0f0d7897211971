// Package logging provides structured logging with trace-ID propagation
// for the plugin host.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for context values carried by this package.
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	PluginIDKey ContextKey = "plugin_id"
)

// Logger wraps logrus.Logger with host-specific helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component ("manager", "broker", …).
func New(component, level, format string) *Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "json" {
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
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry enriched with trace and plugin IDs carried
// on ctx, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if pluginID := ctx.Value(PluginIDKey); pluginID != nil {
		entry = entry.WithField("plugin_id", pluginID)
	}
	return entry
}

// WithPlugin returns an entry scoped to a specific plugin ID.
func (l *Logger) WithPlugin(pluginID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "plugin_id": pluginID})
}

// NewTraceID generates a fresh trace identifier.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID returns a derived context carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithPluginID returns a derived context carrying a plugin ID.
func WithPluginID(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, PluginIDKey, pluginID)
}

// LogSecurityEvent logs a threat/security event at warn level with a
// fixed "security" severity field so it is easy to alert on downstream.
func (l *Logger) LogSecurityEvent(ctx context.Context, eventType string, details map[string]any) {
	fields := logrus.Fields{"event_type": eventType, "severity": "security"}
	for k, v := range details {
		fields[k] = v
	}
	l.WithContext(ctx).WithFields(fields).Warn("security event")
}

// LogAudit records a lifecycle/audit event (load, unload, grant, revoke…).
func (l *Logger) LogAudit(ctx context.Context, action, pluginID, result string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"action":    action,
		"plugin_id": pluginID,
		"result":    result,
		"audit":     true,
	}).Info("audit")
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the process-wide default logger, initializing a
// fallback if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("pluginhost", "info", "json")
	}
	return defaultLogger
}
