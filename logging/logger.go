// Package logging provides the structured JSON logger used by every MAS
// Core subsystem. Grounded on the teacher's core/config.go
// ProductionLogger: one JSON line per event, a component label, and a
// weak-coupled metrics hook so framework internals can emit counters
// without importing the metrics package directly.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MycosoftLabs/mycosoft-mas-sub011/correlation"
)

// Logger is the minimal logging interface every subsystem depends on.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAware extends Logger with a sub-component label, mirroring
// the teacher's ComponentAwareLogger ("framework/core" vs "agent/<name>").
type ComponentAware interface {
	Logger
	WithComponent(component string) Logger
}

// MetricHook lets the metrics package register itself so log events can
// drive counters (e.g. every ERROR line increments an errors_total
// series) without logging importing metrics.
type MetricHook func(level, component string, fields map[string]interface{})

var (
	hookMu sync.RWMutex
	hook   MetricHook
)

// SetMetricHook installs the global metric hook. Called once during
// bootstrap by cmd/mascored.
func SetMetricHook(h MetricHook) {
	hookMu.Lock()
	defer hookMu.Unlock()
	hook = h
}

func callHook(level, component string, fields map[string]interface{}) {
	hookMu.RLock()
	h := hook
	hookMu.RUnlock()
	if h != nil {
		h(level, component, fields)
	}
}

// Level is the minimum severity a JSONLogger emits; lines below it are
// dropped.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// JSONLogger is the production implementation: one JSON object per line,
// written to Output.
type JSONLogger struct {
	service   string
	component string
	level     Level
	output    io.Writer
	mu        *sync.Mutex // shared across WithComponent clones so writes interleave safely
}

// New creates the root logger for the process. serviceName identifies
// the process in every log line ("mascore"); level is the minimum
// severity emitted.
func New(serviceName string, level Level, output io.Writer) *JSONLogger {
	if output == nil {
		output = os.Stdout
	}
	return &JSONLogger{
		service:   serviceName,
		component: "core",
		level:     level,
		output:    output,
		mu:        &sync.Mutex{},
	}
}

func (l *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{
		service:   l.service,
		component: component,
		level:     l.level,
		output:    l.output,
		mu:        l.mu,
	}
}

func (l *JSONLogger) enabled(level Level) bool {
	order := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	return order[level] >= order[l.level]
}

func (l *JSONLogger) write(level Level, ctx context.Context, msg string, fields map[string]interface{}) {
	if !l.enabled(level) {
		return
	}
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     strings.ToUpper(string(level)),
		"service":   l.service,
		"component": l.component,
		"message":   msg,
	}
	if ctx != nil {
		if id := correlation.From(ctx); id != "" {
			entry["correlation_id"] = id
		}
	}
	for k, v := range fields {
		entry[k] = v
	}
	l.mu.Lock()
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
	l.mu.Unlock()

	callHook(string(level), l.component, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{})  { l.write(LevelInfo, nil, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields map[string]interface{})  { l.write(LevelWarn, nil, msg, fields) }
func (l *JSONLogger) Error(msg string, fields map[string]interface{}) { l.write(LevelError, nil, msg, fields) }
func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) { l.write(LevelDebug, nil, msg, fields) }

func (l *JSONLogger) InfoContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelInfo, ctx, msg, fields)
}
func (l *JSONLogger) WarnContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelWarn, ctx, msg, fields)
}
func (l *JSONLogger) ErrorContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelError, ctx, msg, fields)
}
func (l *JSONLogger) DebugContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.write(LevelDebug, ctx, msg, fields)
}

// NoOp is used in tests and by collaborators that opt out of logging.
type NoOp struct{}

func (NoOp) Info(string, map[string]interface{})   {}
func (NoOp) Warn(string, map[string]interface{})   {}
func (NoOp) Error(string, map[string]interface{})  {}
func (NoOp) Debug(string, map[string]interface{})  {}
func (NoOp) InfoContext(context.Context, string, map[string]interface{})  {}
func (NoOp) WarnContext(context.Context, string, map[string]interface{})  {}
func (NoOp) ErrorContext(context.Context, string, map[string]interface{}) {}
func (NoOp) DebugContext(context.Context, string, map[string]interface{}) {}
func (NoOp) WithComponent(string) Logger                                  { return NoOp{} }
