// Package logger provides the production logger implementation for the que
// services. Output is plain text for local development and JSON when running
// under Kubernetes, where structured logs feed the aggregation pipeline.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/danubecloud/que/core"
)

type level int

const (
	debugLevel level = iota
	infoLevel
	warnLevel
	errorLevel
)

func parseLevel(s string) level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return debugLevel
	case "WARN", "WARNING":
		return warnLevel
	case "ERROR":
		return errorLevel
	default:
		return infoLevel
	}
}

// Logger is a structured logger writing one line per event. It implements
// core.ComponentAwareLogger; the context-aware variants attach trace and
// span ids when the context carries a recording span.
type Logger struct {
	level     level
	format    string
	service   string
	component string
	output    io.Writer
	mu        *sync.Mutex
}

// New creates a logger for the named service.
//
// Level comes from QUE_LOG_LEVEL (default INFO). Format is text unless
// QUE_LOG_FORMAT overrides it or a Kubernetes environment is detected.
func New(service string) *Logger {
	lvl := os.Getenv("QUE_LOG_LEVEL")

	format := os.Getenv("QUE_LOG_FORMAT")
	if format == "" {
		format = "text"
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		}
	}

	return &Logger{
		level:   parseLevel(lvl),
		format:  format,
		service: service,
		output:  os.Stderr,
		mu:      &sync.Mutex{},
	}
}

// NewWithOutput creates a text logger writing to w. Used by tests.
func NewWithOutput(service string, w io.Writer) *Logger {
	return &Logger{
		level:   debugLevel,
		format:  "text",
		service: service,
		output:  w,
		mu:      &sync.Mutex{},
	}
}

// WithComponent returns a logger scoped to a component name. The underlying
// output stream and level are shared.
func (l *Logger) WithComponent(component string) core.Logger {
	clone := *l
	clone.component = component
	return &clone
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.log(debugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields map[string]interface{})  { l.log(infoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.log(warnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]interface{}) { l.log(errorLevel, msg, fields) }

func (l *Logger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(debugLevel, msg, withTrace(ctx, fields))
}

func (l *Logger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(infoLevel, msg, withTrace(ctx, fields))
}

func (l *Logger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(warnLevel, msg, withTrace(ctx, fields))
}

func (l *Logger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(errorLevel, msg, withTrace(ctx, fields))
}

func withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return fields
	}
	out := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["trace_id"] = span.SpanContext().TraceID().String()
	out["span_id"] = span.SpanContext().SpanID().String()
	return out
}

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l *Logger) log(lvl level, msg string, fields map[string]interface{}) {
	if lvl < l.level {
		return
	}
	now := time.Now().UTC()

	var line []byte
	if l.format == "json" {
		record := make(map[string]interface{}, len(fields)+5)
		for k, v := range fields {
			record[k] = v
		}
		record["time"] = now.Format(time.RFC3339Nano)
		record["level"] = levelNames[lvl]
		record["service"] = l.service
		record["msg"] = msg
		if l.component != "" {
			record["component"] = l.component
		}
		var err error
		line, err = json.Marshal(record)
		if err != nil {
			line = []byte(fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q,"log_error":%q}`,
				now.Format(time.RFC3339Nano), levelNames[lvl], msg, err.Error()))
		}
		line = append(line, '\n')
	} else {
		var b strings.Builder
		b.WriteString(now.Format("2006-01-02T15:04:05.000Z"))
		b.WriteString(" [")
		b.WriteString(levelNames[lvl])
		b.WriteString("] ")
		if l.component != "" {
			b.WriteString(l.component)
			b.WriteString(": ")
		}
		b.WriteString(msg)
		if len(fields) > 0 {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, fields[k])
			}
		}
		b.WriteByte('\n')
		line = []byte(b.String())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write(line)
}
