// Package logger builds the process slog logger from config.LoggingConfig.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"chatbridge/pkg/config"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// LogEntry is one line of JSON output. component and adapter attributes are lifted out
// of Fields so log pipelines can index them.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Adapter   string         `json:"adapter,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

// New builds the process logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	switch format := strings.ToLower(strings.TrimSpace(cfg.Format)); format {
	case "", formatText:
		return slog.New(charmLog.NewWithOptions(w, charmLog.Options{
			Level:           level,
			ReportTimestamp: true,
			ReportCaller:    cfg.AddSource,
			Formatter:       charmLog.TextFormatter,
		})), nil
	case formatJSON:
		return slog.New(&jsonHandler{
			out:       &lockedWriter{w: w},
			level:     slog.Level(level),
			addSource: cfg.AddSource,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// parseLevel accepts charmbracelet level names plus "warning"; empty means info.
// charmbracelet levels share slog's numeric values.
func parseLevel(input string) (charmLog.Level, error) {
	name := strings.ToLower(strings.TrimSpace(input))
	switch name {
	case "":
		return charmLog.InfoLevel, nil
	case "warning":
		return charmLog.WarnLevel, nil
	case "fatal":
		return 0, fmt.Errorf("unsupported log level %q", name)
	}

	level, err := charmLog.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("unsupported log level %q", name)
	}

	return level, nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) writeLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.w.Write(append(line, '\n'))
	return err
}

// jsonHandler renders one LogEntry per record. Attributes bound with WithAttrs are
// resolved once and copied into every entry.
type jsonHandler struct {
	out       *lockedWriter
	level     slog.Level
	addSource bool

	prefix    string
	component string
	adapter   string
	bound     map[string]any
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}

	entry := LogEntry{
		Level:     strings.ToLower(record.Level.String()),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		Component: h.component,
		Adapter:   h.adapter,
		Message:   record.Message,
	}

	fields := maps.Clone(h.bound)
	if fields == nil {
		fields = make(map[string]any, record.NumAttrs())
	}
	record.Attrs(func(attr slog.Attr) bool {
		h.collect(fields, &entry.Component, &entry.Adapter, attr)
		return true
	})
	if len(fields) > 0 {
		entry.Fields = fields
	}

	if h.addSource && record.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{record.PC}).Next()
		if frame.File != "" {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	return h.out.writeLine(line)
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.bound = maps.Clone(h.bound)
	if next.bound == nil {
		next.bound = make(map[string]any, len(attrs))
	}
	for _, attr := range attrs {
		h.collect(next.bound, &next.component, &next.adapter, attr)
	}

	return &next
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// collect stores attr under its group-qualified key, except top-level component and
// adapter strings which go to the entry itself.
func (h *jsonHandler) collect(fields map[string]any, component, adapter *string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	if h.prefix == "" && attr.Value.Kind() == slog.KindString {
		switch attr.Key {
		case "component":
			*component = attr.Value.String()
			return
		case "adapter":
			*adapter = attr.Value.String()
			return
		}
	}

	fields[h.prefix+attr.Key] = jsonValue(attr.Value)
}

func jsonValue(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		group := make(map[string]any)
		for _, item := range value.Group() {
			group[item.Key] = jsonValue(item.Value.Resolve())
		}
		return group
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}
