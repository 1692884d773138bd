package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"chatbridge/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "channel.bridge", "adapter", "slack").Info("Published message", "message_id", "42", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Published message" {
		t.Fatalf("message = %q, want %q", entry.Message, "Published message")
	}
	if entry.Component != "channel.bridge" {
		t.Fatalf("component = %q, want %q", entry.Component, "channel.bridge")
	}
	if entry.Adapter != "slack" {
		t.Fatalf("adapter = %q, want %q", entry.Adapter, "slack")
	}
	if _, ok := entry.Fields["adapter"]; ok {
		t.Fatal("adapter should not be repeated in fields")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if got := entry.Fields["message_id"]; got != "42" {
		t.Fatalf("fields.message_id = %v, want %q", got, "42")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerIgnoresEnvironment(t *testing.T) {
	t.Setenv("CHATBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("CHATBRIDGE_LOG_FORMAT", "text")

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug suppressed")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected config level to apply, got %q", got)
	}

	log.Error("Kept")
	if line := strings.TrimSpace(out.String()); !strings.HasPrefix(line, "{") {
		t.Fatalf("expected json format from config, got %q", line)
	}
}

func TestLoggerGroupsAndCaller(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "warning", AddSource: true}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.WithGroup("reply").Warn("Retrying", "attempt", 2, "component", "nested")

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["reply.attempt"]; got != float64(2) {
		t.Fatalf("fields.reply.attempt = %v, want 2", got)
	}
	if got := entry.Fields["reply.component"]; got != "nested" {
		t.Fatalf("grouped component should stay in fields, got %v", got)
	}
	if entry.Component != "" {
		t.Fatalf("component = %q, want empty", entry.Component)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Fatalf("caller = %q, want logger_test.go:<line>", entry.Caller)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerRejectsUnknownSettings(t *testing.T) {
	var out bytes.Buffer
	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &out); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, err := newWithWriter(config.LoggingConfig{Level: "verbose"}, &out); err == nil {
		t.Fatal("expected error for unsupported level")
	}
	if _, err := newWithWriter(config.LoggingConfig{Level: "fatal"}, &out); err == nil {
		t.Fatal("expected error for unsupported level")
	}
}
