package observability

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThousifMd/api-lens-backend-sub001/pkg/types"
)

func newTestLogger(buf *bytes.Buffer, level slog.Leveler, redactor *Redactor) *Logger {
	return NewLogger(LoggerConfig{Level: level, Output: buf, JSONFormat: true}, redactor)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, NewRedactor())

	if logger.Slog() == nil {
		t.Fatal("expected non-nil underlying logger")
	}
	if logger.redactor == nil {
		t.Error("expected non-nil redactor")
	}
}

func TestLogger_LevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := newTestLogger(&buf, level, nil)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn, got %s", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected debug output after level change, got %s", buf.String())
	}
}

func TestLogger_RedactsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, NewRedactor())

	logger.Info("API key is sk-1234567890abcdefghijklmnop",
		"upstream", "Authorization: Bearer abc.def",
		"api_key", "plain-value",
		"input_tokens", 12,
		"error", errors.New("failed with key sk-ant-REDACTED"),
	)

	out := buf.String()
	for _, leaked := range []string{"sk-1234567890", "abc.def", "plain-value", "sk-ant-api03"} {
		if strings.Contains(out, leaked) {
			t.Errorf("expected %q to be redacted, got %s", leaked, out)
		}
	}
	if !strings.Contains(out, `"input_tokens":12`) {
		t.Errorf("numeric attributes must survive, got %s", out)
	}
}

func TestLogger_RedactsWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, NewRedactor())

	logger.With("token", "raw-token").
		Info("grouped", slog.Group("req", slog.String("note", "mail test@example.com")))

	out := buf.String()
	if strings.Contains(out, "raw-token") || strings.Contains(out, "test@example.com") {
		t.Errorf("expected redaction through With and groups, got %s", out)
	}
}

func TestLogger_NoRedactor(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, nil)
	logger.Info("API key is sk-1234567890abcdefghijklmnop")

	if !strings.Contains(buf.String(), "sk-1234567890") {
		t.Errorf("expected no redaction without redactor")
	}
}

func TestRequestAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, slog.LevelInfo, nil)

	rc := &types.RequestContext{RequestID: "r1", TenantID: "t1", Vendor: "openai", Model: "gpt-4o"}
	logger.With(RequestAttrs(rc)...).Info("done")

	out := buf.String()
	for _, want := range []string{`"request_id":"r1"`, `"tenant_id":"t1"`, `"vendor":"openai"`, `"model":"gpt-4o"`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
	if RequestAttrs(nil) != nil {
		t.Error("expected nil attrs for nil context")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: slog.LevelInfo, Output: &buf}, nil)
	logger.Info("test message")

	if strings.Contains(buf.String(), "{") {
		t.Errorf("expected text format, got JSON-like output: %s", buf.String())
	}
}
