// Package telemetry builds the bridge's structured logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/walletbridge/internal/shared"
)

const redacted = "[REDACTED]"

// LogFile is the log file name under <home>/logs.
const LogFile = "bridge.jsonl"

// sensitiveKeys are attribute key fragments whose values are never logged.
var sensitiveKeys = []string{
	"token", "secret", "password", "passphrase", "authorization",
	"api_key", "apikey", "bearer", "private_key", "mnemonic", "seed",
}

// Sink owns the log file and the logger's level. Close releases the file.
type Sink struct {
	file  *os.File
	level *slog.LevelVar
}

func (s *Sink) Close() error {
	return s.file.Close()
}

// SetLevel changes the minimum level of every logger built on this sink.
func (s *Sink) SetLevel(level string) {
	s.level.Set(ParseLevel(level))
}

// Level reports the current minimum level.
func (s *Sink) Level() slog.Level {
	return s.level.Level()
}

// NewLogger returns a JSON logger writing to <homeDir>/logs/bridge.jsonl and,
// unless quiet, stdout.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *Sink, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}

	sink := &Sink{file: file, level: new(slog.LevelVar)}
	sink.SetLevel(level)

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       sink.level,
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "bridge", "trace_id", "-")
	return logger, sink, nil
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString {
		if v, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	}
	return a
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// redactValue blanks whole strings that carry credentials and masks
// secret-looking substrings in the rest.
func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
		return redacted, true
	}
	if r := shared.Redact(v); r != v {
		return r, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level; unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
