// Package logging configures structured logging and keeps sensitive
// payload values out of log output.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup builds the process logger. format is "json" or "text".
func Setup(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// sensitiveFields are payload field names whose values are masked before
// reaching log output. Collector payloads can carry credential material
// (for example an auth auditor echoing a config line).
var sensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"access_token":  true,
	"private_key":   true,
	"credentials":   true,
	"authorization": true,
}

// MaskedValue replaces sensitive values in logs.
const MaskedValue = "[REDACTED]"

// Sensitive reports whether a payload field name should be masked.
func Sensitive(field string) bool {
	lower := strings.ToLower(field)
	if sensitiveFields[lower] {
		return true
	}
	for name := range sensitiveFields {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}

// MaskPayload returns a copy of a payload safe for logging.
func MaskPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if Sensitive(k) {
			out[k] = MaskedValue
			continue
		}
		out[k] = v
	}
	return out
}
