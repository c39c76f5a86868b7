package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// redactedKeys are attribute keys whose values must never reach the log
// stream: webhook signatures, provider API keys and bearer tokens.
var redactedKeys = map[string]bool{
	"signature":     true,
	"x-signature":   true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"token":         true,
	"hmac_secret":   true,
}

const redacted = "[REDACTED]"

// NewLogger builds the service logger: JSON records by default, text when
// format is "text". Writes to stderr unless w is given.
func NewLogger(level, format string, w ...io.Writer) *slog.Logger {
	var writer io.Writer = os.Stderr
	if len(w) > 0 {
		writer = w[0]
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler = slog.NewJSONHandler(writer, opts)
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler)
}

func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		if strings.EqualFold(strings.TrimSpace(level), "warning") {
			return slog.LevelWarn
		}
		return slog.LevelInfo
	}
	return l
}
