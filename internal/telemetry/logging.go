package telemetry

import (
	"io"
	"log/slog"
	"strings"

	"github.com/af-corp/tierproxy/internal/config"
	charmlog "github.com/charmbracelet/log"
)

// NewLogger builds the process logger. "json" writes slog JSON lines;
// "text" uses charmbracelet/log as the slog handler for terminals.
func NewLogger(w io.Writer, cfg config.TelemetryConfig) *slog.Logger {
	level := parseLevel(cfg.LogLevel)
	if cfg.LogFormat == "text" {
		handler := charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
			Level:           charmLevel(level),
		})
		return slog.New(handler)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func charmLevel(l slog.Level) charmlog.Level {
	switch l {
	case slog.LevelDebug:
		return charmlog.DebugLevel
	case slog.LevelWarn:
		return charmlog.WarnLevel
	case slog.LevelError:
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}
