package logger

import (
	"io"
	"log/slog"
	"strings"
)

var levelVar = new(slog.LevelVar)

// Init installs a JSON slog handler writing to w as the process default and
// returns it.
func Init(w io.Writer, lvl string) *slog.Logger {
	SetLevel(lvl)
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(l)
	return l
}

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	levelVar.Set(ParseLevel(lvl))
}

func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
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
