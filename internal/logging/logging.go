// Package logging configures the process-wide slog logger from a level name.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
)

type Config struct {
	Level string
}

// ParseLevel maps a configured level name onto slog. Unknown names log at info.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case LevelError:
		return slog.LevelError
	case LevelWarning:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func IsDebug(name string) bool {
	return strings.ToUpper(name) == LevelDebug
}

// Init installs a text handler on stdout as the default logger.
func Init(level string) {
	InitTo(os.Stdout, level)
}

func InitTo(w io.Writer, level string) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	slog.SetDefault(slog.New(handler))
}
