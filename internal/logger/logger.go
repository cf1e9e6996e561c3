// Package logger wires up the process-wide structured logger: a JSON
// log/slog handler writing through a lumberjack rotating file, following
// the shape of the monitoring agent this daemon was adapted from.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors slog's levels under names that read naturally from config.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps a config string to a Level, defaulting to LevelInfo for
// anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var (
	// Log is the process-wide structured logger.
	Log *slog.Logger

	logWriter *lumberjack.Logger
)

// Init sets up the global logger. An empty logPath logs to stderr, which
// is the expected mode when running under a process supervisor that
// captures stdio; a non-empty path rotates through lumberjack.
func Init(level Level, logPath string) {
	opts := &slog.HandlerOptions{Level: level.slogLevel()}

	var w io.Writer = os.Stderr
	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		logWriter = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
			Compress:   true,
		}
		w = logWriter
	}

	Log = slog.New(slog.NewJSONHandler(w, opts))
	slog.SetDefault(Log)
}

// Close flushes and closes the rotating log file, if one is in use.
func Close() {
	if logWriter != nil {
		_ = logWriter.Close()
	}
}

func logger() *slog.Logger {
	if Log != nil {
		return Log
	}
	return slog.Default()
}

func Debug(msg string, args ...any) { logger().Debug(msg, args...) }
func Info(msg string, args ...any)  { logger().Info(msg, args...) }
func Warn(msg string, args ...any)  { logger().Warn(msg, args...) }
func Error(msg string, args ...any) { logger().Error(msg, args...) }

// With returns a logger carrying the given attributes, for components that
// want to tag every line with a peer id or correlation id.
func With(args ...any) *slog.Logger { return logger().With(args...) }
