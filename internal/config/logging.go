package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// SetupLogging configures the global slog logger based on args
// Returns the log file handle (caller must close it) or nil if no file
func SetupLogging(args Args) (*os.File, error) {
	var output io.Writer = os.Stderr
	var logFile *os.File

	// A log file takes over from stderr, which then only carries errors
	// of the command itself.
	if args.Log != "" {
		f, err := os.OpenFile(args.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		logFile = f
		output = f
	}

	format := args.LogFormat
	if format == "auto" || format == "" {
		format = autoFormat(logFile == nil && isTerminal(os.Stderr))
	}
	slog.SetDefault(slog.New(newHandler(output, format, parseLogLevel(args.LogLevel))))

	return logFile, nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// autoFormat picks human-readable logs for terminals and JSON otherwise.
func autoFormat(terminal bool) string {
	if terminal {
		return "text"
	}
	return "json"
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}
	if opts.Level == slog.LevelDebug {
		opts.AddSource = true
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// parseLogLevel converts string to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
