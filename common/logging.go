package common

import (
	"io"
	"log/slog"
	"os"
)

type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string

	// Output defaults to stdout.
	Output io.Writer
}

func LoggerText(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func LoggerJSON(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	if opts.JSON {
		log = LoggerJSON(out, logLevel)
	} else {
		log = LoggerText(out, logLevel)
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}

	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}

	return log
}
