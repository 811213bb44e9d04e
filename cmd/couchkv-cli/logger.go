package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"
)

// initLogger builds the CLI logger and the slog logger handed to the client.
// Both write to stderr, plus the rolling log file when enabled.
func initLogger(cfg *Logging) (zerolog.Logger, *slog.Logger) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Msgf("Unknown Level String: '%s', defaulting to InfoLevel", cfg.Level)
		logLevel = zerolog.InfoLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	libraryOut := io.Writer(os.Stderr)

	if cfg.FileLoggingEnabled {
		w, err := newRollingLogFile(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Unable to init file logger")
		} else {
			writers = append(writers, w)
			libraryOut = w
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(logLevel).
		With().Timestamp().Logger()

	handler := slog.NewJSONHandler(libraryOut, &slog.HandlerOptions{Level: slogLevel(logLevel)})
	return logger, slog.New(handler).With("component", "couchkv")
}

func newRollingLogFile(cfg *Logging) (io.Writer, error) {
	dir := path.Dir(cfg.Filename)
	if unix.Access(dir, unix.W_OK) != nil {
		return nil, fmt.Errorf("no permissions to write logs to dir: %s", dir)
	}

	return &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxBackups: cfg.MaxBackups,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
	}, nil
}

func slogLevel(level zerolog.Level) slog.Level {
	switch {
	case level <= zerolog.DebugLevel:
		return slog.LevelDebug
	case level == zerolog.InfoLevel:
		return slog.LevelInfo
	case level == zerolog.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
