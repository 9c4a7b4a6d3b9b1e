package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chfs-io/chfs/internal/config"
)

// ParseLevel converts a config level string to a slog level,
// defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// SetupLogRotation configures slog from the logging section. With no
// file configured output goes to the console only; otherwise records
// are written to both the console and a rotated file. The returned
// leveler follows hot-reloaded level changes.
func SetupLogRotation(logConfig config.LogConfig) (*slog.Logger, *DynamicLeveler) {
	var writer io.Writer = os.Stdout

	if logConfig.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logConfig.File,
			MaxSize:    logConfig.MaxSizeMB,
			MaxBackups: logConfig.BackupCount,
		}
		writer = io.MultiWriter(os.Stdout, fileWriter)
	}

	leveler := &DynamicLeveler{}
	leveler.SetLevel(ParseLevel(logConfig.Level))

	opts := &slog.HandlerOptions{Level: leveler}
	var handler slog.Handler
	if logConfig.JSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(WrapHandler(handler)), leveler
}
