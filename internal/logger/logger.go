package logger

import (
	"io"
	"log/slog"
	"os"

	"clinical-fhir-extractor/internal/config"
)

var Logger *slog.Logger

// InitLogger initializes structured logging based on configuration and makes
// it the slog default so components built with a nil logger share it.
func InitLogger(cfg *config.Config) *slog.Logger {
	Logger = New(os.Stdout, cfg.GinMode)
	slog.SetDefault(Logger)

	if cfg.GinMode == "debug" {
		Logger.Debug("Structured logging initialized", "level", slog.LevelDebug.String())
	} else {
		Logger.Info("Structured logging initialized", "level", slog.LevelInfo.String())
	}
	return Logger
}

// New builds a JSON logger; debug mode lowers the level and adds source.
func New(w io.Writer, ginMode string) *slog.Logger {
	level := slog.LevelInfo
	if ginMode == "debug" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: ginMode == "debug", // Only add source in debug mode
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
