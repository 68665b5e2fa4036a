// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       false,
		FilePath:   filepath.Join("logs", "realtime.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger returns a console logger at info level.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig builds a logger from cfg. Console output goes to
// stderr so command output on stdout stays machine readable. An unknown
// level falls back to info.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var sinks []io.Writer
	switch {
	case cfg.Console && cfg.JSON:
		sinks = append(sinks, os.Stderr)
	case cfg.Console:
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if cfg.File {
		if rotating := rotatingFile(cfg); rotating != nil {
			sinks = append(sinks, rotating)
		}
	}

	var out io.Writer = os.Stderr
	if len(sinks) == 1 {
		out = sinks[0]
	} else if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// rotatingFile returns nil when the log directory cannot be created.
func rotatingFile(cfg LogConfig) io.Writer {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
}

// ContextKey is the type for context keys.
type ContextKey string

const (
	// LoggerKey is the context key for the logger.
	LoggerKey ContextKey = "logger"
	// RequestIDKey is the context key for request ID.
	RequestIDKey ContextKey = "request_id"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithComponent tags the logger with a component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithConnection tags the logger with a socket's id and remote address.
func WithConnection(logger zerolog.Logger, connectionID, clientIP string) zerolog.Logger {
	return logger.With().Str("connection_id", connectionID).Str("client_ip", clientIP).Logger()
}

// WithPortfolio adds a portfolio ID to the logger context.
func WithPortfolio(logger zerolog.Logger, portfolioID string) zerolog.Logger {
	return logger.With().Str("portfolio_id", portfolioID).Logger()
}

// LogAlert logs an alert trigger.
func LogAlert(logger zerolog.Logger, portfolioID, alertType, symbol, severity string, value float64) {
	logger.Info().
		Str("event", "alert").
		Str("portfolio_id", portfolioID).
		Str("alert_type", alertType).
		Str("symbol", symbol).
		Str("severity", severity).
		Float64("value", value).
		Msg("Alert triggered")
}

// LogAnalysis logs the completion of an analysis pass.
func LogAnalysis(logger zerolog.Logger, portfolioID, trigger string, insights, recommendations int, duration time.Duration) {
	logger.Debug().
		Str("event", "analysis").
		Str("portfolio_id", portfolioID).
		Str("trigger", trigger).
		Int("insights", insights).
		Int("recommendations", recommendations).
		Dur("duration", duration).
		Msg("Analysis pass completed")
}

// LogProviderCall logs an upstream provider call.
func LogProviderCall(logger zerolog.Logger, provider string, symbols int, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "provider_call").
		Str("provider", provider).
		Int("symbols", symbols).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("Provider call failed")
	} else {
		event.Msg("Provider call completed")
	}
}
