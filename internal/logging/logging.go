// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "options-desk", "logs", "optdesk.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	// Console writer
	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			FormatLevel: func(i interface{}) string {
				if ll, ok := i.(string); ok {
					switch ll {
					case "debug":
						return "\033[36mDBG\033[0m"
					case "info":
						return "\033[32mINF\033[0m"
					case "warn":
						return "\033[33mWRN\033[0m"
					case "error":
						return "\033[31mERR\033[0m"
					default:
						return ll
					}
				}
				return "???"
			},
		}
		writers = append(writers, consoleWriter)
	}

	// File writer with rotation
	if cfg.File {
		// Ensure log directory exists
		logDir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(logDir, 0755); err == nil {
			fileWriter := &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			}
			writers = append(writers, fileWriter)
		}
	}

	// Create multi-writer
	var writer io.Writer
	if len(writers) == 0 {
		writer = io.Discard
	} else if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = zerolog.MultiLevelWriter(writers...)
	}

	// Set log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Create logger
	logger := zerolog.New(writer).
		With().
		Timestamp().
		Caller().
		Logger()

	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithPosition adds a position ID to the logger context.
func WithPosition(logger zerolog.Logger, positionID string) zerolog.Logger {
	return logger.With().Str("position_id", positionID).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// LogHedge logs an executed hedge trade. logger is expected to carry the
// position (see WithPosition).
func LogHedge(logger zerolog.Logger, kind string, shares, price, cost float64) {
	logger.Info().
		Str("event", "hedge").
		Str("hedge_type", kind).
		Float64("shares", shares).
		Float64("price", price).
		Float64("cost", cost).
		Msg("Hedge executed")
}

// LogPosition logs a position lifecycle change.
func LogPosition(logger zerolog.Logger, symbol, status string, quantity int) {
	logger.Info().
		Str("event", "position").
		Str("symbol", symbol).
		Str("status", status).
		Int("quantity", quantity).
		Msg("Position update")
}

// LogSnapshot logs a stored P&L snapshot.
func LogSnapshot(logger zerolog.Logger, underlying, totalPnL float64) {
	logger.Debug().
		Str("event", "snapshot").
		Float64("underlying_price", underlying).
		Float64("total_pnl", totalPnL).
		Msg("P&L snapshot recorded")
}

// LogBreach logs a risk limit violation.
func LogBreach(logger zerolog.Logger, limit, severity string, current, max float64) {
	logger.Warn().
		Str("event", "risk_breach").
		Str("limit", limit).
		Str("severity", severity).
		Float64("current", current).
		Float64("limit_value", max).
		Msg("Risk limit breached")
}

// LogBatchFailure logs one item that failed inside a batch operation.
func LogBatchFailure(logger zerolog.Logger, itemID string, err error) {
	logger.Warn().
		Str("event", "batch_failure").
		Str("item", itemID).
		Err(err).
		Msg("Batch item skipped")
}

// LogQuoteFetch logs a market data lookup.
func LogQuoteFetch(logger zerolog.Logger, source string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "quote_fetch").
		Str("source", source).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("Quote fetch failed")
	} else {
		event.Msg("Quote fetch completed")
	}
}
