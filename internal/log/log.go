// Package log provides structured, colored logging for p2pkproxy.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	API       zerolog.Logger
	Proxy     zerolog.Logger
	Registry  zerolog.Logger
	ScanCache zerolog.Logger
	Scanner   zerolog.Logger
	Indexer   zerolog.Logger
	Node      zerolog.Logger
)

func init() {
	// Default to colored console output
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// FileOptions controls rotation of the log file sink.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Init initializes the logger with the given configuration.
// When file.Path is non-empty, logs are written to both the console (colored
// or JSON depending on jsonOutput) and a rotated file (always JSON).
func Init(level string, jsonOutput bool, file FileOptions) error {
	lvl := parseLevel(level)

	var consoleWriter io.Writer = os.Stdout
	if !jsonOutput {
		consoleWriter = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	if file.Path != "" {
		if file.MaxSizeMB <= 0 {
			file.MaxSizeMB = 100
		}
		// Surface permission problems now rather than on the first write.
		f, err := os.OpenFile(file.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		f.Close()

		rotator := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
			Compress:   file.Compress,
		}
		Logger = zerolog.New(zerolog.MultiLevelWriter(consoleWriter, rotator)).
			Level(lvl).
			With().
			Timestamp().
			Logger()
	} else {
		Logger = zerolog.New(consoleWriter).
			Level(lvl).
			With().
			Timestamp().
			Logger()
	}

	initComponentLoggers()
	return nil
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	API = WithComponent("api")
	Proxy = WithComponent("proxy")
	Registry = WithComponent("registry")
	ScanCache = WithComponent("scancache")
	Scanner = WithComponent("scan")
	Indexer = WithComponent("indexer")
	Node = WithComponent("node")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithAddress returns a logger with an address field.
func WithAddress(l zerolog.Logger, address string) zerolog.Logger {
	return l.With().Str("address", address).Logger()
}
