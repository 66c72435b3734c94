package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables that tune the process-wide logger.
const (
	envLevel = "OVERLAYCTL_LOG_LEVEL"
	envFile  = "OVERLAYCTL_LOG_FILE"
)

var (
	mu     sync.Mutex
	logger *zap.SugaredLogger
	file   *os.File
)

// Init initialises the global logger. It is safe to call multiple times; the
// first successful call wins.
//
// Lines are written to stderr in the format:
//
//	[utc-timestamp] - [LEVEL] - Message key=value ...
//
// When OVERLAYCTL_LOG_FILE is set the same lines are appended to that file so
// operators can review a partially-completed run afterwards.
func Init() error {
	mu.Lock()
	defer mu.Unlock()

	if logger != nil {
		return nil
	}

	lvl := parseLevel(os.Getenv(envLevel))
	enc := zapcore.NewConsoleEncoder(encoderConfig())

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}

	if logPath := strings.TrimSpace(os.Getenv(envFile)); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			// We can't rely on the logger yet, so emit a best-effort warning
			// directly to stderr and continue with stderr-only logging.
			ts := time.Now().UTC().Format(time.RFC3339)
			fmt.Fprintf(os.Stderr, "[%s] - [WARN] - failed to open log file %s: %v\n", ts, logPath, err)
		} else {
			file = f
			sinks = append(sinks, zapcore.AddSync(f))
		}
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), lvl)
	logger = zap.New(core).Sugar()
	return nil
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		ConsoleSeparator: " - ",
		EncodeTime: func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString("[" + t.UTC().Format(time.RFC3339) + "]")
		},
		EncodeLevel: func(l zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString("[" + l.CapitalString() + "]")
		},
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

func parseLevel(s string) zapcore.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the process-wide logger, initialising it on first use if needed.
func L() *zap.SugaredLogger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l != nil {
		return l
	}

	_ = Init()

	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Replace swaps the process-wide logger and returns a function restoring the
// previous one. Tests use it to capture log output.
func Replace(l *zap.SugaredLogger) func() {
	mu.Lock()
	defer mu.Unlock()

	prev := logger
	logger = l
	return func() {
		mu.Lock()
		defer mu.Unlock()
		logger = prev
	}
}

// Sync flushes buffered entries and closes the log file if one is open.
func Sync() {
	mu.Lock()
	defer mu.Unlock()

	if logger != nil {
		_ = logger.Sync()
	}
	if file != nil {
		_ = file.Close()
		file = nil
	}
}

// FormatHostMessage formats a log message with a host identifier.
// Format: "prefix [address - class] message"
// If class is blank: "prefix [address] message"
// Example: FormatHostMessage("→", "10.0.0.1", "public", "installing units")
//
//	-> "→ [10.0.0.1 - public] installing units"
func FormatHostMessage(prefix, address, class, message string) string {
	identifier := address
	if class != "" {
		identifier = address + " - " + class
	}
	return fmt.Sprintf("%s [%s] %s", prefix, identifier, message)
}
