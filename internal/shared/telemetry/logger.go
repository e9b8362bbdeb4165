package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	base     *zap.Logger
	initOnce sync.Once
)

func logger() *zap.Logger {
	initOnce.Do(func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if base == nil {
			base = newZap(os.Getenv("LOG_LEVEL"))
		}
	})
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return base
}

func newZap(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	l, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: build zap logger: %v\n", err)
		return zap.NewNop()
	}
	return l
}

func parseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// SetLogger replaces the process logger. Tests use zap.NewNop or an observer core.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	initOnce.Do(func() {})
	loggerMu.Lock()
	base = l
	loggerMu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger().Sync()
}

// Debug writes a debug-level log line with the given fields.
func Debug(msg string, fields map[string]any) {
	logger().Debug(msg, toZapFields(fields)...)
}

// Info writes an info-level log line with the given fields.
func Info(msg string, fields map[string]any) {
	logger().Info(msg, toZapFields(fields)...)
}

// Warn writes a warn-level log line with the given fields.
func Warn(msg string, fields map[string]any) {
	logger().Warn(msg, toZapFields(fields)...)
}

// Error writes an error-level log line with the given fields.
func Error(msg string, fields map[string]any) {
	logger().Error(msg, toZapFields(fields)...)
}

func toZapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, sanitizeValue(strings.ToLower(k), fields[k])))
	}
	return out
}

func sanitizeValue(key string, val any) any {
	if err, ok := val.(error); ok && err != nil {
		return err.Error()
	}
	switch {
	case strings.Contains(key, "token"),
		strings.Contains(key, "authorization"),
		strings.Contains(key, "password"),
		strings.Contains(key, "secret"),
		strings.Contains(key, "api_key"):
		return "[REDACTED]"
	case key == "user_id" && hashUserIDs():
		return hashValue(val)
	}
	return val
}

func hashUserIDs() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_HASH_USER_IDS"))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func hashValue(val any) string {
	raw := strings.TrimSpace(fmt.Sprint(val))
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(os.Getenv("LOG_HASH_SALT") + raw))
	return "hash:" + hex.EncodeToString(sum[:])[:12]
}
