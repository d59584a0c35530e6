package logger

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var zapLevels = map[Level]zapcore.Level{
	DEBUG: zapcore.DebugLevel,
	INFO:  zapcore.InfoLevel,
	WARN:  zapcore.WarnLevel,
	ERROR: zapcore.ErrorLevel,
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	}
	return INFO
}

// Logger provides structured JSON logging with optional PII redaction.
type Logger struct {
	mu        sync.RWMutex
	level     zap.AtomicLevel
	zl        *zap.Logger
	redactPII bool
}

func newLogger(level Level, redact bool, sink zapcore.WriteSyncer) *Logger {
	atom := zap.NewAtomicLevelAt(zapLevels[level])
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, atom)
	return &Logger{level: atom, zl: zap.New(core), redactPII: redact}
}

var defaultLogger = newLogger(INFO, true, zapcore.Lock(os.Stderr))

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.level.SetLevel(zapLevels[l]) }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// SetOutput redirects the default logger, keeping level and redaction.
func SetOutput(sink zapcore.WriteSyncer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	defaultLogger.zl = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, defaultLogger.level))
}

// Sync flushes buffered entries. Call before exit.
func Sync() { _ = defaultLogger.zl.Sync() }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

// Printf adapts the logger to APIs expecting a printf-style sink.
func Printf(format string, args ...interface{}) {
	defaultLogger.log(INFO, fmt.Sprintf(format, args...))
}

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	zl, redact := l.zl, l.redactPII
	l.mu.RUnlock()

	ce := zl.Check(zapLevels[level], msg)
	if ce == nil {
		return
	}

	// Parse key-value pairs from fields
	zf := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if err, ok := fields[i+1].(error); ok {
			val := err.Error()
			if redact {
				val = redactPIIValue(key, val)
			}
			zf = append(zf, zap.String(key, val))
			continue
		}
		val := fmt.Sprintf("%v", fields[i+1])
		if redact {
			val = redactPIIValue(key, val)
		}
		zf = append(zf, zap.String(key, val))
	}
	ce.Write(zf...)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// Redact email fields
	if strings.Contains(key, "email") || strings.Contains(key, "subscriber") {
		return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
	}
	// Verification codes never reach the logs.
	if strings.Contains(key, "code") && !strings.Contains(key, "status") {
		return "******"
	}
	// Redact any embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
