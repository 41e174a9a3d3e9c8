package logging

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel holds the root logger severity threshold.
const EnvLogLevel = "APP_LOG_LEVEL"

// DefaultLevel is used when the configured level is missing or invalid.
const DefaultLevel = zapcore.InfoLevel

// Root is a process-wide logger built as a tee of one core per severity level.
// A level is attached at most once.
type Root struct {
	mu     sync.Mutex
	out    zapcore.WriteSyncer
	levels []zapcore.Level
	cores  []zapcore.Core
	logger *zap.Logger
}

// NewRoot creates a Root writing to out with no cores attached.
func NewRoot(out zapcore.WriteSyncer) *Root {
	return &Root{
		out:    out,
		logger: zap.NewNop(),
	}
}

// Attach adds a core at level unless one is already attached at that level
// and returns the resulting logger.
func (r *Root) Attach(level zapcore.Level) *zap.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.Contains(r.levels, level) {
		return r.logger
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), r.out, zap.NewAtomicLevelAt(level))
	r.levels = append(r.levels, level)
	r.cores = append(r.cores, core)
	r.logger = zap.New(zapcore.NewTee(r.cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return r.logger
}

// Levels reports the levels that currently have a core attached.
func (r *Root) Levels() []zapcore.Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.levels)
}

// Logger returns the current root logger.
func (r *Root) Logger() *zap.Logger {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logger
}

var root = NewRoot(zapcore.Lock(os.Stdout))

// Setup configures the process-wide root logger to emit JSON to stdout at the
// given level and installs it as the zap global. Unknown levels fall back to
// DefaultLevel. Repeated calls with the same level do not add output.
func Setup(rawLevel string) *zap.Logger {
	level, _ := ParseLevel(rawLevel)
	logger := root.Attach(level)
	zap.ReplaceGlobals(logger)
	return logger
}

// Process returns the process-wide Root used by Setup.
func Process() *Root {
	return root
}

// ParseLevel accepts zap level names, the aliases "warning" and "critical",
// and the numeric levels 10/20/30/40/50. ok is false when raw is not
// recognised, in which case DefaultLevel is returned.
func ParseLevel(raw string) (level zapcore.Level, ok bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return DefaultLevel, false
	}

	if n, err := strconv.Atoi(raw); err == nil {
		switch {
		case n <= 10:
			return zapcore.DebugLevel, true
		case n <= 20:
			return zapcore.InfoLevel, true
		case n <= 30:
			return zapcore.WarnLevel, true
		case n <= 40:
			return zapcore.ErrorLevel, true
		default:
			return zapcore.FatalLevel, true
		}
	}

	switch raw {
	case "warning":
		return zapcore.WarnLevel, true
	case "critical":
		return zapcore.FatalLevel, true
	}

	parsed, err := zapcore.ParseLevel(raw)
	if err != nil {
		return DefaultLevel, false
	}
	return parsed, true
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.StacktraceKey = "stacktrace"
	return cfg
}
