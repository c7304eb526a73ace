// Package logging provides categorized loggers for humanbrowse.
// Every category is a named child of one process-wide zap logger that the
// CLI installs at startup; until then all output is discarded.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config loading
	CategoryConfig    Category = "config"    // Config reloads
	CategoryBrowser   Category = "browser"   // CDP connection, page driver
	CategorySession   Category = "session"   // Session registry lifecycle
	CategoryRun       Category = "run"       // Step execution
	CategoryArtifacts Category = "artifacts" // Run directories, records
	CategoryServer    Category = "server"    // HTTP API
	CategoryStore     Category = "store"     // Session journal
)

// Logger wraps a named zap logger with printf-style helpers.
type Logger struct {
	category Category
	zl       *zap.Logger
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	loggers = make(map[Category]*Logger)
)

// Initialize installs the process logger. Category loggers created before
// the call are rebuilt on next use.
func Initialize(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	loggers = make(map[Category]*Logger)
}

// New builds a production zap logger. level is one of debug/info/warn/error;
// format "console" switches to the human-readable encoder.
func New(level, format string, verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(strings.ToLower(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Base returns the process logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Get returns the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	zl := base.Named(string(category))
	l := &Logger{category: category, zl: zl, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// Zap exposes the structured logger for call sites that attach fields.
func (l *Logger) Zap() *zap.Logger { return l.zl }

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	zl := l.zl.With(fields...)
	return &Logger{category: l.category, zl: zl, sugar: zl.Sugar()}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Sync flushes the process logger.
func Sync() {
	_ = Base().Sync()
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Config(format string, args ...interface{})     { Get(CategoryConfig).Info(format, args...) }
func ConfigWarn(format string, args ...interface{}) { Get(CategoryConfig).Warn(format, args...) }

func Browser(format string, args ...interface{})      { Get(CategoryBrowser).Info(format, args...) }
func BrowserDebug(format string, args ...interface{}) { Get(CategoryBrowser).Debug(format, args...) }
func BrowserWarn(format string, args ...interface{})  { Get(CategoryBrowser).Warn(format, args...) }

func Session(format string, args ...interface{})      { Get(CategorySession).Info(format, args...) }
func SessionDebug(format string, args ...interface{}) { Get(CategorySession).Debug(format, args...) }
func SessionWarn(format string, args ...interface{})  { Get(CategorySession).Warn(format, args...) }

func Run(format string, args ...interface{})      { Get(CategoryRun).Info(format, args...) }
func RunDebug(format string, args ...interface{}) { Get(CategoryRun).Debug(format, args...) }
func RunWarn(format string, args ...interface{})  { Get(CategoryRun).Warn(format, args...) }

func ArtifactsDebug(format string, args ...interface{}) {
	Get(CategoryArtifacts).Debug(format, args...)
}
func ArtifactsWarn(format string, args ...interface{}) { Get(CategoryArtifacts).Warn(format, args...) }

func Server(format string, args ...interface{})     { Get(CategoryServer).Info(format, args...) }
func ServerWarn(format string, args ...interface{}) { Get(CategoryServer).Warn(format, args...) }

func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }
func StoreWarn(format string, args ...interface{})  { Get(CategoryStore).Warn(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
