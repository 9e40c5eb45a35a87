// Package logging provides categorized logging for tabula.
// Each subsystem logs through its own category; the sink is a zap logger.
// Until Initialize or SetBase is called every logger is a no-op, so library
// users that never configure logging pay nothing.
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
	CategoryBoot     Category = "boot"     // Startup, config loading
	CategoryRegistry Category = "registry" // Table registration, imputation
	CategoryOps      Category = "ops"      // Operation library
	CategoryParser   Category = "parser"   // Structured-output recovery
	CategoryExecutor Category = "executor" // Sequence execution
	CategorySandbox  Category = "sandbox"  // Generated code runs
	CategoryRepair   Category = "repair"   // Repair loop attempts
	CategoryLLM      Category = "llm"      // Generator calls
	CategoryPipeline Category = "pipeline" // Session orchestration
	CategoryIngest   Category = "ingest"   // Table loading
)

// Config controls the zap sink built by Initialize.
type Config struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // production JSON encoder instead of console
	File       string          // optional output path; stderr when empty
	Categories map[string]bool // explicit per-category switches; missing = enabled
}

// Logger wraps a zap sugared logger named after its category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the zap logger described by cfg and installs it.
func Initialize(cfg Config) error {
	var zcfg zap.Config
	if cfg.JSONFormat {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	}

	l, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	SetBase(l)
	SetCategories(cfg.Categories)

	Get(CategoryBoot).Debug("logging initialized level=%s json=%v", level, cfg.JSONFormat)
	return nil
}

// SetBase installs an already built zap logger (the CLI builds its own).
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	loggers = make(map[Category]*Logger)
}

// SetCategories replaces the per-category switches. nil enables everything.
func SetCategories(c map[string]bool) {
	mu.Lock()
	defer mu.Unlock()
	categories = c
	loggers = make(map[Category]*Logger)
}

// Base returns the installed zap logger.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes the installed logger.
func Sync() {
	_ = Base().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, exists := categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

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
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying structured key/value fields.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithSession creates a session-scoped logger so lines from concurrent
// sessions can be told apart.
func WithSession(category Category, sessionID string) *Logger {
	return Get(category).With("session", sessionID)
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Registry logs to the registry category
func Registry(format string, args ...interface{}) { Get(CategoryRegistry).Info(format, args...) }

// RegistryDebug logs debug to the registry category
func RegistryDebug(format string, args ...interface{}) { Get(CategoryRegistry).Debug(format, args...) }

// OpsDebug logs debug to the ops category
func OpsDebug(format string, args ...interface{}) { Get(CategoryOps).Debug(format, args...) }

// OpsWarn logs warning to the ops category
func OpsWarn(format string, args ...interface{}) { Get(CategoryOps).Warn(format, args...) }

// ParserDebug logs debug to the parser category
func ParserDebug(format string, args ...interface{}) { Get(CategoryParser).Debug(format, args...) }

// Executor logs to the executor category
func Executor(format string, args ...interface{}) { Get(CategoryExecutor).Info(format, args...) }

// ExecutorDebug logs debug to the executor category
func ExecutorDebug(format string, args ...interface{}) { Get(CategoryExecutor).Debug(format, args...) }

// ExecutorWarn logs warning to the executor category
func ExecutorWarn(format string, args ...interface{}) { Get(CategoryExecutor).Warn(format, args...) }

// Sandbox logs to the sandbox category
func Sandbox(format string, args ...interface{}) { Get(CategorySandbox).Info(format, args...) }

// SandboxDebug logs debug to the sandbox category
func SandboxDebug(format string, args ...interface{}) { Get(CategorySandbox).Debug(format, args...) }

// Repair logs to the repair category
func Repair(format string, args ...interface{}) { Get(CategoryRepair).Info(format, args...) }

// RepairWarn logs warning to the repair category
func RepairWarn(format string, args ...interface{}) { Get(CategoryRepair).Warn(format, args...) }

// LLMDebug logs debug to the llm category
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }

// LLMError logs error to the llm category
func LLMError(format string, args ...interface{}) { Get(CategoryLLM).Error(format, args...) }

// Ingest logs to the ingest category
func Ingest(format string, args ...interface{}) { Get(CategoryIngest).Info(format, args...) }

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
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
