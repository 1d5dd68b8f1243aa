// Package logging provides config-driven categorized logging for the policy kernel.
// Logs are written to .nerd/logs/ with separate files per category.
// File logging is controlled by debug mode; warnings and errors always reach stderr.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	// Core system categories
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategoryPerformance Category = "performance" // Slow operations
	CategoryKernel      Category = "kernel"      // Evaluator and decision queries
	CategoryMangle      Category = "mangle"      // Rule compilation and stratification
	CategoryStore       Category = "store"       // Fact store and learnings store

	// Policy categories
	CategoryContext      Category = "context"      // Activation and context selection
	CategoryConstitution Category = "constitution" // Permission gate and appeals
	CategoryCampaign     Category = "campaign"     // Campaign scheduling
	CategoryVerification Category = "verification" // Verification attempts

	// Runtime categories
	CategoryShards Category = "shards" // Shard dispatch and lifecycle
	CategoryCycle  Category = "cycle"  // OODA cycle driver
	CategoryAPI    Category = "api"    // HTTP decision API
	CategoryAudit  Category = "audit"  // Mangle-queryable audit trail
)

// Options configures Initialize. It mirrors config.LoggingConfig so that
// this package stays free of config imports.
type Options struct {
	Workspace  string
	DebugMode  bool
	Level      string
	JSON       bool
	Categories map[string]bool
}

// Logger writes to a single category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	files     []*os.File
	logsDir   string
	opts      Options
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	console   zapcore.Core
	ready     bool
)

// Initialize sets up the logging directory and category filters.
// Should be called once at startup. Before it runs every logger is a no-op.
func Initialize(o Options) error {
	if o.Workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	loggersMu.Lock()
	for _, f := range files {
		_ = f.Close()
	}
	files = nil
	loggers = make(map[Category]*Logger)
	opts = o
	logsDir = filepath.Join(o.Workspace, ".nerd", "logs")
	if err := level.UnmarshalText([]byte(o.Level)); err != nil || o.Level == "" {
		level.SetLevel(zapcore.InfoLevel)
	}
	if o.DebugMode {
		level.SetLevel(zapcore.DebugLevel)
	}
	console = zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.WarnLevel,
	)
	ready = true
	loggersMu.Unlock()

	if !o.DebugMode {
		return nil
	}
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== logging initialized ===")
	boot.Info("Workspace: %s", o.Workspace)
	boot.Info("Logs directory: %s", logsDir)
	if len(o.Categories) > 0 {
		enabled := 0
		for _, on := range o.Categories {
			if on {
				enabled++
			}
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(o.Categories))
	}
	return nil
}

// IsDebugMode returns whether file logging is enabled.
func IsDebugMode() bool {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	return ready && opts.DebugMode
}

// IsCategoryEnabled returns whether a specific category writes its file log.
func IsCategoryEnabled(category Category) bool {
	loggersMu.RLock()
	defer loggersMu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if !ready || !opts.DebugMode {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	return !exists || enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if !ready {
		// Not cached: a later Initialize must be able to replace it.
		return &Logger{category: category, sugar: zap.NewNop().Sugar()}
	}

	cores := []zapcore.Core{console}
	if categoryEnabledLocked(category) {
		if core, err := fileCore(category); err != nil {
			fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
		} else {
			cores = append(cores, core)
		}
	}
	l := &Logger{
		category: category,
		sugar:    zap.New(zapcore.NewTee(cores...)).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func fileCore(category Category) (zapcore.Core, error) {
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}
	files = append(files, f)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(f), level), nil
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.Desugar().With(fields...).Sugar()}
}

// Zap exposes the underlying structured logger.
func (l *Logger) Zap() *zap.Logger { return l.sugar.Desugar() }

// CloseAll flushes and closes every category file.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
	for _, f := range files {
		_ = f.Close()
	}
	files = nil
	loggers = make(map[Category]*Logger)
	ready = false
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Kernel(format string, args ...interface{})      { Get(CategoryKernel).Info(format, args...) }
func KernelDebug(format string, args ...interface{}) { Get(CategoryKernel).Debug(format, args...) }
func KernelWarn(format string, args ...interface{})  { Get(CategoryKernel).Warn(format, args...) }
func KernelError(format string, args ...interface{}) { Get(CategoryKernel).Error(format, args...) }

func Mangle(format string, args ...interface{})      { Get(CategoryMangle).Info(format, args...) }
func MangleDebug(format string, args ...interface{}) { Get(CategoryMangle).Debug(format, args...) }

func Store(format string, args ...interface{})      { Get(CategoryStore).Info(format, args...) }
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

func Context(format string, args ...interface{})      { Get(CategoryContext).Info(format, args...) }
func ContextDebug(format string, args ...interface{}) { Get(CategoryContext).Debug(format, args...) }

func Constitution(format string, args ...interface{}) {
	Get(CategoryConstitution).Info(format, args...)
}

func ConstitutionDebug(format string, args ...interface{}) {
	Get(CategoryConstitution).Debug(format, args...)
}

func Campaign(format string, args ...interface{})      { Get(CategoryCampaign).Info(format, args...) }
func CampaignDebug(format string, args ...interface{}) { Get(CategoryCampaign).Debug(format, args...) }
func CampaignWarn(format string, args ...interface{})  { Get(CategoryCampaign).Warn(format, args...) }

func Verification(format string, args ...interface{}) {
	Get(CategoryVerification).Info(format, args...)
}

func VerificationDebug(format string, args ...interface{}) {
	Get(CategoryVerification).Debug(format, args...)
}

func Shards(format string, args ...interface{})      { Get(CategoryShards).Info(format, args...) }
func ShardsDebug(format string, args ...interface{}) { Get(CategoryShards).Debug(format, args...) }
func ShardsWarn(format string, args ...interface{})  { Get(CategoryShards).Warn(format, args...) }

func Cycle(format string, args ...interface{})      { Get(CategoryCycle).Info(format, args...) }
func CycleDebug(format string, args ...interface{}) { Get(CategoryCycle).Debug(format, args...) }
func CycleWarn(format string, args ...interface{})  { Get(CategoryCycle).Warn(format, args...) }

func API(format string, args ...interface{})      { Get(CategoryAPI).Info(format, args...) }
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }

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

// StopWithThreshold logs a performance warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("%s/%s took %v (threshold: %v)", t.category, t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
