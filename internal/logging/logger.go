// Package logging provides the categorized logging facade used across
// recall. Every subsystem logs through a named category; the backing
// implementation is zap. Until Init is called the facade is a no-op, which
// keeps tests quiet.
package logging

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup and lifecycle
	CategoryVolume    Category = "volume"    // volume store appends/loads
	CategoryScope     Category = "scope"     // working memory per tenant
	CategoryIndex     Category = "index"     // inverted/ngram/metadata/entity indexes
	CategoryVector    Category = "vector"    // vector index operations
	CategoryEmbedding Category = "embedding" // embedding backends
	CategoryGraph     Category = "graph"     // knowledge graph
	CategoryExtract   Category = "extract"   // entity/relation extraction
	CategoryRetrieval Category = "retrieval" // funnel pipeline
	CategoryContext   Category = "context"   // context building
	CategoryBudget    Category = "budget"    // LLM cost accounting
	CategoryMaintain  Category = "maintain"  // background maintenance
	CategoryEngine    Category = "engine"    // engine facade
	CategoryServer    Category = "server"    // HTTP API
	CategoryMCP       Category = "mcp"       // MCP tool server
)

var (
	mu      sync.RWMutex
	base    *zap.SugaredLogger
	loggers = make(map[Category]*Logger)
)

// Init configures the backing zap logger. level is one of
// debug/info/warn/error; development selects the console encoder.
func Init(level string, development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	var zlevel zapcore.Level
	switch level {
	case "debug":
		zlevel = zapcore.DebugLevel
	case "info", "":
		zlevel = zapcore.InfoLevel
	case "warn", "warning":
		zlevel = zapcore.WarnLevel
	case "error":
		zlevel = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level: %q", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(zlevel)

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	base = logger.Sugar()
	loggers = make(map[Category]*Logger)
	return nil
}

// SetLevelFromConfig reinitializes the logger; used by the config watcher.
func SetLevelFromConfig(level string, development bool) {
	// Errors on reload keep the previous logger.
	_ = Init(level, development)
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// Logger wraps a category-named sugared logger. A nil inner logger is a
// valid no-op.
type Logger struct {
	category Category
	s        *zap.SugaredLogger
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	b := base
	mu.RUnlock()

	if b == nil {
		return &Logger{category: category}
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{category: category, s: base.Named(string(category))}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.s == nil {
		return
	}
	l.s.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.s == nil {
		return
	}
	l.s.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.s == nil {
		return
	}
	l.s.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.s == nil {
		return
	}
	l.s.Errorf(format, args...)
}

// =============================================================================
// CONVENIENCE FUNCTIONS
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Volume logs to the volume category.
func Volume(format string, args ...interface{}) { Get(CategoryVolume).Info(format, args...) }

// VolumeDebug logs debug to the volume category.
func VolumeDebug(format string, args ...interface{}) { Get(CategoryVolume).Debug(format, args...) }

// Index logs to the index category.
func Index(format string, args ...interface{}) { Get(CategoryIndex).Info(format, args...) }

// IndexDebug logs debug to the index category.
func IndexDebug(format string, args ...interface{}) { Get(CategoryIndex).Debug(format, args...) }

// Vector logs to the vector category.
func Vector(format string, args ...interface{}) { Get(CategoryVector).Info(format, args...) }

// VectorDebug logs debug to the vector category.
func VectorDebug(format string, args ...interface{}) { Get(CategoryVector).Debug(format, args...) }

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }

// Graph logs to the graph category.
func Graph(format string, args ...interface{}) { Get(CategoryGraph).Info(format, args...) }

// GraphDebug logs debug to the graph category.
func GraphDebug(format string, args ...interface{}) { Get(CategoryGraph).Debug(format, args...) }

// Extract logs to the extract category.
func Extract(format string, args ...interface{}) { Get(CategoryExtract).Info(format, args...) }

// ExtractDebug logs debug to the extract category.
func ExtractDebug(format string, args ...interface{}) { Get(CategoryExtract).Debug(format, args...) }

// Retrieval logs to the retrieval category.
func Retrieval(format string, args ...interface{}) { Get(CategoryRetrieval).Info(format, args...) }

// RetrievalDebug logs debug to the retrieval category.
func RetrievalDebug(format string, args ...interface{}) { Get(CategoryRetrieval).Debug(format, args...) }

// Engine logs to the engine category.
func Engine(format string, args ...interface{}) { Get(CategoryEngine).Info(format, args...) }

// EngineDebug logs debug to the engine category.
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debug(format, args...) }

// Maintain logs to the maintain category.
func Maintain(format string, args ...interface{}) { Get(CategoryMaintain).Info(format, args...) }

// Server logs to the server category.
func Server(format string, args ...interface{}) { Get(CategoryServer).Info(format, args...) }

// MCP logs to the mcp category.
func MCP(format string, args ...interface{}) { Get(CategoryMCP).Info(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
