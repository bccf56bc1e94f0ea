// Package dlslog provides the structured logger used by the storage engine
// for its non-fatal diagnostics: skipped non-hex layout entries, malformed
// checkpoint lines, and detected bucket corruption. None of these abort the
// calling operation (per spec.md §7's propagation policy); they are
// observability only.
package dlslog

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the subset of logiface's builder API this package exercises.
type Logger struct {
	l *logiface.Logger[*stumpy.Event]
}

var (
	defaultOnce sync.Once
	defaultLog  atomic.Pointer[Logger]
)

// New builds a Logger writing newline-delimited JSON to w.
func New(w *os.File) *Logger {
	return &Logger{
		l: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		),
	}
}

// Default returns the process-wide logger, writing to stderr unless
// SetDefault has been called.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog.CompareAndSwap(nil, New(os.Stderr))
	})
	return defaultLog.Load()
}

// SetDefault replaces the process-wide logger, for example to redirect its
// output to a file other than stderr.
func SetDefault(l *Logger) {
	defaultOnce.Do(func() {})
	defaultLog.Store(l)
}

// Warn logs a warning-level message with structured key/value fields. Field
// values may be string, error, int, int64, uint64, bool, or any other type
// (encoded via Interface/Any).
func (l *Logger) Warn(msg string, kv ...any) {
	log(l.l.Warning(), msg, kv)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, kv ...any) {
	log(l.l.Info(), msg, kv)
}

// Err logs an error-level message.
func (l *Logger) Err(msg string, kv ...any) {
	log(l.l.Err(), msg, kv)
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string, kv ...any) {
	log(l.l.Debug(), msg, kv)
}

func log(b *logiface.Builder[*stumpy.Event], msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}

		switch v := kv[i+1].(type) {
		case string:
			b = b.Str(key, v)
		case error:
			b = b.Err(v)
		case int:
			b = b.Int(key, v)
		case int64:
			b = b.Int64(key, v)
		case uint64:
			b = b.Uint64(key, v)
		case bool:
			b = b.Bool(key, v)
		default:
			b = b.Any(key, v)
		}
	}

	b.Log(msg)
}
