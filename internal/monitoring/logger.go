package monitoring

import (
	"io"
	"log"
	"sync/atomic"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debugEnabled atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug toggles the verbose output emitted through Debugf.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// DebugEnabled reports whether verbose output is on.
func DebugEnabled() bool {
	return debugEnabled.Load()
}

// Debugf logs through Logf only when debug output has been enabled.
func Debugf(format string, v ...interface{}) {
	if debugEnabled.Load() {
		Logf(format, v...)
	}
}

// Default rotation settings for the process log file.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// FileConfig describes the rotating log file. Zero values fall back to the
// defaults above.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewRotatingWriter returns a size-rotated writer for cfg.Path, or nil when no
// path is configured.
func NewRotatingWriter(cfg FileConfig) io.WriteCloser {
	if cfg.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   cfg.Path,
		MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   cfg.Compress,
	}
}

// RedirectStdLog points the standard logger at w in addition to stderr. The
// returned func restores the previous output.
func RedirectStdLog(w io.Writer, stderr io.Writer) func() {
	prev := log.Writer()
	if w == nil {
		return func() {}
	}
	log.SetOutput(io.MultiWriter(stderr, w))
	return func() { log.SetOutput(prev) }
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
