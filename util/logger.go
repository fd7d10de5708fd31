// Package util provides low-level helpers shared by all other packages.
package util

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// zap has a single level below Info; verbose and debug get their own.
const (
	zapVerboseLevel = zapcore.DebugLevel
	zapDebugLevel   = zapcore.DebugLevel - 1
)

// Logger writes levelled diagnostics (never records) to stderr with
// optional timestamps and level tags.  It is a thin printf-style front
// over a zap console core.
type Logger struct {
	level      LogLevel
	output     io.Writer
	timestamps bool // if true, prepend HH:MM:SS.mmm
	color      bool
	sugar      *zap.SugaredLogger
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	l := &Logger{
		level:      LogLevel(verbosity),
		output:     os.Stderr,
		timestamps: verbosity >= 3,
	}
	l.color = isTerminal(os.Stderr)
	l.rebuild()
	return l
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.timestamps = on
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).  Colour
// tags are only used when w is a terminal.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.color = isTerminal(w)
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.sugar.Logf(zapcore.InfoLevel, format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.sugar.Logf(zapcore.WarnLevel, format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.sugar.Logf(zapVerboseLevel, format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.sugar.Logf(zapDebugLevel, format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Logf(zapcore.ErrorLevel, format, args...)
}

// Sync flushes any buffered output.
func (l *Logger) Sync() {
	l.sugar.Sync() //nolint:errcheck // stderr sync fails harmlessly on pipes
}

func (l *Logger) rebuild() {
	cfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		EncodeLevel:      levelTagEncoder(l.color),
		ConsoleSeparator: " ",
	}
	if l.timestamps {
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}

	// Gating happens in the methods above, so the core accepts all levels.
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(zapcore.AddSync(l.output)),
		zap.LevelEnablerFunc(func(zapcore.Level) bool { return true }),
	)
	l.sugar = zap.New(core).Sugar()
}

func levelTagEncoder(color bool) zapcore.LevelEncoder {
	return func(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		tag, ansi := "[DBG]", "\x1b[90m"
		switch {
		case lvl >= zapcore.ErrorLevel:
			tag, ansi = "[ERR]", "\x1b[31m"
		case lvl == zapcore.WarnLevel:
			tag, ansi = "[WRN]", "\x1b[33m"
		case lvl == zapcore.InfoLevel:
			tag, ansi = "[INF]", "\x1b[32m"
		case lvl == zapVerboseLevel:
			tag, ansi = "[VRB]", "\x1b[36m"
		}
		if color {
			tag = ansi + tag + "\x1b[0m"
		}
		enc.AppendString(tag)
	}
}

func isTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
