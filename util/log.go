// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Messages are handed to a zap logger, so the output format and
// destination follow its configuration.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	z       *zap.Logger
}

// LogConfig selects the zap encoder and output for NewLoggerWithConfig.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	Output string // stdout, stderr, or a file path
}

func NewLogger(verbose, debug bool) *Logger {
	level := "warn"
	if verbose {
		level = "info"
	}
	if debug {
		level = "debug"
	}
	l, err := NewLoggerWithConfig(LogConfig{Level: level, Format: "console", Output: "stderr"})
	if err != nil {
		// The console/stderr configuration can't fail to build.
		panic(err)
	}
	return l
}

func NewLoggerWithConfig(cfg LogConfig) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
		level = zapcore.WarnLevel
	}

	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	out := cfg.Output
	if out == "" {
		out = "stderr"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{"stderr"}

	z, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// FromZap returns a Logger that writes to z.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{z: z.WithOptions(zap.AddCallerSkip(1))}
}

func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	// Syncing stderr returns EINVAL on some platforms; not interesting.
	_ = l.z.Sync()
	return nil
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Printf("%s", ensureNewline(fmt.Sprintf(f, args...)))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	if ce := l.z.Check(zapcore.DebugLevel, message(f, args...)); ce != nil {
		ce.Write()
	}
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	if ce := l.z.Check(zapcore.InfoLevel, message(f, args...)); ce != nil {
		ce.Write()
	}
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}
	l.z.Warn(message(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.z.Error(message(f, args...))
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		os.Exit(1)
	}

	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	l.z.Error(message(f, args...))
	l.Sync()
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	s := "Check failed"
	if len(msg) > 0 {
		s = fmt.Sprintf(msg[0].(string), msg[1:]...)
	}
	l.die(s)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	s := fmt.Sprintf("Error: %+v", err)
	if len(msg) > 0 {
		s = fmt.Sprintf(msg[0].(string), msg[1:]...)
	}
	l.die(s)
}

func (l *Logger) die(s string) {
	if l == nil {
		fmt.Fprint(os.Stderr, format("%s", s))
		os.Exit(1)
	}
	l.mu.Lock()
	l.NErrors++
	l.mu.Unlock()
	// Two levels up: the caller of Check or CheckError.
	l.z.WithOptions(zap.AddCallerSkip(1)).Error(strings.TrimSuffix(s, "\n"))
	l.Sync()
	os.Exit(1)
}

func message(f string, args ...interface{}) string {
	return strings.TrimSuffix(fmt.Sprintf(f, args...), "\n")
}

func ensureNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

func format(f string, args ...interface{}) string {
	// Two levels up the call stack
	_, fn, line, _ := runtime.Caller(2)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	return ensureNewline(s)
}
