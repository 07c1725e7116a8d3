// Package whistlogger is the process-wide logger for the workspace services.
// Everything is logged to the console; in deployed environments errors are
// additionally reported to Sentry and all entries are shipped to Logz.io.
package whistlogger // import "github.com/whisthq/whist/backend/workspaces/whistlogger"

import (
	"context"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/whisthq/whist/backend/workspaces/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger     *zap.Logger
	loggerLock sync.RWMutex

	// extraCores holds the production cores added by Init, so that Close can
	// flush them.
	extraCores []zapcore.Core
)

// Options configures the production cores. Empty values disable the
// corresponding core.
type Options struct {
	SentryDSN           string
	LogzioShippingToken string
	Component           string
}

// Highest-priority output goes to stderr, everything else to stdout.
var (
	highPriority = zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	lowPriority = zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl < zapcore.ErrorLevel
	})
)

func init() {
	setLogger(zap.New(zapcore.NewTee(consoleCores(os.Stdout, os.Stderr)...)))
}

func consoleCores(stdout, stderr io.Writer) []zapcore.Core {
	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderConfig)

	return []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(stderr)), highPriority),
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(stdout)), lowPriority),
	}
}

// Init rebuilds the logger with the production cores enabled by opts. It
// should be called once, early in main. In local environments no production
// cores are ever added.
func Init(opts Options, local bool) {
	cores := consoleCores(os.Stdout, os.Stderr)
	var added []zapcore.Core

	if !local && opts.SentryDSN != "" {
		if c := newSentryCore(opts.SentryDSN, highPriority); c != nil {
			added = append(added, c)
		}
	}
	if !local && opts.LogzioShippingToken != "" {
		if c := newLogzioCore(opts.LogzioShippingToken, zapcore.DebugLevel); c != nil {
			added = append(added, c)
		}
	}

	l := zap.New(zapcore.NewTee(append(cores, added...)...))
	if opts.Component != "" {
		l = l.With(zap.String("component", opts.Component))
	}

	loggerLock.Lock()
	extraCores = added
	loggerLock.Unlock()
	setLogger(l)
}

// SetOutput replaces the console cores with ones writing to w. It is meant
// for tests that want to assert on log output.
func SetOutput(w io.Writer) {
	setLogger(zap.New(zapcore.NewTee(consoleCores(w, w)...)))
}

func setLogger(l *zap.Logger) {
	loggerLock.Lock()
	defer loggerLock.Unlock()
	logger = l
}

func get() *zap.Logger {
	loggerLock.RLock()
	defer loggerLock.RUnlock()
	return logger
}

// Logger returns the underlying zap logger, for libraries that want one.
func Logger() *zap.Logger {
	return get()
}

// Sync flushes any buffered console output.
func Sync() {
	_ = get().Sync()
}

// Close flushes all production logging (i.e. Sentry and Logz.io).
func Close() {
	loggerLock.RLock()
	cores := extraCores
	loggerLock.RUnlock()

	for _, c := range cores {
		_ = c.Sync()
	}
	Sync()
}

// Debugf logs at debug level, respecting printf syntax.
func Debugf(format string, v ...interface{}) {
	get().Sugar().Debugf(format, v...)
}

// Info logs some info + timestamp, but does not send it to Sentry.
func Info(v ...interface{}) {
	get().Sugar().Info(v...)
}

// Infof is identical to Info, but respects printf syntax.
func Infof(format string, v ...interface{}) {
	get().Sugar().Infof(format, v...)
}

// Infow logs a message with structured context fields.
func Infow(msg string, fields ...zap.Field) {
	get().Info(msg, fields...)
}

// Warning logs an error in yellow text, but doesn't send it to Sentry.
func Warning(err error) {
	get().Sugar().Warn(err)
}

// Warningf is like Warning, but it respects printf syntax.
func Warningf(format string, v ...interface{}) {
	get().Sugar().Warnf(format, v...)
}

// Warnw logs a warning with structured context fields.
func Warnw(msg string, fields ...zap.Field) {
	get().Warn(msg, fields...)
}

// Error logs an error and sends it to Sentry.
func Error(err error) {
	get().Sugar().Error(err)
}

// Errorf is like Error, but it respects printf syntax.
func Errorf(format string, v ...interface{}) {
	get().Sugar().Errorf(format, v...)
}

// Errorw logs an error with structured context fields.
func Errorw(msg string, fields ...zap.Field) {
	get().Error(msg, fields...)
}

// Panic sends an error to Sentry and "pretends" to panic on it by printing
// the stack trace and calling the provided global context-cancelling
// function. This causes every goroutine listening on the global context to
// wind down cleanly. Passing a nil globalCancel really panics, after the
// production queues have been flushed.
func Panic(globalCancel context.CancelFunc, err error) {
	Errorf("%s", err)
	PrintStackTrace()

	if globalCancel != nil {
		globalCancel()
		return
	}

	Close()
	get().Sugar().Panic(err)
}

// Panicf is like Panic, but it respects printf syntax.
func Panicf(globalCancel context.CancelFunc, format string, v ...interface{}) {
	Panic(globalCancel, utils.MakeError(format, v...))
}

// PrintStackTrace prints the stack trace, for debugging purposes.
func PrintStackTrace() {
	Info("Printing stack trace: ")
	debug.PrintStack()
}
