// Package logger provides the structured logging used across the scheduler,
// allocator and swapper. It wraps logrus with a compact single-line
// formatter so log output stays readable when the resize controller and
// client goroutines interleave.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the package-wide logrus instance. It is safe for concurrent use
// by multiple goroutines, same as logrus itself.
var Logger = newDefault()

// CustomFormatter renders one log line per entry with a trimmed timestamp,
// level and caller tag.
type CustomFormatter struct {
	TimestampFormat string
}

func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)
	return []byte(msg), nil
}

// caller walks the stack past logrus frames to find the first caller outside
// this package.
func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "/logger.go") || strings.Contains(file, "/entry.go") {
			continue
		}
		fn := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}
	return "unknown:unknown:0"
}

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&CustomFormatter{TimestampFormat: "15:04:05.000"})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel parses a level name (debug, info, warn, error) and applies it to
// Logger. Unrecognized names fall back to info.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
}

func Debug(args ...interface{})                 { Logger.Debug(args...) }
func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Info(args ...interface{})                  { Logger.Info(args...) }
func Infof(format string, args ...interface{})  { Logger.Infof(format, args...) }
func Warn(args ...interface{})                  { Logger.Warn(args...) }
func Warnf(format string, args ...interface{})  { Logger.Warnf(format, args...) }
func Error(args ...interface{})                 { Logger.Error(args...) }
func Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
