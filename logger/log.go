// Package logger owns the process-wide zap logger. Components take named
// children of Log instead of logging through the package functions.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	Log = build("console", os.Stdout)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}
}

func build(format string, w io.Writer) *zap.Logger {
	encCfg := encoderConfig()
	var enc zapcore.Encoder
	if format == "json" {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encCfg.EncodeDuration = zapcore.StringDurationEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level), zap.AddCaller())
}

// Setup replaces Log. format is "console" or "json"; w defaults to stdout.
func Setup(format, lvl string, w io.Writer) error {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "console"
	}
	if format != "console" && format != "json" {
		return errors.Errorf("unknown log format %q", format)
	}
	if err := SetLevel(lvl); err != nil {
		return err
	}
	if w == nil {
		w = os.Stdout
	}
	Log = build(format, w)
	return nil
}

// SetLevel changes the level of Log and every logger derived from it.
// Unknown names leave the level untouched.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		return errors.Errorf("unknown log level %q", name)
	}
	level.SetLevel(l)
	return nil
}

// Named returns a child of Log for one component.
func Named(name string) *zap.Logger { return Log.Named(name) }

func Sync() { _ = Log.Sync() }

// shortcuts
func Info(msg string, fields ...zap.Field)  { Log.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }
func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }

func Infof(format string, args ...any)  { Log.Info(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Log.Error(fmt.Sprintf(format, args...)) }
