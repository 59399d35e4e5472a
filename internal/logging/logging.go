// Package logging builds the zap loggers used across the client.
//
// Production builds log JSON lines to stderr; ENVIRONMENT=dev switches to the
// console encoder. Components log through a SugaredLogger carrying their
// component name and, once a session is running, session_id and driver_id.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the root logger. level accepts the usual names (DEBUG, INFO,
// WARN, ERROR) in any case; unknown values fall back to INFO.
func New(level string, dev bool) *zap.SugaredLogger {
	return newWithWriter(level, dev, os.Stderr)
}

func newWithWriter(level string, dev bool, w io.Writer) *zap.SugaredLogger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	var encoder zapcore.Encoder
	if dev {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), parseLevel(level))
	return zap.New(core).Sugar()
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Component returns a child logger tagged with the component name.
func Component(log *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return log.Named(name).With("component", name)
}

// Nop returns a logger that discards everything; used by tests and as the
// default when a constructor receives a nil logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
