package logger

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	Info  Level = "INFO"
	Warn  Level = "WARN"
	Error Level = "ERROR"
	Debug Level = "DEBUG"
)

// level is shared by every logger so SetLevel applies process-wide.
var level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

type Logger struct {
	s *zap.SugaredLogger
}

func New(w io.Writer) *Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), level)
	return &Logger{s: zap.New(core).Sugar()}
}

// SetLevel accepts debug, info, warn or error. Unknown values select info.
func SetLevel(name string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		l = zapcore.InfoLevel
	}
	level.SetLevel(l)
}

// With returns a child logger that adds the key/value pairs to every entry.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{s: l.s.With(kv...)}
}

func (l *Logger) Log(lvl Level, msg string, args ...any) {
	switch lvl {
	case Debug:
		l.s.Debugf(msg, args...)
	case Warn:
		l.s.Warnf(msg, args...)
	case Error:
		l.s.Errorf(msg, args...)
	default:
		l.s.Infof(msg, args...)
	}
}

func (l *Logger) Info(msg string, args ...any)  { l.Log(Info, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.Log(Warn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.Log(Error, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.Log(Debug, msg, args...) }

func (l *Logger) Fatal(msg string, args ...any) {
	l.Log(Error, msg, args...)
	_ = l.s.Sync()
	os.Exit(1)
}

var Default = New(os.Stdout)
