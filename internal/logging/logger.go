// Package logging provides structured logging for tally components.
//
// Loggers carry a set of fields plus optional correlation and trace ids.
// Output is produced by zap using either a JSON or a console encoder.
package logging

import (
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func levelFromZap(z zapcore.Level) Level {
	switch z {
	case zapcore.DebugLevel:
		return LevelDebug
	case zapcore.WarnLevel:
		return LevelWarn
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseLevel parses a level name. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format selects the encoder.
type Format int

const (
	FormatJSON Format = iota
	FormatText
)

// ParseFormat parses a format name. Unknown names map to FormatJSON.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		return FormatJSON
	}
}

// Config configures a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
}

// Logger is a structured logger. Derived loggers share the level of their parent.
type Logger struct {
	z             *zap.Logger
	level         zap.AtomicLevel
	correlationID string
	traceID       string
}

// New creates a Logger writing to cfg.Output (stderr when nil).
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder

	var enc zapcore.Encoder
	if cfg.Format == FormatText {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(cfg.Level.zapLevel())
	core := zapcore.NewCore(enc, zapcore.AddSync(out), level)

	var opts []zap.Option
	if cfg.AddCaller {
		// Skip the Logger method and the internal log helper.
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2+cfg.CallerSkip))
	}

	return &Logger{z: zap.New(core, opts...), level: level}
}

// DefaultLogger returns an info-level JSON logger on stderr.
func DefaultLogger() *Logger {
	return New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: os.Stderr,
	})
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// SetLevel changes the minimum level for this logger and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current minimum level.
func (l *Logger) GetLevel() Level {
	return levelFromZap(l.level.Level())
}

// Zap exposes the underlying zap logger for libraries that accept one.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// With returns a child logger that always includes fields.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{
		z:             l.z.With(toZapFields(fields)...),
		level:         l.level,
		correlationID: l.correlationID,
		traceID:       l.traceID,
	}
}

// WithCorrelationID returns a child logger tagged with a correlation id.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return &Logger{z: l.z, level: l.level, correlationID: id, traceID: l.traceID}
}

// WithTraceID returns a child logger tagged with a trace id.
func (l *Logger) WithTraceID(id string) *Logger {
	return &Logger{z: l.z, level: l.level, correlationID: l.correlationID, traceID: id}
}

func (l *Logger) Debug(msg string) { l.log(zapcore.DebugLevel, msg, nil) }

func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(zapcore.DebugLevel, msg, fields) }

func (l *Logger) Info(msg string) { l.log(zapcore.InfoLevel, msg, nil) }

func (l *Logger) Infof(msg string, fields map[string]any) { l.log(zapcore.InfoLevel, msg, fields) }

func (l *Logger) Warn(msg string) { l.log(zapcore.WarnLevel, msg, nil) }

func (l *Logger) Warnf(msg string, fields map[string]any) { l.log(zapcore.WarnLevel, msg, fields) }

func (l *Logger) Error(msg string) { l.log(zapcore.ErrorLevel, msg, nil) }

func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(zapcore.ErrorLevel, msg, fields) }

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

func (l *Logger) log(level zapcore.Level, msg string, fields map[string]any) {
	ce := l.z.Check(level, msg)
	if ce == nil {
		return
	}
	zf := toZapFields(fields)
	if l.correlationID != "" {
		zf = append(zf, zap.String("correlationId", l.correlationID))
	}
	if l.traceID != "" {
		zf = append(zf, zap.String("traceId", l.traceID))
	}
	ce.Write(zf...)
}

// toZapFields converts a field map in key order so output is stable.
func toZapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys)+2)
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.String(k, v.Error()))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}
