package daemonlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the daemon's logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Development enables console output and stack traces.
	Development bool
	// JSONOutput enables JSON encoding, for production log aggregation.
	JSONOutput bool
}

// DefaultConfig returns the daemon's production defaults.
func DefaultConfig() Config {
	return Config{Level: "info", Development: false, JSONOutput: true}
}

// DevelopmentConfig returns configuration suited to running the daemon
// from a terminal during development.
func DevelopmentConfig() Config {
	return Config{Level: "debug", Development: true, JSONOutput: false}
}

// New builds a *zap.Logger from cfg.
func New(cfg Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.JSONOutput {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := sanitizingCore{zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...)
}

// sanitizingCore wraps a zapcore.Core and sanitizes the field values
// passed with every entry, at any level, so a caller-controlled value
// forwarded into a log call (a request's service name, a shelled-out
// command's output) can't inject control characters or blow up a log
// line.
type sanitizingCore struct {
	zapcore.Core
}

func (c sanitizingCore) With(fields []zapcore.Field) zapcore.Core {
	return sanitizingCore{c.Core.With(fields)}
}

func (c sanitizingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c sanitizingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, sanitizeZapFields(fields))
}

// sanitizeZapFields runs SanitizeString/SanitizeValue over every field
// value that could carry caller-controlled data. Numeric, bool, and
// duration fields pass through unchanged.
func sanitizeZapFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			f.String = SanitizeString(f.String)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok {
				f.Type = zapcore.StringType
				f.String = SanitizeString(err.Error())
				f.Interface = nil
			}
		case zapcore.ReflectType, zapcore.ObjectMarshalerType, zapcore.ArrayMarshalerType:
			f.Interface = SanitizeValue(f.Interface)
		}
		out[i] = f
	}
	return out
}
