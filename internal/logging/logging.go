package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eugenenazirov/bedrock-chat/internal/config"
)

const loggerName = "chat_app"

// Option adjusts where New writes.
type Option func(*options)

type options struct {
	console zapcore.WriteSyncer
}

// WithConsole replaces stdout as the console destination.
func WithConsole(ws zapcore.WriteSyncer) Option {
	return func(o *options) {
		o.console = ws
	}
}

// New builds the application logger: a console core at log_level_console and,
// when enabled, a size-rotated file core at log_level_file. Both cores mask
// configured sensitive fields.
func New(cfg config.LoggingConfig, environment string, opts ...Option) (*zap.Logger, error) {
	o := options{console: zapcore.Lock(os.Stdout)}
	for _, opt := range opts {
		opt(&o)
	}

	masker := NewMasker(cfg.SensitiveFields)

	consoleLevel, err := ParseLevel(firstNonEmpty(cfg.LogLevelConsole, cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("console level: %w", err)
	}
	cores := []zapcore.Core{
		newMaskingCore(zapcore.NewCore(consoleEncoder(), o.console, consoleLevel), masker),
	}

	if cfg.FileEnabled {
		fileLevel, err := ParseLevel(firstNonEmpty(cfg.LogLevelFile, cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("file level: %w", err)
		}
		dir := firstNonEmpty(cfg.Directory, "logs")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(dir, FileName(environment)),
			MaxSize:    cfg.MaxLogSizeMB,
			MaxBackups: cfg.LogBackupCount,
			MaxAge:     cfg.LogRetentionDays,
		}
		cores = append(cores,
			newMaskingCore(zapcore.NewCore(fileEncoder(cfg.Format), zapcore.AddSync(rotator), fileLevel), masker))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		Named(loggerName)
	logger.Info(fmt.Sprintf("Logger initialized in %s environment", firstNonEmpty(environment, "development")))
	return logger, nil
}

// FileName is the log file used for an environment.
func FileName(environment string) string {
	return fmt.Sprintf("chat_app_%s.log", firstNonEmpty(environment, "development"))
}

// ParseLevel accepts the level names used in configuration files, including
// WARNING and CRITICAL.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "CRITICAL", "FATAL":
		return zapcore.DPanicLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown level %q", name)
	}
}

func consoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		LevelKey:         "level",
		MessageKey:       "message",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: ": ",
	})
}

func fileEncoder(format string) zapcore.Encoder {
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			CallerKey:      "module",
			MessageKey:     "message",
			StacktraceKey:  "exception",
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		})
	}
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "timestamp",
		LevelKey:         "level",
		MessageKey:       "message",
		StacktraceKey:    "exception",
		EncodeTime:       zapcore.ISO8601TimeEncoder,
		EncodeLevel:      namedLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " - ",
	})
}

// namedLevelEncoder writes the logger name ahead of the level, giving
// "timestamp - chat_app - LEVEL - message". The console encoder would
// otherwise place the name after the level.
func namedLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(loggerName)
	zapcore.CapitalLevelEncoder(l, enc)
}

// WithContext returns a logger carrying request and user identifiers. Empty
// identifiers are left out.
func WithContext(logger *zap.Logger, requestID, userID string) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
