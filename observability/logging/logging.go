package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tune the handler installed by SetupWithOptions.
type Options struct {
	Level slog.Level
	// FilePath, when set, mirrors every line into a rotated file.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Output overrides stdout, mainly for tests.
	Output io.Writer
}

// OptionsFromEnv reads PAYERX_LOG_LEVEL, PAYERX_LOG_FILE,
// PAYERX_LOG_MAX_SIZE_MB and PAYERX_LOG_MAX_BACKUPS.
func OptionsFromEnv() Options {
	opts := Options{Level: slog.LevelInfo}
	if raw := strings.TrimSpace(os.Getenv("PAYERX_LOG_LEVEL")); raw != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(raw)); err == nil {
			opts.Level = level
		}
	}
	opts.FilePath = strings.TrimSpace(os.Getenv("PAYERX_LOG_FILE"))
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("PAYERX_LOG_MAX_SIZE_MB"))); err == nil {
		opts.MaxSizeMB = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("PAYERX_LOG_MAX_BACKUPS"))); err == nil {
		opts.MaxBackups = n
	}
	return opts
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	return SetupWithOptions(service, env, Options{Level: slog.LevelInfo})
}

// SetupWithOptions is Setup with a level and optional rotated file output.
func SetupWithOptions(service, env string, opts Options) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if path := strings.TrimSpace(opts.FilePath); path != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: opts.Level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
