// Package logger is the process-wide structured logger.
//
// It wraps slog and writes to stderr, stdout, syslog or a file, in json
// or console format, as selected by the [logging] config section. Set it
// up once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logFile.Close()
//
// Messages carry a bracketed subsystem tag:
//
//	logger.Info("[POOL] refill complete", "inserted", n)
//	logger.Errorf("[SOURCES] feed '%s' failed: %v", name, err)
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"

	"github.com/Kirky-X/xRelay/config"
)

var global *slog.Logger

// Initialize builds the global logger from config. When output is a file
// path the handle is returned so the caller can close it at shutdown;
// otherwise the returned file is nil.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	level := parseLevel(cfg.Level)

	stream := func(f *os.File) slog.Handler {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.Format == "json" {
			return slog.NewJSONHandler(f, opts)
		}
		return slog.NewTextHandler(f, opts)
	}

	var handler slog.Handler
	var logFile *os.File

	switch output {
	case "stdout":
		handler = stream(os.Stdout)

	case "stderr":
		handler = stream(os.Stderr)

	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintln(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.")
			handler = stream(os.Stderr)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "xrelay")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = stream(os.Stderr)
			break
		}
		handler = &syslogHandler{writer: w, level: level}

	default:
		// A file path.
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = stream(os.Stderr)
			break
		}
		logFile = f
		handler = stream(f)
	}

	global = slog.New(handler)
	slog.SetDefault(global)
	return logFile, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func get() *slog.Logger {
	if global == nil {
		return slog.Default()
	}
	return global
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

// Fatal logs at error level and exits the process.
func Fatal(msg string, args ...any) {
	get().Error(msg, args...)
	os.Exit(1)
}

func Debugf(format string, args ...any) { get().Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { get().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { get().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { get().Error(fmt.Sprintf(format, args...)) }

func Fatalf(format string, args ...any) {
	get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}

// syslogHandler adapts syslog.Writer to slog.Handler, flattening attrs
// into the message text since syslog lines are unstructured.
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := r.Message
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		kv := make([]any, 0, (len(h.attrs)+r.NumAttrs())*2)
		for _, a := range h.attrs {
			kv = append(kv, a.Key, a.Value.Any())
		}
		r.Attrs(func(a slog.Attr) bool {
			kv = append(kv, a.Key, a.Value.Any())
			return true
		})
		msg = fmt.Sprintf("%s %v", msg, kv)
	}

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

func (h *syslogHandler) WithGroup(string) slog.Handler { return h }
