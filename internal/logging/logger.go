package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	defaultLogger *slog.Logger
	currentLevel  = new(slog.LevelVar)
	mu            sync.RWMutex
)

func init() {
	currentLevel.Set(slog.LevelInfo)
	defaultLogger = slog.New(NewRedactingHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: currentLevel,
	})))
}

// SetLogger sets the global logger
func SetLogger(logger *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// SetOutput sends JSON records to w at the current level
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(NewRedactingHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: currentLevel,
	})))
}

// SetTextOutput sets up human-readable text output (for development)
func SetTextOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(NewRedactingHandler(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: currentLevel,
	})))
}

// SetLevel changes the level of the handlers installed by this package.
// Loggers installed with SetLogger keep their own level.
func SetLevel(level slog.Level) {
	currentLevel.Set(level)
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// Configure applies level and format ("json" or "text") in one step.
func Configure(w io.Writer, level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	SetLevel(lvl)
	switch format {
	case "", "json":
		SetOutput(w)
	case "text":
		SetTextOutput(w)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// Logger returns the default logger
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional context
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	Logger().DebugContext(ctx, msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	Logger().InfoContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Logger().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Logger().ErrorContext(ctx, msg, args...)
}

// Common field helpers
func PeerID(id string) slog.Attr {
	return slog.String("peer_id", id)
}

func AgentAddress(addr string) slog.Attr {
	return slog.String("agent_address", addr)
}

func Protocol(id string) slog.Attr {
	return slog.String("protocol", id)
}

func Remote(addr string) slog.Attr {
	return slog.String("remote", addr)
}

func Op(name string) slog.Attr {
	return slog.String("op", name)
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}
