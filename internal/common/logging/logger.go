package logging

import (
	"context"
	"fmt"
	"os"
)

type contextKey string

const (
	// TickIDKey carries the current tick id in a context.
	TickIDKey contextKey = "tick_id"
	// TriggerIDKey carries the trigger being processed in a context.
	TriggerIDKey contextKey = "trigger_id"
)

// InitGlobalLogger builds the process logger from level and format strings and
// installs it as the global logger.
func InitGlobalLogger(level, format string) Logger {
	config := LogConfig{
		Level:  ParseLevel(level),
		Format: ParseFormat(format),
		Output: os.Stderr,
		Name:   "polling-scheduler",
	}

	logger, err := NewZapLogger(config)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	SetGlobalLogger(logger)
	return logger
}

// MustSync flushes any buffered log entries of the global logger.
func MustSync() {
	if zapLogger, ok := GetGlobalLogger().(*ZapAdapter); ok {
		_ = zapLogger.Sync()
	}
}

// ContextWithTick returns ctx annotated with a tick id.
func ContextWithTick(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, TickIDKey, tickID)
}

// ContextWithTrigger returns ctx annotated with a trigger id.
func ContextWithTrigger(ctx context.Context, triggerID string) context.Context {
	return context.WithValue(ctx, TriggerIDKey, triggerID)
}
