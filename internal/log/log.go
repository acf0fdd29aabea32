// Package log holds the process-wide logger. Call Init once from main;
// packages log through the printf-style helpers.
package log

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu     sync.RWMutex
	logger hclog.Logger = hclog.NewNullLogger()
)

// Init configures the global logger. The level comes from LOG_LEVEL
// (trace, debug, info, warn, error) and defaults to info.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	logger = hclog.New(&hclog.LoggerOptions{
		Name:       "flowdesk",
		Level:      hclog.LevelFromString(levelFromEnv()),
		JSONFormat: os.Getenv("LOG_FORMAT") == "json",
	})
}

func levelFromEnv() string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}

// Logger returns the underlying hclog.Logger, for components that want
// to carry a named sub-logger.
func Logger() hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(format string, args ...any) {
	Logger().Debug(fmt.Sprintf(format, args...))
}

func Info(format string, args ...any) {
	Logger().Info(fmt.Sprintf(format, args...))
}

func Warn(format string, args ...any) {
	Logger().Warn(fmt.Sprintf(format, args...))
}

func Error(format string, args ...any) {
	Logger().Error(fmt.Sprintf(format, args...))
}

// Infof logs at info level, tagging the entry with the tenant carried
// in ctx when one is present.
func Infof(ctx context.Context, format string, args ...any) {
	if tenant, ok := ctx.Value(tenantKey{}).(string); ok {
		Logger().Info(fmt.Sprintf(format, args...), "tenant", tenant)
		return
	}
	Logger().Info(fmt.Sprintf(format, args...))
}

type tenantKey struct{}

// WithTenant attaches a tenant name to ctx for logging.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}
