// Package logging builds the zap loggers shared by cmd/basild and
// cmd/basilctl, exactly as server/cmd/server/main.go's buildLogger.
package logging

import "go.uber.org/zap"

// Build constructs a *zap.Logger at the given level ("debug", "info",
// "warn", "error"; anything else behaves like "info"). Production config
// is used except at "debug", which switches to zap's development config
// (console encoding, caller info) for local iteration.
func Build(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
