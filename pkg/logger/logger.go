package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger. Level is one of debug/info/warn/error,
// format is "json" or "console". Unknown values fall back to info/json.
func New(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	if format == "console" {
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		// zap only fails on invalid encoder config; keep the process alive
		// with a no-op logger rather than panicking in a client.
		return zap.NewNop()
	}
	return log
}

// Named returns a sugared component logger carrying the client run ID.
func Named(log *zap.Logger, component, clientID string) *zap.SugaredLogger {
	return log.Named(component).With(zap.String("client_id", clientID)).Sugar()
}
