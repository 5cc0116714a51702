// Package main is the entry point for the MISP to Google SecOps forwarder.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"

	"github.com/stacklok/misp-secops-forwarder/cmd/misp-forwarder/app"
	"github.com/stacklok/misp-secops-forwarder/internal/config"
)

// getLogLevel reads LOG_LEVEL from the environment.
// Defaults to INFO if unset or invalid; the configuration file takes over once loaded.
func getLogLevel() slog.Level {
	v := viper.New()
	v.AutomaticEnv()

	raw := v.GetString("LOG_LEVEL")
	if raw == "" {
		return slog.LevelInfo
	}
	level, err := config.ParseLogLevel(raw)
	if err != nil {
		slog.Warn("Invalid LOG_LEVEL, using INFO", "value", raw)
		return slog.LevelInfo
	}
	return level
}

// replaceLevel renders the forwarder's level names instead of slog's defaults
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch {
	case level >= config.LevelCritical:
		a.Value = slog.StringValue("CRITICAL")
	case level == slog.LevelWarn:
		a.Value = slog.StringValue("WARNING")
	}
	return a
}

func main() {
	// stderr keeps stdout clean for commands that print data
	level := new(slog.LevelVar)
	level.Set(getLogLevel())
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevel,
	})
	slog.SetDefault(slog.New(handler))

	if err := app.NewRootCmd(level).Execute(); err != nil {
		os.Exit(1)
	}
}
