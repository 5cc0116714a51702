package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/misp-secops-forwarder/internal/config"
)

func TestReplaceLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "DEBUG"},
		{slog.LevelInfo, "INFO"},
		{slog.LevelWarn, "WARNING"},
		{slog.LevelError, "ERROR"},
		{config.LevelCritical, "CRITICAL"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			got := replaceLevel(nil, slog.Any(slog.LevelKey, tt.level))
			if got.Value.Kind() == slog.KindString {
				assert.Equal(t, tt.want, got.Value.String())
				return
			}
			assert.Equal(t, tt.want, got.Value.Any().(slog.Level).String())
		})
	}

	other := slog.String("msg", "hello")
	assert.Equal(t, other, replaceLevel(nil, other))
}
