package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcore-io/arcore/internal/config"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests must
// either set globals AFTER newRootCmd() returns, or use cmd.SetArgs() +
// cmd.Execute() so Cobra parses the flags.

func TestParseUUID(t *testing.T) {
	id, err := parseUUID("11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", id.String())

	_, err = parseUUID("not-a-uuid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid UUID")
}

func TestNewRootCmdSubcommands(t *testing.T) {
	cmd := newRootCmd()

	want := []string{"push", "ingress", "serve", "move", "drift", "slots", "runs", "promote"}

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, w := range want {
		assert.True(t, names[w], "missing subcommand %s", w)
	}

	assert.True(t, cmd.SilenceErrors)
	assert.True(t, cmd.SilenceUsage)
}

func TestBuildLoggerLevels(t *testing.T) {
	oldCfg := resolvedCfg

	t.Cleanup(func() { resolvedCfg = oldCfg })

	tests := []struct {
		name     string
		level    string
		enabled  slog.Level
		disabled slog.Level
	}{
		{"default info", "info", slog.LevelInfo, slog.LevelDebug},
		{"debug", "debug", slog.LevelDebug, slog.LevelDebug - 4},
		{"error", "error", slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolvedCfg = &config.Config{
				Logging: config.LoggingConfig{LogLevel: tt.level, LogFormat: "json"},
			}

			logger := buildLogger()

			assert.True(t, logger.Handler().Enabled(context.Background(), tt.enabled))
			assert.False(t, logger.Handler().Enabled(context.Background(), tt.disabled))
		})
	}
}
