package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		environment string
		level       string
		enabled     zapcore.Level
		disabled    zapcore.Level
	}{
		{environment: "production", level: "warn", enabled: zapcore.WarnLevel, disabled: zapcore.InfoLevel},
		{environment: "development", level: "debug", enabled: zapcore.DebugLevel, disabled: zapcore.DebugLevel - 1},
		{environment: "development", level: "", enabled: zapcore.DebugLevel, disabled: zapcore.DebugLevel - 1},
	}

	for _, tt := range tests {
		t.Run(tt.environment+"/"+tt.level, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", "")
			logger, err := New(tt.environment, tt.level)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("expected %s enabled", tt.enabled)
			}
			if logger.Core().Enabled(tt.disabled) {
				t.Errorf("expected %s disabled", tt.disabled)
			}
		})
	}
}

func TestNewEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	logger, err := New("production", "debug")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Error("expected LOG_LEVEL to raise the level to error")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if _, err := New("production", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
