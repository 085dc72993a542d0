package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, cfg config.Config)
		wantErr bool
	}{
		{
			name: "defaults kept",
			args: nil,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, config.Default(), cfg)
			},
		},
		{
			name: "overrides",
			args: []string{"-port", "7000", "-max-peers", "3", "-bootstrap", "10.0.0.1:7000, 10.0.0.2:7000",
				"-maintenance-interval-ms", "2500", "-log-json", "-name", "alpha"},
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 7000, cfg.ListenPort)
				assert.Equal(t, 3, cfg.MaxPeers)
				assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7000"}, cfg.BootstrapAddresses)
				assert.Equal(t, 2500*time.Millisecond, cfg.MaintenanceInterval)
				assert.True(t, cfg.LogJSON)
				assert.Equal(t, "alpha", cfg.Name)
			},
		},
		{name: "unknown flag", args: []string{"-frobnicate"}, wantErr: true},
		{name: "stray argument", args: []string{"extra"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			var out bytes.Buffer
			_, err := parseFlags(tt.args, &cfg, &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestEnvFileFlag(t *testing.T) {
	assert.Equal(t, ".env", envFileFlag(nil))
	assert.Equal(t, "a.env", envFileFlag([]string{"-port", "1", "-env-file", "a.env"}))
	assert.Equal(t, "b.env", envFileFlag([]string{"--env-file=b.env"}))
}

func TestSetupLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	cfg := config.Default()
	cfg.LogLevel = "debug"
	cfg.LogJSON = true
	require.NoError(t, setupLogging(cfg))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	cfg.LogLevel = "chatty"
	assert.Error(t, setupLogging(cfg))
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.ListenPort = 0
	cfg.DataDir = t.TempDir()
	cfg.MetricsAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
