package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\nrelay:\n  queue_limit: 7\n"), 0644))

	t.Setenv("RELAY_QUEUE_LIMIT", "3")
	t.Setenv("PORT", "9100")

	cmd := newRootCmd()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serveCmd.ParseFlags([]string{"--log-level", "debug"}))

	cfg, err := loadConfig(serveCmd, serveOptions{configPath: path, port: 9200})
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port, "flag beats env beats file")
	assert.Equal(t, 3, cfg.Relay.QueueLimit, "env beats file")
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("RELAY_QUEUE_LIMIT", "-1")

	cmd := newRootCmd()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	_, err = loadConfig(serveCmd, serveOptions{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version, strings.TrimSpace(out.String()))
}

func TestAppCommandNeedsESP(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"app", "--cmd", "unlock"})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
