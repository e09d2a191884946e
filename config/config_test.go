package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: \":9090\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Port)
	assert.Equal(t, 512, cfg.Model.Size)
	assert.Equal(t, "disk", cfg.Cache.Backend)
	assert.Equal(t, 5, cfg.Local.Iterations)
	assert.Equal(t, 10, cfg.Local.Radius)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.MaxAge)
	assert.Contains(t, cfg.Model.URL, "lama_fp32.onnx")
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
model:
  size: 256
  preserve_unmasked: true
cache:
  backend: redis
  max_age: 2h
local:
  iterations: 8
  radius: 4
redis:
  addr: "redis:6379"
  ttl: 30m
`))
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Model.Size)
	assert.True(t, cfg.Model.PreserveUnmasked)
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Cache.MaxAge)
	assert.Equal(t, 8, cfg.Local.Iterations)
	assert.Equal(t, 4, cfg.Local.Radius)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Redis.TTL)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("INPAINT_LOCAL_RADIUS", "3")
	cfg, err := Load(writeConfig(t, "local:\n  radius: 7\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Local.Radius)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "cache:\n  backend: s3\n"))
	assert.ErrorContains(t, err, "unknown cache backend")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestNew_FallsBackToDefault(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, Default(), cfg)
}
