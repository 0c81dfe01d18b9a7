package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROBE_INTERVAL", "2s")
	t.Setenv("ALLOWED_INSTANCE_TYPES", "g4dn.xlarge, t3.micro")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.ProbeAttempts)
	assert.Equal(t, 2*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 30*time.Second, cfg.TunnelReadyTimeout)
	assert.Equal(t, 8888, cfg.TunnelPort)
	assert.Equal(t, []string{"g4dn.xlarge", "t3.micro"}, List(cfg.AllowedInstanceTypes))
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "spire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("S3_BUCKET: archive\nMAX_REBOOTS: 1\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "archive", cfg.S3Bucket)
	assert.Equal(t, 1, cfg.MaxReboots)
}

func TestResolveDatabaseURL(t *testing.T) {
	cfg := &Config{DatabaseURL: " postgres://u:p@db/x "}
	u, err := cfg.ResolveDatabaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/x", u)

	cfg = &Config{PostgresHost: "db", PostgresUser: "spire", PostgresPassword: "pw", PostgresDB: "spire"}
	u, err = cfg.ResolveDatabaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://spire:pw@db:5432/spire", u)

	cfg = &Config{}
	u, err = cfg.ResolveDatabaseURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "sqlite://"))
	assert.True(t, strings.HasSuffix(u, filepath.Join(".spire", "spire.sqlite3")))
}
