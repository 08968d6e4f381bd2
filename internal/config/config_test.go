package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.Validation.Delay)
	assert.Equal(t, 10*time.Second, cfg.Store.WriteTimeout)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.NotEmpty(t, cfg.Operation.DefaultMapURL)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("validation:\n  delay: 90s\nwebhooks:\n  - url: http://hooks.local/ops\n    events: [doc.set]\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Validation.Delay)
	assert.Equal(t, 10*time.Second, cfg.Store.WriteTimeout)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"doc.set"}, cfg.Webhooks[0].Events)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	for name, doc := range map[string]string{
		"negative delay": "validation:\n  delay: -1m\n",
		"zero timeout":   "store:\n  write_timeout: 0s\n",
		"relative base":  "server:\n  base_path: v1\n",
		"empty hook url": "webhooks:\n  - url: ''\n",
		"malformed yaml": "validation: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestLoadSecrets(t *testing.T) {
	t.Setenv("OPSYNC_JWT_SECRET", "s3cret")
	s, err := LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", s.JWTSecret)
	assert.Equal(t, DefaultAdminPassword, s.AdminPassword)

	t.Setenv("OPSYNC_ADMIN_PASSWORD", "hunter2")
	s, err = LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", s.AdminPassword)
}
