package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndRequiresStoreAndVectorDir(t *testing.T) {
	t.Setenv("BIND_ADDR", "")
	t.Setenv("STORE_URL", "")
	t.Setenv("VECTOR_DIR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("CORS_ORIGINS", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("STORE_URL", "badger:///var/lib/ragmux")
	t.Setenv("VECTOR_DIR", "/var/lib/ragmux/vectors")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "badger:///var/lib/ragmux", cfg.StoreURL)
	assert.Empty(t, cfg.CorsOrigins)
}

func TestLoadParsesCorsOriginsList(t *testing.T) {
	t.Setenv("STORE_URL", "badger:///tmp/store")
	t.Setenv("VECTOR_DIR", "/tmp/vectors")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CorsOrigins)
}

func TestLoadHonorsBindAddrOverride(t *testing.T) {
	t.Setenv("STORE_URL", "badger:///tmp/store")
	t.Setenv("VECTOR_DIR", "/tmp/vectors")
	t.Setenv("BIND_ADDR", "0.0.0.0:9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.BindAddr)
}
