package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticGatewayConfigNormalizes(t *testing.T) {
	holder := NewStaticGatewayConfig(GatewayConfig{BaseURL: " http://cache.local/ ", Token: " secret "})

	got := holder.Get()
	assert.Equal(t, "http://cache.local", got.BaseURL)
	assert.Equal(t, "secret", got.Token)
	assert.Equal(t, 10*time.Second, got.Timeout)
	assert.True(t, got.Configured())
}

func TestGatewayConfigSetIsVisibleToReaders(t *testing.T) {
	holder := NewStaticGatewayConfig(GatewayConfig{})
	assert.False(t, holder.Get().Configured())

	holder.Set(GatewayConfig{BaseURL: "http://cache.local", Token: "t"})
	assert.True(t, holder.Get().Configured())
}

func TestNilGatewayConfigHolder(t *testing.T) {
	var holder *GatewayConfigHolder
	assert.False(t, holder.Get().Configured())
	holder.Set(GatewayConfig{BaseURL: "x", Token: "y"})
}

func TestGatewayConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	contents := "gateway:\n  base_url: http://from-file:9000/\n  token: file-token\n  timeout: 3s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cachegateway.yml"), []byte(contents), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewGatewayConfigHolder(Config{CacheGateway: GatewayConfig{BaseURL: "http://env", Token: "env"}}, zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, "http://from-file:9000", got.BaseURL)
	assert.Equal(t, "file-token", got.Token)
	assert.Equal(t, 3*time.Second, got.Timeout)
}

func TestGetenvDurationAcceptsMillis(t *testing.T) {
	t.Setenv("SYNC_TEST_DURATION", "55000")
	assert.Equal(t, 55*time.Second, getenvDuration("SYNC_TEST_DURATION", time.Second))

	t.Setenv("SYNC_TEST_DURATION", "2m")
	assert.Equal(t, 2*time.Minute, getenvDuration("SYNC_TEST_DURATION", time.Second))

	t.Setenv("SYNC_TEST_DURATION", "nope")
	assert.Equal(t, time.Second, getenvDuration("SYNC_TEST_DURATION", time.Second))
}
