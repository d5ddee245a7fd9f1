package lwm2mconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 86400, cfg.LifetimeSec)
	assert.Equal(t, "U", cfg.BindingMode)
	assert.Equal(t, uint16(1), cfg.ShortID)
	assert.Equal(t, "udp", cfg.Transport)
	assert.Equal(t, 60*time.Second, cfg.RetryTimer())
	assert.Equal(t, 60*time.Second, cfg.BootstrapFinishTimeout())
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.ini")
	contents := "[client]\nEndpointName = urn:imei:000000000000001\nServerURI = coap://bootstrap.example.com:5683\nBootstrap = true\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "urn:imei:000000000000001", cfg.EndpointName)
	assert.Equal(t, "coap://bootstrap.example.com:5683", cfg.ServerURI)
	assert.True(t, cfg.Bootstrap)
	// fields untouched by the file keep their default.
	assert.Equal(t, 86400, cfg.LifetimeSec)
}

func TestApplyEnvOverridesFileWithoutResettingOthers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.ini")
	contents := "[client]\nEndpointName = urn:imei:1\nLifetimeSec = 300\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	t.Setenv("LWM2M_ENDPOINT_NAME", "urn:imei:2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "urn:imei:2", cfg.EndpointName, "env overrides file")
	assert.Equal(t, 300, cfg.LifetimeSec, "file value survives an env pass that doesn't mention it")
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.Error(t, err)
}
