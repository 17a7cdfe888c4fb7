package common

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{JSON: true, Service: "kms", Version: "v0.1.0", Output: &buf})

	log.Debug("hidden")
	log.Info("login", "identity", "alice@example.com")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	assert.Equal(t, "login", entry["msg"])
	assert.Equal(t, "kms", entry["service"])
	assert.Equal(t, "v0.1.0", entry["version"])
	assert.Equal(t, "alice@example.com", entry["identity"])
}

func TestSetupLogger_DebugText(t *testing.T) {
	var buf bytes.Buffer
	log := SetupLogger(&LoggingOpts{Debug: true, Output: &buf})

	log.Debug("sweep", "tokens", 2)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "tokens=2")
	assert.NotContains(t, buf.String(), "service=")
}
