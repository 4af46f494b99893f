package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	path := writePolicyFile(t, `
load_threshold: 0.6
latency_threshold_ms: 250
cloud_endpoint: https://inference.example.com
`)

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.6, p.LoadThreshold)
	assert.Equal(t, 250.0, p.LatencyThresholdMS)
	assert.Equal(t, "https://inference.example.com", p.CloudEndpoint)
}

func TestLoadPolicyFile_PartialKeepsDefaults(t *testing.T) {
	path := writePolicyFile(t, "load_threshold: 0.5\n")

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.LoadThreshold)
	assert.Equal(t, float64(DefaultLatencyThresholdMS), p.LatencyThresholdMS)
	assert.Empty(t, p.CloudEndpoint)
}

func TestLoadPolicyFile_NonPositiveRestoredToDefaults(t *testing.T) {
	path := writePolicyFile(t, "load_threshold: -1\nlatency_threshold_ms: 0\n")

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultLoadThreshold, p.LoadThreshold)
	assert.Equal(t, float64(DefaultLatencyThresholdMS), p.LatencyThresholdMS)
}

func TestLoadPolicyFile_Missing(t *testing.T) {
	p, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	assert.Equal(t, DefaultLoadThreshold, p.LoadThreshold)
}

func TestLoadPolicyFile_Malformed(t *testing.T) {
	path := writePolicyFile(t, "load_threshold: [not a number\n")
	_, err := LoadPolicyFile(path)
	assert.Error(t, err)
}
