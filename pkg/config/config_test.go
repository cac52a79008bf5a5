package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Quota.MaxLLMCalls, cfg.Quota.MaxLLMCalls)
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controltower.yaml")
	yaml := "node_id: tower-1\nquota:\n  max_llm_calls: 5\nhttp:\n  addr: \":9090\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tower-1", cfg.NodeID)
	assert.Equal(t, 5, cfg.Quota.MaxLLMCalls)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, Default().Quota.MaxToolCalls, cfg.Quota.MaxToolCalls, "fields absent from the file keep their default")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: [this is not valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFileAndDefaults(t *testing.T) {
	t.Setenv("CONTROLTOWER_NODE_ID", "from-env")
	t.Setenv("CONTROLTOWER_MAX_LLM_CALLS", "99")
	t.Setenv("CONTROLTOWER_HARD_TIMEOUT", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, 99, cfg.Quota.MaxLLMCalls)
	assert.Equal(t, 90*time.Second, cfg.Quota.HardTimeout)
}

func TestEnvOverrideIgnoresUnparsableValue(t *testing.T) {
	t.Setenv("CONTROLTOWER_MAX_LLM_CALLS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Quota.MaxLLMCalls, cfg.Quota.MaxLLMCalls, "an unparsable override is ignored, not zeroed")
}

func TestOTLPEndpointEnvVarEnablesTracing(t *testing.T) {
	t.Setenv("OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.OTLPEndpoint)
}

func TestJWTSecretHasNoYAMLTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controltower.yaml")
	yaml := "http:\n  jwt_secret: should-not-load\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.HTTP.JWTSecret, "jwt secret is only ever set via env, never via file")
}
