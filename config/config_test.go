package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs Load from an empty directory so a developer's .env does not
// leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("RAG_CONFIG_FILE", "")
	return dir
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Pipeline.DefaultTopK)
	assert.Equal(t, 20, cfg.Pipeline.MaxTopK)
	assert.Equal(t, 1024, cfg.Embeddings.Dimension)
	assert.Equal(t, 3, cfg.Pipeline.Retry.MaxAttempts)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("RAG_MAX_TOP_K", "30")
	t.Setenv("RAG_SIMILARITY_THRESHOLD", "0.55")
	t.Setenv("RAG_STAGE_TIMEOUT", "5s")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("LLM_TEMPERATURE", "0.7")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Pipeline.MaxTopK)
	assert.InDelta(t, 0.55, cfg.Pipeline.SimilarityThreshold, 1e-9)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.StageTimeout)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 1e-6)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
}

func TestLoadReadsDotEnvAndYAML(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HTTP_ADDR=:9090\n"), 0o600))
	// Register HTTP_ADDR for restoration, then unset it so .env can fill it.
	t.Setenv("HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("HTTP_ADDR"))

	file := filepath.Join(dir, "rag.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
embeddings:
  provider: ollama
  model: from-yaml
  dimension: 768
  max_query_tokens: 256
pipeline:
  top_k: 3
  max_top_k: 10
  similarity_threshold: 0.4
  dedup_window: 2
  stage_timeout: 10s
  excerpt_length: 150
  retry:
    max_attempts: 4
    initial_backoff: 100ms
    max_backoff: 1s
    multiplier: 1.5
`), 0o600))
	t.Setenv("RAG_CONFIG_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
	assert.Equal(t, 3, cfg.Pipeline.DefaultTopK)
	assert.Equal(t, 2, cfg.Pipeline.DedupWindow)
	assert.Equal(t, 10*time.Second, cfg.Pipeline.StageTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Pipeline.Retry.InitialBackoff)
	assert.Equal(t, "from-yaml", cfg.Embeddings.Model)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	isolate(t)
	t.Setenv("RAG_TOP_K", "50")
	t.Setenv("RAG_MAX_TOP_K", "20")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxTopK")
}

func TestLoadRejectsUnparsableNumbers(t *testing.T) {
	isolate(t)
	t.Setenv("EMBEDDING_DIMENSION", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBEDDING_DIMENSION")
}

func TestValidateRejectsOverlapNotBelowSize(t *testing.T) {
	cfg := Default()
	cfg.Chunking.Overlap = cfg.Chunking.Size
	require.Error(t, cfg.Validate())
}
