package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10, cfg.QuestionCount)
	assert.Equal(t, 8, cfg.MaxRespondentTurns)
	assert.Equal(t, 15*time.Second, cfg.Analysis.Timeout)
	assert.Equal(t, 10, cfg.Scoring.FlagPenalty)
	assert.Equal(t, 80.0, cfg.Scoring.ExcellentMin)
	assert.Equal(t, 60.0, cfg.Scoring.GoodMin)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Addr, cfg.Addr)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloom.yaml")
	data := `
addr: ":9000"
question_count: 5
scoring:
  flag_penalty: 5
  excellent_min: 90
analysis:
  primary_url: "http://primary:8001"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 5, cfg.QuestionCount)
	assert.Equal(t, 5, cfg.Scoring.FlagPenalty)
	assert.Equal(t, 90.0, cfg.Scoring.ExcellentMin)
	assert.Equal(t, "http://primary:8001", cfg.Analysis.PrimaryURL)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8, cfg.MaxRespondentTurns)
	assert.Equal(t, Default().Analysis.FallbackURL, cfg.Analysis.FallbackURL)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLOOM_ADDR", ":7777")
	t.Setenv("BLOOM_QUESTION_COUNT", "3")
	t.Setenv("BLOOM_ANALYSIS_TIMEOUT", "3s")
	t.Setenv("BLOOM_PRIMARY_ANALYSIS_URL", "http://env-primary")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Addr)
	assert.Equal(t, 3, cfg.QuestionCount)
	assert.Equal(t, 3*time.Second, cfg.Analysis.Timeout)
	assert.Equal(t, "http://env-primary", cfg.Analysis.PrimaryURL)
}
