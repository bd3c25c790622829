package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "")
	t.Setenv("OUT_DIR", "")

	cfg := Load()

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "./zipballs", cfg.OutDir)
	assert.Equal(t, []string{"zip"}, cfg.AllowedExtensions)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.False(t, cfg.ArtifactS3PathStyle)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "9")
	t.Setenv("FETCH_TIMEOUT", "3s")
	t.Setenv("ALLOWED_UPLOAD_EXTENSIONS", "ZIP, tar ,")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "true")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()

	assert.Equal(t, 9, cfg.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.FetchTimeout)
	assert.Equal(t, []string{"zip", "tar"}, cfg.AllowedExtensions)
	assert.True(t, cfg.ArtifactS3PathStyle)
	assert.Equal(t, 0, cfg.RedisDB)
}
