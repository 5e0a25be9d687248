package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
eventbus:
  url: nats://127.0.0.1:4222
  stream: FIELD_EVENTS
  retention_hours: 24
resolution:
  max_distance_threshold_m: 150
  max_progress_jump: 40
  role_priorities:
    surveyor: 50
storage:
  backend: redis
  redis_addr: localhost:6379
server:
  rest_port: 9000
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "FIELD_EVENTS", cfg.EventBus.Stream)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, 9000, cfg.Server.GetRESTPort())
}

func TestLoadEmptyPathNoEnv(t *testing.T) {
	t.Setenv("FIELD_SYNC_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestToResolveConfigOverrides(t *testing.T) {
	r := ResolutionConfig{
		MaxDistanceThresholdM: 150,
		MaxProgressJump:       40,
		DetectionTimeoutMs:    75,
		RolePriorities:        map[string]int{"surveyor": 50},
	}

	cfg := r.ToResolveConfig()
	assert.Equal(t, 150.0, cfg.MaxDistanceThreshold)
	assert.Equal(t, 40.0, cfg.MaxProgressJump)
	assert.Equal(t, 75*time.Millisecond, cfg.DetectionTimeout)

	// Незаданные поля остаются дефолтными, роли дополняют таблицу.
	assert.Equal(t, 10.0, cfg.CoordinateAccuracyThreshold)
	assert.Equal(t, 50, cfg.RolePriorities["surveyor"])
	assert.Equal(t, 80, cfg.RolePriorities["foreman"])
}

func TestPortEnvFallback(t *testing.T) {
	s := ServerConfig{}

	t.Setenv("FIELD_SYNC_REST_PORT", "8099")
	assert.Equal(t, 8099, s.GetRESTPort())

	t.Setenv("FIELD_SYNC_REST_PORT", "")
	assert.Equal(t, 8088, s.GetRESTPort())

	s.RESTPort = 8100
	assert.Equal(t, 8100, s.GetRESTPort())
}
