package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/annel0/field-sync/internal/resolve"
)

// Config — корневая структура конфигурации приложения.
type Config struct {
	EventBus   EventBusConfig   `yaml:"eventbus"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Storage    StorageConfig    `yaml:"storage"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Server     ServerConfig     `yaml:"server"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
}

// ResolutionConfig — пороги движка разрешения конфликтов.
// Нулевые значения заменяются дефолтами из resolve.DefaultConfig.
type ResolutionConfig struct {
	MaxDistanceThresholdM     float64        `yaml:"max_distance_threshold_m"`
	CoordinateAccuracyThreshM float64        `yaml:"coordinate_accuracy_threshold_m"`
	AllowProgressDecrease     bool           `yaml:"allow_progress_decrease"`
	MaxProgressJump           float64        `yaml:"max_progress_jump"`
	DetectionTimeoutMs        int            `yaml:"detection_timeout_ms"`
	ResolutionTimeoutMs       int            `yaml:"resolution_timeout_ms"`
	MaxConcurrentConflicts    int            `yaml:"max_concurrent_conflicts"`
	OfflineGracePeriodS       int            `yaml:"offline_grace_period_s"`
	LowConnectivityMode       *bool          `yaml:"low_connectivity_mode"`
	RolePriorities            map[string]int `yaml:"role_priorities"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend"` // memory | redis | maria
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	MariaDSN  string `yaml:"maria_dsn"`
	DataPath  string `yaml:"data_path"` // каталог offline-журнала
}

type BridgeConfig struct {
	DeviceID     string `yaml:"device_id"`
	WorkOrderID  string `yaml:"work_order_id"`
	BatchSize    int    `yaml:"batch_size"`
	FlushEveryMs int    `yaml:"flush_every_ms"`
	UseGzipCompr bool   `yaml:"use_gzip_compression"`
}

type ServerConfig struct {
	RESTPort    int `yaml:"rest_port"`
	MetricsPort int `yaml:"metrics_port"`
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений.
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "FIELD_SYNC_REST_PORT", 8088)
}

// GetMetricsPort возвращает порт Prometheus-метрик с поддержкой fallback значений.
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "FIELD_SYNC_METRICS_PORT", 2112)
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default.
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}

	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}

	return defaultPort
}

// ToResolveConfig собирает конфигурацию движка: незаданные поля остаются
// дефолтными, заданные перекрывают их.
func (r *ResolutionConfig) ToResolveConfig() resolve.Config {
	cfg := resolve.DefaultConfig()

	if r.MaxDistanceThresholdM > 0 {
		cfg.MaxDistanceThreshold = r.MaxDistanceThresholdM
	}
	if r.CoordinateAccuracyThreshM > 0 {
		cfg.CoordinateAccuracyThreshold = r.CoordinateAccuracyThreshM
	}
	cfg.AllowProgressDecrease = r.AllowProgressDecrease
	if r.MaxProgressJump > 0 {
		cfg.MaxProgressJump = r.MaxProgressJump
	}
	if r.DetectionTimeoutMs > 0 {
		cfg.DetectionTimeout = time.Duration(r.DetectionTimeoutMs) * time.Millisecond
	}
	if r.ResolutionTimeoutMs > 0 {
		cfg.ResolutionTimeout = time.Duration(r.ResolutionTimeoutMs) * time.Millisecond
	}
	if r.MaxConcurrentConflicts > 0 {
		cfg.MaxConcurrentConflicts = r.MaxConcurrentConflicts
	}
	if r.OfflineGracePeriodS > 0 {
		cfg.OfflineGracePeriod = time.Duration(r.OfflineGracePeriodS) * time.Second
	}
	if r.LowConnectivityMode != nil {
		cfg.LowConnectivityMode = *r.LowConnectivityMode
	}
	for role, weight := range r.RolePriorities {
		cfg.RolePriorities[role] = weight
	}

	return cfg
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV FIELD_SYNC_CONFIG или возвращает nil, nil.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("FIELD_SYNC_CONFIG")
		if path == "" {
			return nil, nil // конфиг не задан — использовать дефолты
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
