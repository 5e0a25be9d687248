package resolve

import (
	"fmt"
	"time"
)

// Config задаёт пороги и тайминги движка разрешения конфликтов.
// Один экземпляр конфигурации действует на весь движок; горячая замена
// выполняется через ResolutionManager.UpdateConfig.
type Config struct {
	MaxDistanceThreshold        float64       // метры; дальше — конфликт координат
	CoordinateAccuracyThreshold float64       // метры; ближе — слияние усреднением
	AllowProgressDecrease       bool          // разрешить уменьшение процента
	MaxProgressJump             float64       // процентные пункты за одно обновление
	DetectionTimeout            time.Duration // мягкий дедлайн детекции
	ResolutionTimeout           time.Duration // мягкий дедлайн реконсиляции
	MaxConcurrentConflicts      int           // рекомендательный потолок на один проход
	OfflineGracePeriod          time.Duration // сколько живут офлайн-события
	LowConnectivityMode         bool          // щадящий режим для слабой связи
	RolePriorities              map[string]int
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		MaxDistanceThreshold:        100,
		CoordinateAccuracyThreshold: 10,
		AllowProgressDecrease:       false,
		MaxProgressJump:             25,
		DetectionTimeout:            50 * time.Millisecond,
		ResolutionTimeout:           100 * time.Millisecond,
		MaxConcurrentConflicts:      10,
		OfflineGracePeriod:          30 * time.Second,
		LowConnectivityMode:         true,
		RolePriorities: map[string]int{
			"admin":      100,
			"foreman":    80,
			"technician": 60,
			"observer":   20,
		},
	}
}

// Validate проверяет, что все числовые пороги строго положительны.
func (c *Config) Validate() error {
	if c.MaxDistanceThreshold <= 0 {
		return fmt.Errorf("max_distance_threshold должен быть > 0, получено %v", c.MaxDistanceThreshold)
	}
	if c.CoordinateAccuracyThreshold <= 0 {
		return fmt.Errorf("coordinate_accuracy_threshold должен быть > 0, получено %v", c.CoordinateAccuracyThreshold)
	}
	if c.MaxProgressJump <= 0 {
		return fmt.Errorf("max_progress_jump должен быть > 0, получено %v", c.MaxProgressJump)
	}
	if c.DetectionTimeout <= 0 {
		return fmt.Errorf("detection_timeout должен быть > 0, получено %v", c.DetectionTimeout)
	}
	if c.ResolutionTimeout <= 0 {
		return fmt.Errorf("resolution_timeout должен быть > 0, получено %v", c.ResolutionTimeout)
	}
	if c.MaxConcurrentConflicts <= 0 {
		return fmt.Errorf("max_concurrent_conflicts должен быть > 0, получено %v", c.MaxConcurrentConflicts)
	}
	if c.OfflineGracePeriod <= 0 {
		return fmt.Errorf("offline_grace_period должен быть > 0, получено %v", c.OfflineGracePeriod)
	}
	return nil
}

// clone делает глубокую копию (карта ролей копируется).
func (c Config) clone() Config {
	out := c
	out.RolePriorities = make(map[string]int, len(c.RolePriorities))
	for role, weight := range c.RolePriorities {
		out.RolePriorities[role] = weight
	}
	return out
}
