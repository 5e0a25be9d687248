// Package field содержит доменные типы полевых работ: геопозиции,
// прогресс укладки и жизненный цикл секций оптоволокна.
package field

import (
	"time"

	"github.com/annel0/field-sync/internal/geo"
)

// GeoPoint — геопозиция, привязанная к устройству-источнику.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64 // точность в метрах; nil — датчик её не сообщил
	Timestamp time.Time
	Source    string // идентификатор устройства-источника
}

// Valid проверяет диапазоны координат.
func (p GeoPoint) Valid() bool {
	return geo.ValidLatitude(p.Latitude) && geo.ValidLongitude(p.Longitude)
}

// DistanceTo возвращает расстояние до другой точки в метрах (гаверсинус).
func (p GeoPoint) DistanceTo(other GeoPoint) float64 {
	return geo.Distance(p.Latitude, p.Longitude, other.Latitude, other.Longitude)
}

// ProgressUpdate — отметка о проценте выполнения секции.
type ProgressUpdate struct {
	Percentage float64
	Milestone  *string // опциональная веха ("муфта установлена" и т.п.)
	Timestamp  time.Time
	UserID     string
	Verified   bool // подтверждено бригадиром/центром
}

// Valid проверяет диапазон процента.
func (p ProgressUpdate) Valid() bool {
	return p.Percentage >= 0 && p.Percentage <= 100
}

// SectionStatus — статус жизненного цикла секции.
type SectionStatus string

const (
	StatusPlanned    SectionStatus = "planned"
	StatusStarted    SectionStatus = "started"
	StatusInProgress SectionStatus = "in_progress"
	StatusCompleted  SectionStatus = "completed"
	StatusFailed     SectionStatus = "failed"
)

// statusTransitions — фиксированный граф допустимых переходов.
// completed — терминальный статус; из failed возможен только рестарт.
var statusTransitions = map[SectionStatus][]SectionStatus{
	StatusPlanned:    {StatusStarted},
	StatusStarted:    {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {StatusStarted},
}

// Valid сообщает, известен ли статус.
func (s SectionStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// CanTransitionTo проверяет переход s -> next по графу.
// Переход в тот же статус допустим (повторная доставка события).
func (s SectionStatus) CanTransitionTo(next SectionStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order задаёт тотальный порядок статусов для CRDT-слияния.
// failed = -1 — особое восстановимое значение.
func (s SectionStatus) Order() int {
	switch s {
	case StatusPlanned:
		return 0
	case StatusStarted:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted:
		return 3
	case StatusFailed:
		return -1
	default:
		return -2
	}
}

// FiberSectionState — полное состояние секции оптоволокна.
type FiberSectionState struct {
	ID           string
	Status       SectionStatus
	Progress     ProgressUpdate
	Location     GeoPoint
	LastModified time.Time
	ModifiedBy   string
}

// Value — закрытое объединение трёх сливаемых видов значений.
// Других реализаций быть не должно: по Kind делаются исчерпывающие switch.
type Value interface {
	Kind() EventKind
}

func (GeoPoint) Kind() EventKind          { return EventLocationUpdate }
func (ProgressUpdate) Kind() EventKind    { return EventProgressUpdate }
func (FiberSectionState) Kind() EventKind { return EventStatusChange }
