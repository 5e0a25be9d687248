// Package resolve реализует движок разрешения конфликтов между локальными
// оптимистичными изменениями и авторитетным состоянием: детекцию,
// CRDT-слияние и реконсиляцию с откатом.
package resolve

import (
	"time"

	"github.com/google/uuid"

	"github.com/annel0/field-sync/internal/field"
)

// ConflictType классифицирует обнаруженный конфликт.
type ConflictType string

const (
	ConflictGeoCoordinate    ConflictType = "geo_coordinate"
	ConflictProgress         ConflictType = "progress_percentage"
	ConflictStateTransition  ConflictType = "state_transition"
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
)

// Severity ранжирует серьёзность конфликта.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank задаёт порядок для сортировки по серьёзности.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Source помечает происхождение значения в метаданных.
type Source string

const (
	SourceLocal         Source = "local"
	SourceRemote        Source = "remote"
	SourceAuthoritative Source = "authoritative"
)

// ConflictMetadata — контекст вызова детекции/слияния.
// Собственной идентичности не имеет, передаётся по значению.
type ConflictMetadata struct {
	UserID            string
	OrganizationID    string
	WorkOrderID       string
	SectionID         string // пустой, если не привязан к секции
	Timestamp         time.Time
	Source            Source
	ConnectionQuality string // "good"/"poor"/"offline"; пустой — неизвестно
	LocalRole         string // роль автора локального значения
	RemoteRole        string // роль автора удалённого значения
}

// Conflict описывает одно расхождение локального и удалённого значений.
// После создания не мутируется: вытесненные конфликты просто отбрасываются.
type Conflict struct {
	ID             string
	Type           ConflictType
	Severity       Severity
	LocalValue     field.Value
	RemoteValue    field.Value
	Metadata       ConflictMetadata
	DetectedAt     time.Time
	AutoResolvable bool
}

// newConflict собирает конфликт с новым UUID.
func newConflict(ct ConflictType, sev Severity, local, remote field.Value, meta ConflictMetadata, auto bool, now time.Time) Conflict {
	return Conflict{
		ID:             uuid.NewString(),
		Type:           ct,
		Severity:       sev,
		LocalValue:     local,
		RemoteValue:    remote,
		Metadata:       meta,
		DetectedAt:     now,
		AutoResolvable: auto,
	}
}

// ConflictResolution фиксирует, как именно конфликт был разрешён.
type ConflictResolution struct {
	ConflictID       string
	Strategy         MergeStrategy
	ResolvedValue    field.Value
	Confidence       float64
	ResolvedAt       time.Time
	RollbackPossible bool
}
