package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/annel0/field-sync/internal/eventbus"
	"github.com/annel0/field-sync/internal/field"
)

// Типы событий на проводе. Совпадают с field.EventKind, плюс служебные
// типы моста: полный авторитетный снимок и итог реконсиляции.
const (
	TypeAuthoritativeState = "authoritative_state"
	TypeResolutionOutcome  = "resolution"
	TypeSyncBatch          = "sync_batch"
)

// wireLocation — JSON-представление геопозиции.
type wireLocation struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// wireProgress — JSON-представление отметки прогресса.
type wireProgress struct {
	Percentage float64   `json:"percentage"`
	Milestone  *string   `json:"milestone,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	Verified   bool      `json:"verified"`
}

// wireStatus — JSON-представление смены статуса.
type wireStatus struct {
	SectionID string `json:"section_id"`
	Status    string `json:"status"`
}

// wireSection — JSON-представление полного состояния секции.
type wireSection struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Progress     wireProgress `json:"progress"`
	Location     wireLocation `json:"location"`
	LastModified time.Time    `json:"last_modified"`
	ModifiedBy   string       `json:"modified_by"`
}

func toWireSection(state field.FiberSectionState) wireSection {
	return wireSection{
		ID:     state.ID,
		Status: string(state.Status),
		Progress: wireProgress{
			Percentage: state.Progress.Percentage,
			Milestone:  state.Progress.Milestone,
			Timestamp:  state.Progress.Timestamp,
			UserID:     state.Progress.UserID,
			Verified:   state.Progress.Verified,
		},
		Location: wireLocation{
			Latitude:  state.Location.Latitude,
			Longitude: state.Location.Longitude,
			Accuracy:  state.Location.Accuracy,
			Timestamp: state.Location.Timestamp,
			Source:    state.Location.Source,
		},
		LastModified: state.LastModified,
		ModifiedBy:   state.ModifiedBy,
	}
}

func (w wireSection) toState() field.FiberSectionState {
	return field.FiberSectionState{
		ID:     w.ID,
		Status: field.SectionStatus(w.Status),
		Progress: field.ProgressUpdate{
			Percentage: w.Progress.Percentage,
			Milestone:  w.Progress.Milestone,
			Timestamp:  w.Progress.Timestamp,
			UserID:     w.Progress.UserID,
			Verified:   w.Progress.Verified,
		},
		Location: field.GeoPoint{
			Latitude:  w.Location.Latitude,
			Longitude: w.Location.Longitude,
			Accuracy:  w.Location.Accuracy,
			Timestamp: w.Location.Timestamp,
			Source:    w.Location.Source,
		},
		LastModified: w.LastModified,
		ModifiedBy:   w.ModifiedBy,
	}
}

// DecodeEvent разбирает конверт фида изменений в типизированное событие.
// Разбор исчерпывающий по видам: неизвестный тип — ошибка, не пропуск.
func DecodeEvent(env *eventbus.Envelope) (field.Event, error) {
	ev := field.Event{
		ID:        env.ID,
		Kind:      field.EventKind(env.EventType),
		Timestamp: env.Timestamp,
		Metadata:  env.Metadata,
	}
	if uid, ok := env.Metadata["user_id"]; ok {
		ev.UserID = uid
	}

	switch field.EventKind(env.EventType) {
	case field.EventLocationUpdate:
		var w wireLocation
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return field.Event{}, fmt.Errorf("ошибка разбора location_update %s: %w", env.ID, err)
		}
		ev.Payload = field.LocationPayload{Location: field.GeoPoint{
			Latitude:  w.Latitude,
			Longitude: w.Longitude,
			Accuracy:  w.Accuracy,
			Timestamp: w.Timestamp,
			Source:    w.Source,
		}}
	case field.EventProgressUpdate:
		var w wireProgress
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return field.Event{}, fmt.Errorf("ошибка разбора progress_update %s: %w", env.ID, err)
		}
		ev.UserID = w.UserID
		ev.Payload = field.ProgressPayload{Progress: field.ProgressUpdate{
			Percentage: w.Percentage,
			Milestone:  w.Milestone,
			Timestamp:  w.Timestamp,
			UserID:     w.UserID,
			Verified:   w.Verified,
		}}
	case field.EventStatusChange:
		var w wireStatus
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return field.Event{}, fmt.Errorf("ошибка разбора status_change %s: %w", env.ID, err)
		}
		ev.Payload = field.StatusPayload{
			SectionID: w.SectionID,
			Status:    field.SectionStatus(w.Status),
		}
	default:
		return field.Event{}, fmt.Errorf("неизвестный тип события: %s", env.EventType)
	}

	return ev, nil
}

// EncodeValue сериализует сливаемое значение в полезную нагрузку конверта.
func EncodeValue(v field.Value) ([]byte, string, error) {
	switch val := v.(type) {
	case field.GeoPoint:
		data, err := json.Marshal(wireLocation{
			Latitude:  val.Latitude,
			Longitude: val.Longitude,
			Accuracy:  val.Accuracy,
			Timestamp: val.Timestamp,
			Source:    val.Source,
		})
		return data, string(field.EventLocationUpdate), err
	case field.ProgressUpdate:
		data, err := json.Marshal(wireProgress{
			Percentage: val.Percentage,
			Milestone:  val.Milestone,
			Timestamp:  val.Timestamp,
			UserID:     val.UserID,
			Verified:   val.Verified,
		})
		return data, string(field.EventProgressUpdate), err
	case field.FiberSectionState:
		data, err := json.Marshal(wireStatus{
			SectionID: val.ID,
			Status:    string(val.Status),
		})
		return data, string(field.EventStatusChange), err
	default:
		return nil, "", fmt.Errorf("неизвестный вид значения: %T", v)
	}
}

// DecodeAuthoritativeState разбирает конверт с полным авторитетным снимком.
func DecodeAuthoritativeState(env *eventbus.Envelope) (field.FiberSectionState, error) {
	var w wireSection
	if err := json.Unmarshal(env.Payload, &w); err != nil {
		return field.FiberSectionState{}, fmt.Errorf("ошибка разбора авторитетного снимка %s: %w", env.ID, err)
	}
	return w.toState(), nil
}

// ResolutionOutcome — итог реконсиляции, публикуемый для коллабораторов
// (уведомления, метрики, диспетчерские панели).
type ResolutionOutcome struct {
	WorkOrderID       string              `json:"work_order_id"`
	SectionID         string              `json:"section_id"`
	Success           bool                `json:"success"`
	ConflictsDetected int                 `json:"conflicts_detected"`
	ConflictsResolved int                 `json:"conflicts_resolved"`
	RolledBack        []string            `json:"rolled_back,omitempty"`
	FinalState        wireSection         `json:"final_state"`
	Resolutions       []outcomeResolution `json:"resolutions,omitempty"`
}

type outcomeResolution struct {
	ConflictID string  `json:"conflict_id"`
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
}
