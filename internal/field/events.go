package field

import "time"

// EventKind представляет тип входящего события изменения.
type EventKind string

const (
	// EventLocationUpdate - обновление геопозиции секции
	EventLocationUpdate EventKind = "location_update"
	// EventProgressUpdate - обновление процента выполнения
	EventProgressUpdate EventKind = "progress_update"
	// EventStatusChange - смена статуса жизненного цикла
	EventStatusChange EventKind = "status_change"
)

// Valid сообщает, известен ли тип события.
func (k EventKind) Valid() bool {
	switch k {
	case EventLocationUpdate, EventProgressUpdate, EventStatusChange:
		return true
	default:
		return false
	}
}

// EventPayload — закрытое объединение полезных нагрузок по видам событий.
type EventPayload interface {
	payloadKind() EventKind
}

// LocationPayload несёт геопозицию.
type LocationPayload struct {
	Location GeoPoint
}

// ProgressPayload несёт отметку прогресса.
type ProgressPayload struct {
	Progress ProgressUpdate
}

// StatusPayload несёт смену статуса секции.
type StatusPayload struct {
	SectionID string
	Status    SectionStatus
}

func (LocationPayload) payloadKind() EventKind { return EventLocationUpdate }
func (ProgressPayload) payloadKind() EventKind { return EventProgressUpdate }
func (StatusPayload) payloadKind() EventKind   { return EventStatusChange }

// Event — типизированное событие из авторитетного фида изменений.
type Event struct {
	ID        string
	Kind      EventKind
	Timestamp time.Time
	UserID    string
	Payload   EventPayload
	Metadata  map[string]string
}

// Location извлекает геопозицию, если событие её несёт.
func (e *Event) Location() (GeoPoint, bool) {
	if p, ok := e.Payload.(LocationPayload); ok {
		return p.Location, true
	}
	return GeoPoint{}, false
}

// Progress извлекает отметку прогресса, если событие её несёт.
func (e *Event) Progress() (ProgressUpdate, bool) {
	if p, ok := e.Payload.(ProgressPayload); ok {
		return p.Progress, true
	}
	return ProgressUpdate{}, false
}

// Status извлекает смену статуса, если событие её несёт.
func (e *Event) Status() (StatusPayload, bool) {
	if p, ok := e.Payload.(StatusPayload); ok {
		return p, true
	}
	return StatusPayload{}, false
}

// ValueOf возвращает сливаемое значение, которое несёт событие.
// Для статуса значения секции недостаточно — возвращается только статусная
// часть, остальное добирает вызывающая сторона из текущего состояния.
func (e *Event) ValueOf(current FiberSectionState) (Value, bool) {
	switch p := e.Payload.(type) {
	case LocationPayload:
		return p.Location, true
	case ProgressPayload:
		return p.Progress, true
	case StatusPayload:
		next := current
		next.ID = p.SectionID
		next.Status = p.Status
		next.LastModified = e.Timestamp
		next.ModifiedBy = e.UserID
		return next, true
	default:
		return nil, false
	}
}
