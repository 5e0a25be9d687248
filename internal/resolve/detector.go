package resolve

import (
	"time"

	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/logging"
)

// concurrentWindow — окно, в котором два обновления от разных источников
// считаются конкурентными.
const concurrentWindow = 5000 * time.Millisecond

// ConflictDetector сравнивает локальное значение с пачкой удалённых событий
// и возвращает типизированные конфликты. Входные данные не мутирует.
type ConflictDetector struct {
	cfg Config
	now func() time.Time
}

// NewConflictDetector создаёт детектор с указанной конфигурацией.
func NewConflictDetector(cfg Config) *ConflictDetector {
	return &ConflictDetector{cfg: cfg, now: time.Now}
}

// Detect сопоставляет локальное значение с удалёнными событиями того же вида.
// Детекция ограничена мягким дедлайном DetectionTimeout: при его превышении
// возвращаются уже вычисленные конфликты, а превышение логируется.
func (d *ConflictDetector) Detect(local field.Value, remote []field.Event, meta ConflictMetadata) []Conflict {
	started := d.now()
	deadline := started.Add(d.cfg.DetectionTimeout)

	conflicts := make([]Conflict, 0)

	for i := range remote {
		if d.now().After(deadline) {
			logging.Warn("⏱️ детекция конфликтов превысила дедлайн %v: обработано %d/%d событий",
				d.cfg.DetectionTimeout, i, len(remote))
			break
		}

		switch lv := local.(type) {
		case field.GeoPoint:
			conflicts = append(conflicts, d.detectGeo(lv, &remote[i], meta)...)
		case field.ProgressUpdate:
			conflicts = append(conflicts, d.detectProgress(lv, &remote[i], meta)...)
		case field.FiberSectionState:
			conflicts = append(conflicts, d.detectState(lv, &remote[i], meta)...)
		}
	}

	if len(conflicts) > d.cfg.MaxConcurrentConflicts {
		logging.Warn("⚠️ обнаружено %d конфликтов, рекомендательный потолок %d превышен",
			len(conflicts), d.cfg.MaxConcurrentConflicts)
	}

	return conflicts
}

// detectGeo проверяет расстояние до удалённой точки и конкурентность
// обновлений. Оба конфликта независимы и могут возникнуть для одной пары.
func (d *ConflictDetector) detectGeo(local field.GeoPoint, ev *field.Event, meta ConflictMetadata) []Conflict {
	remote, ok := ev.Location()
	if !ok {
		return nil
	}

	now := d.now()
	var out []Conflict

	distance := local.DistanceTo(remote)
	if distance > d.cfg.MaxDistanceThreshold {
		severity := SeverityMedium
		if distance > 2*d.cfg.MaxDistanceThreshold {
			severity = SeverityHigh
		}
		auto := distance < 1.5*d.cfg.MaxDistanceThreshold
		out = append(out, newConflict(ConflictGeoCoordinate, severity, local, remote, meta, auto, now))
		logging.Debug("конфликт координат: дистанция %.1f м (порог %.1f м)", distance, d.cfg.MaxDistanceThreshold)
	}

	tsDiff := local.Timestamp.Sub(remote.Timestamp)
	if tsDiff < 0 {
		tsDiff = -tsDiff
	}
	if tsDiff < concurrentWindow && local.Source != remote.Source {
		out = append(out, newConflict(ConflictConcurrentUpdate, SeverityMedium, local, remote, meta, true, now))
	}

	return out
}

// detectProgress проверяет уменьшение процента и слишком резкий скачок.
func (d *ConflictDetector) detectProgress(local field.ProgressUpdate, ev *field.Event, meta ConflictMetadata) []Conflict {
	remote, ok := ev.Progress()
	if !ok {
		return nil
	}

	now := d.now()

	if !d.cfg.AllowProgressDecrease && remote.Percentage < local.Percentage {
		return []Conflict{newConflict(ConflictProgress, SeverityHigh, local, remote, meta, false, now)}
	}

	diff := remote.Percentage - local.Percentage
	if diff < 0 {
		diff = -diff
	}
	if diff > d.cfg.MaxProgressJump {
		return []Conflict{newConflict(ConflictProgress, SeverityMedium, local, remote, meta, true, now)}
	}

	// Ограниченный неубывающий прогресс конфликтом не считается.
	return nil
}

// detectState проверяет переход статуса по фиксированному графу.
func (d *ConflictDetector) detectState(local field.FiberSectionState, ev *field.Event, meta ConflictMetadata) []Conflict {
	payload, ok := ev.Status()
	if !ok {
		return nil
	}

	if local.Status.CanTransitionTo(payload.Status) {
		return nil
	}

	remote, _ := ev.ValueOf(local)
	logging.Debug("недопустимый переход статуса %s -> %s для секции %s",
		local.Status, payload.Status, local.ID)
	return []Conflict{newConflict(ConflictStateTransition, SeverityHigh, local, remote, meta, false, d.now())}
}

// ValidateUpdate — структурный входной фильтр перед оптимистичным
// применением. Семантики конфликтов здесь нет.
func (d *ConflictDetector) ValidateUpdate(update *OptimisticUpdate, current field.Value) bool {
	if update == nil {
		return false
	}
	if update.ID == "" || update.UserID == "" || !update.Kind.Valid() {
		return false
	}

	switch v := update.LocalValue.(type) {
	case field.GeoPoint:
		return v.Valid()
	case field.ProgressUpdate:
		return v.Valid()
	case field.FiberSectionState:
		return v.ID != "" && v.Status.Valid() && v.Progress.Valid() && v.Location.Valid()
	default:
		return false
	}
}
