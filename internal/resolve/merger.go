package resolve

import (
	"time"

	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/logging"
)

// MergeStrategy называет способ, которым было получено слитое значение.
type MergeStrategy string

const (
	StrategyLastWriterWins    MergeStrategy = "last_writer_wins"
	StrategyBestAccuracy      MergeStrategy = "best_accuracy"
	StrategyCoordinateAverage MergeStrategy = "coordinate_average"
	StrategyMaxWins           MergeStrategy = "max_wins"
	StrategyMetadataUnion     MergeStrategy = "metadata_union"
	StrategyStatusOrder       MergeStrategy = "status_order"
	StrategyRecursiveMerge    MergeStrategy = "recursive_merge"
	StrategyRolePriority      MergeStrategy = "role_priority"
)

// MergeResult — результат одного слияния. Живёт один проход реконсиляции.
type MergeResult struct {
	MergedValue field.Value
	Conflicts   []Conflict
	Confidence  float64 // 0..1
	Strategy    MergeStrategy
}

// mergeWindow — окно, внутри которого временные метки координат считаются
// достаточно близкими для покомпонентного слияния.
const mergeWindow = 10000 * time.Millisecond

// CRDTMerger сводит два конкурентных значения одного вида к одному.
// Все входы — чистые функции от аргументов и конфигурации; на любой
// внутренний сбой возвращается локальное значение с confidence 0.5.
type CRDTMerger struct {
	cfg Config
}

// NewCRDTMerger создаёт merger с указанной конфигурацией.
func NewCRDTMerger(cfg Config) *CRDTMerger {
	return &CRDTMerger{cfg: cfg}
}

// MergeGeo сливает две геопозиции.
func (m *CRDTMerger) MergeGeo(local, remote field.GeoPoint, meta ConflictMetadata) (res MergeResult) {
	defer m.recoverToLocal(local, &res)

	// 1. Обе стороны сообщили точность: побеждает более точная.
	if local.Accuracy != nil && remote.Accuracy != nil {
		winner := local
		if *remote.Accuracy < *local.Accuracy {
			winner = remote
		}
		return MergeResult{MergedValue: winner, Confidence: 0.9, Strategy: StrategyBestAccuracy}
	}

	tsDiff := absDuration(local.Timestamp.Sub(remote.Timestamp))
	if tsDiff <= mergeWindow {
		distance := local.DistanceTo(remote)
		if distance < m.cfg.CoordinateAccuracyThreshold {
			return MergeResult{MergedValue: averageGeo(local, remote), Confidence: 0.95, Strategy: StrategyCoordinateAverage}
		}
		// Точки близки по времени, но далеки в пространстве — приоритет.
		merged, strategy := m.resolveByPriority(local, remote, meta)
		return MergeResult{MergedValue: merged, Confidence: 0.8, Strategy: strategy}
	}

	// 3. Метки времени далеко друг от друга: побеждает поздняя запись.
	winner := local
	if remote.Timestamp.After(local.Timestamp) {
		winner = remote
	}
	return MergeResult{MergedValue: winner, Confidence: 0.7, Strategy: StrategyLastWriterWins}
}

// MergeProgress сливает две отметки прогресса (монотонный max-wins CRDT).
func (m *CRDTMerger) MergeProgress(local, remote field.ProgressUpdate, meta ConflictMetadata) (res MergeResult) {
	defer m.recoverToLocal(local, &res)

	if local.Percentage != remote.Percentage {
		gap := local.Percentage - remote.Percentage
		if gap < 0 {
			gap = -gap
		}
		// Слишком резкий скачок доверяем таблице ролей; если роли ничью не
		// разрешают, работает обычный монотонный max-wins.
		if gap > m.cfg.MaxProgressJump {
			if winner, ok := m.roleWinner(local, remote, meta); ok {
				return MergeResult{MergedValue: winner, Confidence: 0.6, Strategy: StrategyRolePriority}
			}
		}
		winner := local
		if remote.Percentage > local.Percentage {
			winner = remote
		}
		return MergeResult{MergedValue: winner, Confidence: 0.9, Strategy: StrategyMaxWins}
	}

	// Проценты равны: объединяем только метаданные.
	merged := local
	merged.Verified = local.Verified || remote.Verified
	if merged.Milestone == nil {
		merged.Milestone = remote.Milestone
	}
	if remote.Timestamp.After(merged.Timestamp) {
		merged.Timestamp = remote.Timestamp
	}
	return MergeResult{MergedValue: merged, Confidence: 0.95, Strategy: StrategyMetadataUnion}
}

// MergeSection сливает два состояния секции: более продвинутый статус
// побеждает, при равенстве рекурсивно сливаются вложенные значения.
func (m *CRDTMerger) MergeSection(local, remote field.FiberSectionState, meta ConflictMetadata) (res MergeResult) {
	defer m.recoverToLocal(local, &res)

	lo, ro := local.Status.Order(), remote.Status.Order()
	if lo != ro {
		winner := local
		if ro > lo {
			winner = remote
		}
		return MergeResult{MergedValue: winner, Confidence: 0.85, Strategy: StrategyStatusOrder}
	}

	progressRes := m.MergeProgress(local.Progress, remote.Progress, meta)
	geoRes := m.MergeGeo(local.Location, remote.Location, meta)

	merged := local
	merged.Progress = progressRes.MergedValue.(field.ProgressUpdate)
	merged.Location = geoRes.MergedValue.(field.GeoPoint)
	if remote.LastModified.After(local.LastModified) {
		merged.LastModified = remote.LastModified
		merged.ModifiedBy = remote.ModifiedBy
	}

	conflicts := append(append([]Conflict{}, progressRes.Conflicts...), geoRes.Conflicts...)
	return MergeResult{MergedValue: merged, Conflicts: conflicts, Confidence: 0.9, Strategy: StrategyRecursiveMerge}
}

// roleWinner выбирает сторону по таблице приоритетов ролей.
// Возвращает false, если роли неизвестны или веса равны.
func (m *CRDTMerger) roleWinner(local, remote field.Value, meta ConflictMetadata) (field.Value, bool) {
	lp, lok := m.cfg.RolePriorities[meta.LocalRole]
	rp, rok := m.cfg.RolePriorities[meta.RemoteRole]
	if !lok || !rok || lp == rp {
		return nil, false
	}
	if rp > lp {
		return remote, true
	}
	return local, true
}

// resolveByPriority разрешает ничью, когда автоматика не уверена:
// сначала таблица приоритетов ролей, затем оптимистичный выбор локальной
// стороны — если только удалённая не помечена как авторитетная.
func (m *CRDTMerger) resolveByPriority(local, remote field.Value, meta ConflictMetadata) (field.Value, MergeStrategy) {
	if winner, ok := m.roleWinner(local, remote, meta); ok {
		return winner, StrategyRolePriority
	}

	if meta.Source == SourceAuthoritative {
		return remote, StrategyLastWriterWins
	}
	return local, StrategyLastWriterWins
}

// recoverToLocal деградирует слияние до локального значения при панике.
func (m *CRDTMerger) recoverToLocal(local field.Value, res *MergeResult) {
	if r := recover(); r != nil {
		logging.Error("❌ сбой CRDT-слияния, возврат локального значения: %v", r)
		*res = MergeResult{MergedValue: local, Confidence: 0.5, Strategy: StrategyLastWriterWins}
	}
}

// averageGeo сливает две близкие точки усреднением координат,
// забирая лучшую точность и более позднюю метку времени.
func averageGeo(local, remote field.GeoPoint) field.GeoPoint {
	merged := field.GeoPoint{
		Latitude:  (local.Latitude + remote.Latitude) / 2,
		Longitude: (local.Longitude + remote.Longitude) / 2,
	}

	switch {
	case local.Accuracy != nil && remote.Accuracy != nil:
		best := *local.Accuracy
		if *remote.Accuracy < best {
			best = *remote.Accuracy
		}
		merged.Accuracy = &best
	case local.Accuracy != nil:
		acc := *local.Accuracy
		merged.Accuracy = &acc
	case remote.Accuracy != nil:
		acc := *remote.Accuracy
		merged.Accuracy = &acc
	}

	later := local
	if remote.Timestamp.After(local.Timestamp) ||
		(remote.Timestamp.Equal(local.Timestamp) && remote.Source < local.Source) {
		later = remote
	}
	merged.Timestamp = later.Timestamp
	merged.Source = later.Source

	return merged
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
