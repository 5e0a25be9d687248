package resolve

import (
	"fmt"
	"sort"
	"time"

	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/logging"
)

// OptimisticUpdate — локально применённое, но ещё не подтверждённое
// изменение. Владеет им исключительно реестр реконсилятора до момента
// подтверждения-очистки или отката.
type OptimisticUpdate struct {
	ID           string
	Kind         field.EventKind
	LocalValue   field.Value
	AppliedAt    time.Time
	UserID       string
	RollbackData field.Value // снимок прежнего значения; nil — восстанавливать нечего
	Confirmed    bool
}

// ReconciliationResult — итог одного прохода реконсиляции.
// Эфемерен: возвращается вызывающей стороне (мосту) и не хранится.
type ReconciliationResult struct {
	Success           bool
	ConflictsDetected int
	ConflictsResolved int
	RollbacksRequired []string
	FinalState        field.FiberSectionState
	Conflicts         []Conflict
	Resolutions       []ConflictResolution
}

// reconcileOrder — фиксированный порядок обхода групп по виду события.
// Контракт между группами порядок не оговаривает, но обход делаем
// детерминированным, чтобы результат был воспроизводим.
var reconcileOrder = []field.EventKind{
	field.EventLocationUpdate,
	field.EventProgressUpdate,
	field.EventStatusChange,
}

// OptimisticReconciler ведёт реестр неподтверждённых обновлений и сводит
// их с поступившим авторитетным состоянием. Экземпляр рассчитан на
// однопоточный доступ: вызовы сериализует мост (см. bridge).
type OptimisticReconciler struct {
	detector *ConflictDetector
	merger   *CRDTMerger
	cfg      Config
	now      func() time.Time

	state   field.FiberSectionState     // текущее локальное состояние секции
	pending map[string]*OptimisticUpdate // реестр неподтверждённых обновлений
	applied map[string]field.Value       // кэш применённых значений по id
}

// NewOptimisticReconciler создаёт реконсилятор поверх детектора и merger-а.
func NewOptimisticReconciler(detector *ConflictDetector, merger *CRDTMerger, cfg Config) *OptimisticReconciler {
	return &OptimisticReconciler{
		detector: detector,
		merger:   merger,
		cfg:      cfg,
		now:      time.Now,
		pending:  make(map[string]*OptimisticUpdate),
		applied:  make(map[string]field.Value),
	}
}

// SetLocalState задаёт начальное локальное состояние секции.
func (r *OptimisticReconciler) SetLocalState(state field.FiberSectionState) {
	r.state = state
}

// LocalState возвращает текущее локальное состояние.
func (r *OptimisticReconciler) LocalState() field.FiberSectionState {
	return r.state
}

// Apply валидирует и регистрирует оптимистичное обновление, снимая снимок
// замещаемого значения для возможного отката. Невалидные обновления в
// реестр не попадают. Повторная вставка живого id перезаписывает запись.
func (r *OptimisticReconciler) Apply(update *OptimisticUpdate) error {
	if !r.detector.ValidateUpdate(update, r.state) {
		return fmt.Errorf("обновление отклонено структурной валидацией")
	}

	update.RollbackData = subValue(r.state, update.Kind)
	update.Confirmed = false

	r.pending[update.ID] = update
	r.applied[update.ID] = update.LocalValue
	r.applyValue(update.LocalValue)

	logging.Debug("оптимистичное обновление %s (%s) применено, в реестре %d",
		update.ID, update.Kind, len(r.pending))
	return nil
}

// Reconcile сводит неподтверждённые обновления с авторитетным состоянием.
// Обновления группируются по виду события и внутри группы обрабатываются
// от старых к новым. Неуложившиеся в ResolutionTimeout и упавшие группы
// целиком уходят в RollbacksRequired — движок закрывается, а не открывается.
func (r *OptimisticReconciler) Reconcile(authoritative field.FiberSectionState, pending []*OptimisticUpdate, meta ConflictMetadata) *ReconciliationResult {
	deadline := r.now().Add(r.cfg.ResolutionTimeout)
	meta.Source = SourceAuthoritative

	groups := make(map[field.EventKind][]*OptimisticUpdate)
	for _, u := range pending {
		groups[u.Kind] = append(groups[u.Kind], u)
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].AppliedAt.Before(g[j].AppliedAt) })
	}

	result := &ReconciliationResult{FinalState: authoritative}
	timedOut := false

	for _, kind := range reconcileOrder {
		group := groups[kind]
		if len(group) == 0 {
			continue
		}
		if timedOut {
			for _, u := range group {
				result.RollbacksRequired = append(result.RollbacksRequired, u.ID)
			}
			continue
		}
		timedOut = r.reconcileGroup(group, result, meta, deadline)
	}

	result.Success = result.ConflictsDetected == result.ConflictsResolved
	r.state = result.FinalState

	logging.Info("🔀 реконсиляция: обновлений=%d, конфликтов=%d, разрешено=%d, откатов=%d",
		len(pending), result.ConflictsDetected, result.ConflictsResolved, len(result.RollbacksRequired))
	return result
}

// reconcileGroup обрабатывает одну группу обновлений. Возвращает true,
// если в процессе истёк дедлайн. Паника внутри группы отправляет все её
// обновления в откат и обнуляет её вклад в разрешённые конфликты.
func (r *OptimisticReconciler) reconcileGroup(group []*OptimisticUpdate, result *ReconciliationResult, meta ConflictMetadata, deadline time.Time) (timedOut bool) {
	groupResolved := 0
	groupResolutions := make([]ConflictResolution, 0)
	confirmed := make([]*OptimisticUpdate, 0, len(group))

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("❌ сбой реконсиляции группы %s: %v — вся группа в откат", group[0].Kind, rec)
			for _, u := range group {
				u.Confirmed = false
				result.RollbacksRequired = append(result.RollbacksRequired, u.ID)
			}
			return
		}
		result.ConflictsResolved += groupResolved
		result.Resolutions = append(result.Resolutions, groupResolutions...)
		for _, u := range confirmed {
			u.Confirmed = true
		}
	}()

	for i, u := range group {
		if r.now().After(deadline) {
			logging.Warn("⏱️ реконсиляция превысила дедлайн %v: %d обновлений группы %s в откат",
				r.cfg.ResolutionTimeout, len(group)-i, u.Kind)
			for _, rest := range group[i:] {
				result.RollbacksRequired = append(result.RollbacksRequired, rest.ID)
			}
			return true
		}

		authValue := subValue(result.FinalState, u.Kind)
		synthetic := syntheticEvent(u)
		conflicts := r.detector.Detect(authValue, []field.Event{synthetic}, meta)
		result.ConflictsDetected += len(conflicts)
		result.Conflicts = append(result.Conflicts, conflicts...)

		if len(conflicts) == 0 {
			confirmed = append(confirmed, u)
			result.FinalState = foldValue(result.FinalState, u.LocalValue)
			continue
		}

		merge := r.mergeForKind(u, authValue, meta)
		if merge.Confidence > 0.7 {
			groupResolved += len(conflicts)
			now := r.now()
			for _, c := range conflicts {
				groupResolutions = append(groupResolutions, ConflictResolution{
					ConflictID:       c.ID,
					Strategy:         merge.Strategy,
					ResolvedValue:    merge.MergedValue,
					Confidence:       merge.Confidence,
					ResolvedAt:       now,
					RollbackPossible: true,
				})
			}
			confirmed = append(confirmed, u)
			result.FinalState = foldValue(result.FinalState, merge.MergedValue)
			continue
		}

		result.RollbacksRequired = append(result.RollbacksRequired, u.ID)
	}

	return false
}

// Rollback восстанавливает локальное состояние из снимков и удаляет
// записи из реестра и кэша. Отсутствующие id логируются и пропускаются.
func (r *OptimisticReconciler) Rollback(ids []string) {
	for _, id := range ids {
		update, ok := r.pending[id]
		if !ok {
			logging.Warn("откат: обновление %s не найдено в реестре, пропускаем", id)
			continue
		}

		if update.RollbackData != nil {
			r.applyValue(update.RollbackData)
		}

		delete(r.pending, id)
		delete(r.applied, id)
		logging.Debug("обновление %s откачено", id)
	}
}

// PendingUpdates возвращает неподтверждённые обновления от старых к новым.
func (r *OptimisticReconciler) PendingUpdates() []*OptimisticUpdate {
	out := make([]*OptimisticUpdate, 0, len(r.pending))
	for _, u := range r.pending {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out
}

// ClearConfirmed удаляет подтверждённые обновления из реестра и кэша.
func (r *OptimisticReconciler) ClearConfirmed() int {
	removed := 0
	for id, u := range r.pending {
		if u.Confirmed {
			delete(r.pending, id)
			delete(r.applied, id)
			removed++
		}
	}
	return removed
}

// RollbackAll откатывает весь реестр (используется при shutdown).
func (r *OptimisticReconciler) RollbackAll() {
	ids := make([]string, 0, len(r.pending))
	for _, u := range r.PendingUpdates() {
		ids = append(ids, u.ID)
	}
	r.Rollback(ids)
}

// applyValue накладывает значение на локальное состояние.
func (r *OptimisticReconciler) applyValue(v field.Value) {
	r.state = foldValue(r.state, v)
}

// mergeForKind вызывает входную точку merger-а, соответствующую виду
// обновления. Локальной стороной выступает значение обновления.
func (r *OptimisticReconciler) mergeForKind(u *OptimisticUpdate, authValue field.Value, meta ConflictMetadata) MergeResult {
	switch lv := u.LocalValue.(type) {
	case field.GeoPoint:
		return r.merger.MergeGeo(lv, authValue.(field.GeoPoint), meta)
	case field.ProgressUpdate:
		return r.merger.MergeProgress(lv, authValue.(field.ProgressUpdate), meta)
	case field.FiberSectionState:
		return r.merger.MergeSection(lv, authValue.(field.FiberSectionState), meta)
	default:
		// Закрытое объединение; сюда попасть нельзя.
		panic(fmt.Sprintf("неизвестный вид значения: %T", u.LocalValue))
	}
}

// subValue извлекает из состояния секции значение нужного вида.
func subValue(state field.FiberSectionState, kind field.EventKind) field.Value {
	switch kind {
	case field.EventLocationUpdate:
		return state.Location
	case field.EventProgressUpdate:
		return state.Progress
	default:
		return state
	}
}

// foldValue вкладывает значение в состояние секции.
func foldValue(state field.FiberSectionState, v field.Value) field.FiberSectionState {
	switch val := v.(type) {
	case field.GeoPoint:
		state.Location = val
		if val.Timestamp.After(state.LastModified) {
			state.LastModified = val.Timestamp
		}
	case field.ProgressUpdate:
		state.Progress = val
		if val.Timestamp.After(state.LastModified) {
			state.LastModified = val.Timestamp
			state.ModifiedBy = val.UserID
		}
	case field.FiberSectionState:
		state = val
	}
	return state
}

// syntheticEvent строит событие из оптимистичного обновления для прогона
// через детектор (локальной стороной детекции служит авторитетное значение).
func syntheticEvent(u *OptimisticUpdate) field.Event {
	ev := field.Event{
		ID:        u.ID,
		Kind:      u.Kind,
		Timestamp: u.AppliedAt,
		UserID:    u.UserID,
	}

	switch v := u.LocalValue.(type) {
	case field.GeoPoint:
		ev.Payload = field.LocationPayload{Location: v}
	case field.ProgressUpdate:
		ev.Payload = field.ProgressPayload{Progress: v}
	case field.FiberSectionState:
		ev.Payload = field.StatusPayload{SectionID: v.ID, Status: v.Status}
	}

	return ev
}
