package resolve

import (
	"errors"
	"fmt"

	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/logging"
)

// ErrNotInitialized возвращается при любом вызове до Initialize().
var ErrNotInitialized = errors.New("движок разрешения конфликтов не инициализирован")

// ResolutionManager — единственная публичная поверхность движка для
// внешних участников (моста реального времени и слоя оптимистичных
// обновлений). Экземпляр создаётся на один логический наряд; глобального
// синглтона нет. Доступ однопоточный, вызовы сериализует владелец.
type ResolutionManager struct {
	cfg         Config
	base        ConflictMetadata // базовый контекст: организация, наряд
	detector    *ConflictDetector
	merger      *CRDTMerger
	reconciler  *OptimisticReconciler
	metrics     *EngineMetrics
	initialized bool
}

// NewResolutionManager создаёт менеджер; до Initialize() операции запрещены.
func NewResolutionManager(cfg Config, base ConflictMetadata) *ResolutionManager {
	return &ResolutionManager{cfg: cfg.clone(), base: base}
}

// Initialize валидирует конфигурацию и собирает три подкомпонента.
func (m *ResolutionManager) Initialize() error {
	if err := m.cfg.Validate(); err != nil {
		return fmt.Errorf("некорректная конфигурация движка: %w", err)
	}

	m.detector = NewConflictDetector(m.cfg)
	m.merger = NewCRDTMerger(m.cfg)
	m.reconciler = NewOptimisticReconciler(m.detector, m.merger, m.cfg)
	m.metrics = NewEngineMetrics()
	m.initialized = true

	logging.Info("✅ движок разрешения конфликтов инициализирован: наряд=%s, порог дистанции=%.0f м",
		m.base.WorkOrderID, m.cfg.MaxDistanceThreshold)
	return nil
}

// Shutdown откатывает все неподтверждённые обновления и гасит движок.
func (m *ResolutionManager) Shutdown() error {
	if !m.initialized {
		return ErrNotInitialized
	}

	pending := len(m.reconciler.PendingUpdates())
	m.reconciler.RollbackAll()
	m.initialized = false

	logging.Info("🔻 движок остановлен, откачено %d неподтверждённых обновлений", pending)
	return nil
}

// SeedState задаёт начальное локальное состояние секции.
func (m *ResolutionManager) SeedState(state field.FiberSectionState) error {
	if !m.initialized {
		return ErrNotInitialized
	}
	m.reconciler.SetLocalState(state)
	return nil
}

// LocalState возвращает текущее локальное состояние секции.
func (m *ResolutionManager) LocalState() (field.FiberSectionState, error) {
	if !m.initialized {
		return field.FiberSectionState{}, ErrNotInitialized
	}
	return m.reconciler.LocalState(), nil
}

// ApplyOptimisticUpdate применяет локальное изменение до подтверждения
// авторитетным источником.
func (m *ResolutionManager) ApplyOptimisticUpdate(update *OptimisticUpdate) error {
	if !m.initialized {
		return ErrNotInitialized
	}

	if err := m.reconciler.Apply(update); err != nil {
		return err
	}
	m.metrics.pendingUpdates.Set(float64(len(m.reconciler.PendingUpdates())))
	return nil
}

// DetectConflicts сверяет входящие удалённые события с локальным
// состоянием и возвращает обнаруженные конфликты.
func (m *ResolutionManager) DetectConflicts(events []field.Event, meta ConflictMetadata) ([]Conflict, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}

	m.fillBase(&meta)
	state := m.reconciler.LocalState()

	conflicts := make([]Conflict, 0)
	for _, kind := range reconcileOrder {
		group := make([]field.Event, 0)
		for _, ev := range events {
			if ev.Kind == kind {
				group = append(group, ev)
			}
		}
		if len(group) == 0 {
			continue
		}
		conflicts = append(conflicts, m.detector.Detect(subValue(state, kind), group, meta)...)
	}

	for _, c := range conflicts {
		m.metrics.conflictsDetected.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
	}
	return conflicts, nil
}

// ReconcileWithAuthoritative сводит реестр неподтверждённых обновлений с
// новым авторитетным состоянием. Вызывающая сторона обязана применить
// FinalState и выполнить RollbacksRequired через RollbackOptimisticUpdates.
func (m *ResolutionManager) ReconcileWithAuthoritative(authoritative field.FiberSectionState, meta ConflictMetadata) (*ReconciliationResult, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}

	m.fillBase(&meta)
	result := m.reconciler.Reconcile(authoritative, m.reconciler.PendingUpdates(), meta)
	m.metrics.observeResult(result, len(m.reconciler.PendingUpdates()))
	return result, nil
}

// RollbackOptimisticUpdates откатывает перечисленные обновления.
func (m *ResolutionManager) RollbackOptimisticUpdates(ids []string) error {
	if !m.initialized {
		return ErrNotInitialized
	}

	m.reconciler.Rollback(ids)
	m.metrics.rollbacks.Add(float64(len(ids)))
	m.metrics.pendingUpdates.Set(float64(len(m.reconciler.PendingUpdates())))
	return nil
}

// GetPendingUpdates возвращает неподтверждённые обновления (от старых к новым).
func (m *ResolutionManager) GetPendingUpdates() ([]*OptimisticUpdate, error) {
	if !m.initialized {
		return nil, ErrNotInitialized
	}
	return m.reconciler.PendingUpdates(), nil
}

// ClearConfirmedUpdates удаляет подтверждённые обновления из реестра.
func (m *ResolutionManager) ClearConfirmedUpdates() (int, error) {
	if !m.initialized {
		return 0, ErrNotInitialized
	}

	removed := m.reconciler.ClearConfirmed()
	m.metrics.pendingUpdates.Set(float64(len(m.reconciler.PendingUpdates())))
	return removed, nil
}

// UpdateConfig горячо заменяет конфигурацию и пересобирает подкомпоненты.
// Реестр неподтверждённых обновлений и локальное состояние переносятся,
// промежуточное состояние слияний отбрасывается.
func (m *ResolutionManager) UpdateConfig(cfg Config) error {
	if !m.initialized {
		return ErrNotInitialized
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("некорректная конфигурация движка: %w", err)
	}

	old := m.reconciler

	m.cfg = cfg.clone()
	m.detector = NewConflictDetector(m.cfg)
	m.merger = NewCRDTMerger(m.cfg)
	m.reconciler = NewOptimisticReconciler(m.detector, m.merger, m.cfg)
	m.reconciler.SetLocalState(old.LocalState())
	m.reconciler.pending = old.pending
	m.reconciler.applied = old.applied

	logging.Info("♻️ конфигурация движка обновлена: порог дистанции=%.0f м, скачок прогресса=%.0f",
		m.cfg.MaxDistanceThreshold, m.cfg.MaxProgressJump)
	return nil
}

// Config возвращает копию действующей конфигурации.
func (m *ResolutionManager) Config() Config {
	return m.cfg.clone()
}

// fillBase дополняет метаданные вызова базовым контекстом менеджера.
func (m *ResolutionManager) fillBase(meta *ConflictMetadata) {
	if meta.OrganizationID == "" {
		meta.OrganizationID = m.base.OrganizationID
	}
	if meta.WorkOrderID == "" {
		meta.WorkOrderID = m.base.WorkOrderID
	}
	if meta.UserID == "" {
		meta.UserID = m.base.UserID
	}
}
