// Package bridge связывает движок разрешения конфликтов с внешним миром:
// фидом изменений (EventBus), хранилищем секций и offline-журналом.
// Движок однопоточный, поэтому все обращения к нему мост сериализует.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/field-sync/internal/eventbus"
	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/journal"
	"github.com/annel0/field-sync/internal/logging"
	"github.com/annel0/field-sync/internal/resolve"
	"github.com/annel0/field-sync/internal/storage"
)

// Options — настройки моста.
type Options struct {
	DeviceID      string        // ID этого устройства (Source исходящих конвертов)
	WorkOrderID   string        // наряд, который обслуживает мост
	BatchCapacity int           // лимит буфера исходящих изменений
	FlushEvery    time.Duration // интервал отправки батчей
	UseGzip       bool          // сжимать исходящие батчи
}

// DefaultOptions возвращает настройки по умолчанию.
func DefaultOptions(deviceID, workOrderID string) Options {
	return Options{
		DeviceID:      deviceID,
		WorkOrderID:   workOrderID,
		BatchCapacity: 256,
		FlushEvery:    500 * time.Millisecond,
		UseGzip:       true,
	}
}

// Bridge обслуживает один наряд: принимает фид изменений, гоняет его через
// движок, применяет итоги к хранилищу и публикует исходы реконсиляции.
type Bridge struct {
	bus     eventbus.EventBus
	manager *resolve.ResolutionManager
	repo    storage.SectionRepo
	journal *journal.Journal // nil — offline-журнал отключён
	batch   *BatchManager
	opts    Options

	mu  sync.Mutex // сериализует обращения к движку
	sub eventbus.Subscription
}

// NewBridge собирает мост поверх готового движка.
func NewBridge(bus eventbus.EventBus, manager *resolve.ResolutionManager, repo storage.SectionRepo, jrnl *journal.Journal, opts Options) *Bridge {
	var compressor DeltaCompressor
	if opts.UseGzip {
		compressor = NewGzipCompressor()
		logging.Info("🔄 Bridge: используется gzip-компрессия батчей")
	} else {
		compressor = NewPassthroughCompressor()
		logging.Info("🔄 Bridge: компрессия батчей отключена")
	}

	return &Bridge{
		bus:     bus,
		manager: manager,
		repo:    repo,
		journal: jrnl,
		batch:   NewBatchManager(bus, opts.DeviceID, opts.WorkOrderID, opts.BatchCapacity, opts.FlushEvery, compressor),
		opts:    opts,
	}
}

// Start подписывает мост на фид изменений своего наряда.
func (b *Bridge) Start(ctx context.Context) error {
	filter := eventbus.Filter{
		Types: []string{
			string(field.EventLocationUpdate),
			string(field.EventProgressUpdate),
			string(field.EventStatusChange),
			TypeAuthoritativeState,
		},
		WorkOrders: []string{b.opts.WorkOrderID},
	}

	sub, err := b.bus.Subscribe(ctx, filter, b.handleEnvelope)
	if err != nil {
		return fmt.Errorf("не удалось подписаться на фид изменений: %w", err)
	}
	b.sub = sub

	logging.Info("🌉 Bridge запущен: наряд=%s, устройство=%s", b.opts.WorkOrderID, b.opts.DeviceID)
	return nil
}

// Stop отписывается от фида и дожимает исходящий буфер.
func (b *Bridge) Stop() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	b.batch.Stop()
	logging.Info("🌉 Bridge остановлен: наряд=%s", b.opts.WorkOrderID)
}

// PublishLocalUpdate применяет локальное изменение оптимистично и ставит его
// в очередь на отправку. Статусные изменения уходят с большим приоритетом:
// при вытеснении из переполненного буфера первыми гибнут геопозиции.
func (b *Bridge) PublishLocalUpdate(update *resolve.OptimisticUpdate) error {
	b.mu.Lock()
	err := b.manager.ApplyOptimisticUpdate(update)
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("оптимистичное применение отклонено: %w", err)
	}

	data, kind, err := EncodeValue(update.LocalValue)
	if err != nil {
		return fmt.Errorf("ошибка сериализации обновления %s: %w", update.ID, err)
	}

	priority := 3
	switch update.Kind {
	case field.EventStatusChange:
		priority = 7
	case field.EventProgressUpdate:
		priority = 5
	}

	b.batch.AddChange(Change{
		Data:      data,
		Priority:  priority,
		Timestamp: update.AppliedAt,
		Kind:      kind,
	})
	return nil
}

// Replay проигрывает offline-журнал в шину и отсекает записи старше
// OfflineGracePeriod. Вызывается после восстановления связи.
func (b *Bridge) Replay(ctx context.Context) error {
	if b.journal == nil {
		return nil
	}

	grace := b.manager.Config().OfflineGracePeriod
	pruned, err := b.journal.Prune(grace)
	if err != nil {
		return fmt.Errorf("ошибка отсечки журнала: %w", err)
	}
	if pruned > 0 {
		logging.Warn("⏳ %d событий старше %v отброшено из offline-журнала", pruned, grace)
	}

	replayed, err := b.journal.Replay(func(env *eventbus.Envelope) error {
		return b.bus.Publish(ctx, env)
	})
	if replayed > 0 {
		logging.Info("📤 %d событий из offline-журнала отправлено", replayed)
	}
	if err != nil {
		return fmt.Errorf("проигрывание журнала прервано: %w", err)
	}
	return nil
}

// handleEnvelope — единая точка входа фида. Собственные конверты устройства
// пропускаются: их судьбу решает реконсиляция с авторитетным снимком.
func (b *Bridge) handleEnvelope(ctx context.Context, env *eventbus.Envelope) {
	if env.Source == b.opts.DeviceID {
		return
	}

	if env.EventType == TypeAuthoritativeState {
		b.reconcile(ctx, env)
		return
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		logging.Warn("конверт %s отброшен: %v", env.ID, err)
		return
	}

	meta := resolve.ConflictMetadata{
		UserID:      ev.UserID,
		WorkOrderID: env.WorkOrderID,
		Timestamp:   env.Timestamp,
		Source:      resolve.SourceRemote,
	}
	if role, ok := env.Metadata["role"]; ok {
		meta.RemoteRole = role
	}

	b.mu.Lock()
	conflicts, err := b.manager.DetectConflicts([]field.Event{ev}, meta)
	b.mu.Unlock()
	if err != nil {
		logging.Error("❌ детекция по событию %s не удалась: %v", ev.ID, err)
		return
	}

	for _, c := range conflicts {
		logging.Warn("⚠️ конфликт %s (%s/%s) по событию %s", c.ID, c.Type, c.Severity, ev.ID)
	}
}

// reconcile сводит реестр с авторитетным снимком: итоговое состояние уходит
// в хранилище, откаты исполняются немедленно, исход публикуется в шину.
func (b *Bridge) reconcile(ctx context.Context, env *eventbus.Envelope) {
	state, err := DecodeAuthoritativeState(env)
	if err != nil {
		logging.Error("❌ %v", err)
		return
	}

	meta := resolve.ConflictMetadata{
		WorkOrderID: env.WorkOrderID,
		SectionID:   state.ID,
		Timestamp:   env.Timestamp,
	}

	b.mu.Lock()
	res, err := b.manager.ReconcileWithAuthoritative(state, meta)
	if err == nil {
		if len(res.RollbacksRequired) > 0 {
			err = b.manager.RollbackOptimisticUpdates(res.RollbacksRequired)
		}
		if err == nil {
			_, err = b.manager.ClearConfirmedUpdates()
		}
	}
	b.mu.Unlock()
	if err != nil {
		logging.Error("❌ реконсиляция снимка %s не удалась: %v", env.ID, err)
		return
	}

	if err := b.repo.Save(ctx, res.FinalState); err != nil {
		logging.Error("❌ не удалось сохранить состояние секции %s: %v", res.FinalState.ID, err)
	}

	b.publishOutcome(ctx, res)
}

// publishOutcome публикует итог реконсиляции; при недоступной шине итог
// ложится в offline-журнал и уйдёт при следующем Replay.
func (b *Bridge) publishOutcome(ctx context.Context, res *resolve.ReconciliationResult) {
	outcome := ResolutionOutcome{
		WorkOrderID:       b.opts.WorkOrderID,
		SectionID:         res.FinalState.ID,
		Success:           res.Success,
		ConflictsDetected: res.ConflictsDetected,
		ConflictsResolved: res.ConflictsResolved,
		RolledBack:        res.RollbacksRequired,
		FinalState:        toWireSection(res.FinalState),
	}
	for _, r := range res.Resolutions {
		outcome.Resolutions = append(outcome.Resolutions, outcomeResolution{
			ConflictID: r.ConflictID,
			Strategy:   string(r.Strategy),
			Confidence: r.Confidence,
		})
	}

	payload, err := json.Marshal(outcome)
	if err != nil {
		logging.Error("❌ ошибка сериализации исхода реконсиляции: %v", err)
		return
	}

	env := &eventbus.Envelope{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Source:      b.opts.DeviceID,
		EventType:   TypeResolutionOutcome,
		Version:     1,
		WorkOrderID: b.opts.WorkOrderID,
		Priority:    6,
		Payload:     payload,
	}

	if err := b.bus.Publish(ctx, env); err != nil {
		logging.Warn("📴 шина недоступна, исход реконсиляции уходит в журнал: %v", err)
		if b.journal != nil {
			if jerr := b.journal.Append(env); jerr != nil {
				logging.Error("❌ не удалось записать исход в журнал: %v", jerr)
			}
		}
	}
}
