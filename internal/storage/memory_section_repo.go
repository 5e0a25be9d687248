package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/annel0/field-sync/internal/field"
)

// MemorySectionRepo реализует SectionRepo в памяти.
// Используется как fallback, когда MariaDB и Redis недоступны,
// или для CI/локальной разработки без БД.
// ВНИМАНИЕ: Данные теряются при перезапуске сервера!
type MemorySectionRepo struct {
	mu   sync.RWMutex
	data map[string]field.FiberSectionState // sectionID -> состояние
}

// NewMemorySectionRepo создает новый репозиторий секций в памяти.
func NewMemorySectionRepo() *MemorySectionRepo {
	return &MemorySectionRepo{
		data: make(map[string]field.FiberSectionState),
	}
}

// Save сохраняет состояние секции в памяти.
func (r *MemorySectionRepo) Save(ctx context.Context, state field.FiberSectionState) error {
	if state.ID == "" {
		return fmt.Errorf("пустой ID секции")
	}
	if !state.Status.Valid() {
		return fmt.Errorf("недействительный статус секции %s: %s", state.ID, state.Status)
	}

	// Проверяем контекст на отмену
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.data[state.ID] = state
	return nil
}

// Load загружает состояние секции из памяти.
func (r *MemorySectionRepo) Load(ctx context.Context, sectionID string) (field.FiberSectionState, bool, error) {
	if sectionID == "" {
		return field.FiberSectionState{}, false, fmt.Errorf("пустой ID секции")
	}

	select {
	case <-ctx.Done():
		return field.FiberSectionState{}, false, ctx.Err()
	default:
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.data[sectionID]
	return state, exists, nil
}

// Delete удаляет сохранённое состояние секции из памяти.
func (r *MemorySectionRepo) Delete(ctx context.Context, sectionID string) error {
	if sectionID == "" {
		return fmt.Errorf("пустой ID секции")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data[sectionID]; !exists {
		return fmt.Errorf("секция %s не найдена", sectionID)
	}

	delete(r.data, sectionID)
	return nil
}

// BatchSave сохраняет несколько состояний в памяти.
func (r *MemorySectionRepo) BatchSave(ctx context.Context, states []field.FiberSectionState) error {
	if len(states) == 0 {
		return nil // Нечего сохранять
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Валидация всех записей перед сохранением
	for _, state := range states {
		if state.ID == "" {
			return fmt.Errorf("пустой ID секции в batch")
		}
		if !state.Status.Valid() {
			return fmt.Errorf("недействительный статус секции %s в batch: %s", state.ID, state.Status)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, state := range states {
		r.data[state.ID] = state
	}

	return nil
}

// GetAll возвращает все сохранённые состояния (для отладки).
// Метод не входит в интерфейс SectionRepo, но полезен для тестирования.
func (r *MemorySectionRepo) GetAll() map[string]field.FiberSectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]field.FiberSectionState, len(r.data))
	for id, state := range r.data {
		result[id] = state
	}

	return result
}

// Count возвращает количество сохранённых секций (для отладки).
func (r *MemorySectionRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Clear очищает все сохранённые состояния (для тестов).
func (r *MemorySectionRepo) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = make(map[string]field.FiberSectionState)
}
