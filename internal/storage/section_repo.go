package storage

import (
	"context"

	"github.com/annel0/field-sync/internal/field"
)

// SectionRepo определяет интерфейс для сохранения и загрузки состояний секций.
// Состояния привязаны к ID секции (постоянный идентификатор участка трассы).
// Репозиторий хранит последнее сведённое состояние, историю ведёт журнал.
type SectionRepo interface {
	// Save сохраняет состояние секции в хранилище.
	Save(ctx context.Context, state field.FiberSectionState) error

	// Load загружает состояние секции из хранилища.
	// Второе возвращаемое значение false, если секция ещё не встречалась.
	Load(ctx context.Context, sectionID string) (field.FiberSectionState, bool, error)

	// Delete удаляет сохранённое состояние секции (для тестов или сброса).
	Delete(ctx context.Context, sectionID string) error

	// BatchSave сохраняет несколько состояний одновременно (для автосохранения
	// после массовой реконсиляции).
	BatchSave(ctx context.Context, states []field.FiberSectionState) error
}
