package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/annel0/field-sync/internal/field"
)

// MariaSectionRepo реализует SectionRepo для базы данных MariaDB/MySQL.
// Использует таблицу fiber_sections для хранения сведённых состояний.
type MariaSectionRepo struct {
	db *sql.DB
}

// NewMariaSectionRepo создает репозиторий секций для MariaDB.
// Автоматически создает таблицу, если она не существует.
//
// dsn — строка подключения (user:pass@tcp(host:port)/dbname?parseTime=true).
func NewMariaSectionRepo(dsn string) (*MariaSectionRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к MariaDB: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось проверить соединение с MariaDB: %w", err)
	}

	repo := &MariaSectionRepo{db: db}

	if err := repo.createTable(); err != nil {
		db.Close()
		return nil, fmt.Errorf("не удалось создать таблицу: %w", err)
	}

	return repo, nil
}

// createTable создает таблицу fiber_sections, если она не существует.
func (r *MariaSectionRepo) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS fiber_sections (
			section_id      VARCHAR(64)  PRIMARY KEY,
			status          VARCHAR(16)  NOT NULL,
			percentage      DOUBLE       NOT NULL DEFAULT 0,
			milestone       VARCHAR(255) NULL,
			verified        BOOLEAN      NOT NULL DEFAULT FALSE,
			progress_time   TIMESTAMP(3) NULL,
			progress_user   VARCHAR(64)  NOT NULL DEFAULT '',
			latitude        DOUBLE       NOT NULL DEFAULT 0,
			longitude       DOUBLE       NOT NULL DEFAULT 0,
			accuracy        DOUBLE       NULL,
			location_source VARCHAR(64)  NOT NULL DEFAULT '',
			location_time   TIMESTAMP(3) NULL,
			last_modified   TIMESTAMP(3) NULL,
			modified_by     VARCHAR(64)  NOT NULL DEFAULT '',
			INDEX idx_status (status),
			INDEX idx_last_modified (last_modified)
		) ENGINE=InnoDB
	`

	_, err := r.db.Exec(query)
	if err != nil {
		return fmt.Errorf("ошибка создания таблицы fiber_sections: %w", err)
	}

	return nil
}

const upsertSectionQuery = `
	INSERT INTO fiber_sections (
		section_id, status, percentage, milestone, verified,
		progress_time, progress_user, latitude, longitude, accuracy,
		location_source, location_time, last_modified, modified_by
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		status          = VALUES(status),
		percentage      = VALUES(percentage),
		milestone       = VALUES(milestone),
		verified        = VALUES(verified),
		progress_time   = VALUES(progress_time),
		progress_user   = VALUES(progress_user),
		latitude        = VALUES(latitude),
		longitude       = VALUES(longitude),
		accuracy        = VALUES(accuracy),
		location_source = VALUES(location_source),
		location_time   = VALUES(location_time),
		last_modified   = VALUES(last_modified),
		modified_by     = VALUES(modified_by)
`

// Save сохраняет состояние секции.
// Использует INSERT ... ON DUPLICATE KEY UPDATE для обновления существующих записей.
func (r *MariaSectionRepo) Save(ctx context.Context, state field.FiberSectionState) error {
	if state.ID == "" {
		return fmt.Errorf("пустой ID секции")
	}
	if !state.Status.Valid() {
		return fmt.Errorf("недействительный статус секции %s: %s", state.ID, state.Status)
	}

	_, err := r.db.ExecContext(ctx, upsertSectionQuery,
		state.ID, string(state.Status), state.Progress.Percentage, state.Progress.Milestone,
		state.Progress.Verified, state.Progress.Timestamp, state.Progress.UserID,
		state.Location.Latitude, state.Location.Longitude, state.Location.Accuracy,
		state.Location.Source, state.Location.Timestamp, state.LastModified, state.ModifiedBy)
	if err != nil {
		return fmt.Errorf("ошибка сохранения секции %s: %w", state.ID, err)
	}

	return nil
}

// Load загружает состояние секции из базы данных.
func (r *MariaSectionRepo) Load(ctx context.Context, sectionID string) (field.FiberSectionState, bool, error) {
	if sectionID == "" {
		return field.FiberSectionState{}, false, fmt.Errorf("пустой ID секции")
	}

	query := `
		SELECT section_id, status, percentage, milestone, verified,
		       progress_time, progress_user, latitude, longitude, accuracy,
		       location_source, location_time, last_modified, modified_by
		FROM fiber_sections WHERE section_id = ?
	`

	var (
		state        field.FiberSectionState
		status       string
		milestone    sql.NullString
		accuracy     sql.NullFloat64
		progressTime sql.NullTime
		locationTime sql.NullTime
		lastModified sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, sectionID).Scan(
		&state.ID, &status, &state.Progress.Percentage, &milestone, &state.Progress.Verified,
		&progressTime, &state.Progress.UserID,
		&state.Location.Latitude, &state.Location.Longitude, &accuracy,
		&state.Location.Source, &locationTime, &lastModified, &state.ModifiedBy)

	if err == sql.ErrNoRows {
		// Секция ещё не встречалась
		return field.FiberSectionState{}, false, nil
	}
	if err != nil {
		return field.FiberSectionState{}, false, fmt.Errorf("ошибка загрузки секции %s: %w", sectionID, err)
	}

	state.Status = field.SectionStatus(status)
	if milestone.Valid {
		state.Progress.Milestone = &milestone.String
	}
	if accuracy.Valid {
		state.Location.Accuracy = &accuracy.Float64
	}
	if progressTime.Valid {
		state.Progress.Timestamp = progressTime.Time
	}
	if locationTime.Valid {
		state.Location.Timestamp = locationTime.Time
	}
	if lastModified.Valid {
		state.LastModified = lastModified.Time
	}

	return state, true, nil
}

// Delete удаляет сохранённое состояние секции.
func (r *MariaSectionRepo) Delete(ctx context.Context, sectionID string) error {
	if sectionID == "" {
		return fmt.Errorf("пустой ID секции")
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM fiber_sections WHERE section_id = ?`, sectionID)
	if err != nil {
		return fmt.Errorf("ошибка удаления секции %s: %w", sectionID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ошибка получения количества затронутых строк: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("секция %s не найдена", sectionID)
	}

	return nil
}

// BatchSave сохраняет несколько состояний в одной транзакции.
// Это оптимизация для автосохранения после массовой реконсиляции.
func (r *MariaSectionRepo) BatchSave(ctx context.Context, states []field.FiberSectionState) error {
	if len(states) == 0 {
		return nil // Нечего сохранять
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback() // Откат в случае ошибки

	stmt, err := tx.PrepareContext(ctx, upsertSectionQuery)
	if err != nil {
		return fmt.Errorf("ошибка подготовки запроса: %w", err)
	}
	defer stmt.Close()

	for _, state := range states {
		if state.ID == "" {
			return fmt.Errorf("пустой ID секции в batch")
		}
		if !state.Status.Valid() {
			return fmt.Errorf("недействительный статус секции %s в batch: %s", state.ID, state.Status)
		}

		_, err = stmt.ExecContext(ctx,
			state.ID, string(state.Status), state.Progress.Percentage, state.Progress.Milestone,
			state.Progress.Verified, state.Progress.Timestamp, state.Progress.UserID,
			state.Location.Latitude, state.Location.Longitude, state.Location.Accuracy,
			state.Location.Source, state.Location.Timestamp, state.LastModified, state.ModifiedBy)
		if err != nil {
			return fmt.Errorf("ошибка сохранения секции %s в batch: %w", state.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}

	return nil
}

// Close закрывает соединение с базой данных.
func (r *MariaSectionRepo) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
