package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/logging"
)

// RedisSectionRepo хранит состояния секций в Redis для быстрого доступа
// диспетчерских панелей. Запись батчируется: полевые клиенты шлют
// обновления чаще, чем их имеет смысл писать.
type RedisSectionRepo struct {
	client      *redis.Client
	ctx         context.Context
	keyPrefix   string
	ttl         time.Duration
	batchSize   int
	batchMu     sync.Mutex
	batchBuffer map[string]sectionRecord
	batchTicker *time.Ticker
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// sectionRecord — сериализуемое представление состояния секции.
type sectionRecord struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Percentage   float64   `json:"percentage"`
	Milestone    *string   `json:"milestone,omitempty"`
	Verified     bool      `json:"verified"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Source       string    `json:"source"`
	LocationTime time.Time `json:"location_time"`
	ProgressTime time.Time `json:"progress_time"`
	ProgressUser string    `json:"progress_user"`
	LastModified time.Time `json:"last_modified"`
	ModifiedBy   string    `json:"modified_by"`
}

func toRecord(state field.FiberSectionState) sectionRecord {
	return sectionRecord{
		ID:           state.ID,
		Status:       string(state.Status),
		Percentage:   state.Progress.Percentage,
		Milestone:    state.Progress.Milestone,
		Verified:     state.Progress.Verified,
		Latitude:     state.Location.Latitude,
		Longitude:    state.Location.Longitude,
		Accuracy:     state.Location.Accuracy,
		Source:       state.Location.Source,
		LocationTime: state.Location.Timestamp,
		ProgressTime: state.Progress.Timestamp,
		ProgressUser: state.Progress.UserID,
		LastModified: state.LastModified,
		ModifiedBy:   state.ModifiedBy,
	}
}

func (rec sectionRecord) toState() field.FiberSectionState {
	return field.FiberSectionState{
		ID:     rec.ID,
		Status: field.SectionStatus(rec.Status),
		Progress: field.ProgressUpdate{
			Percentage: rec.Percentage,
			Milestone:  rec.Milestone,
			Timestamp:  rec.ProgressTime,
			UserID:     rec.ProgressUser,
			Verified:   rec.Verified,
		},
		Location: field.GeoPoint{
			Latitude:  rec.Latitude,
			Longitude: rec.Longitude,
			Accuracy:  rec.Accuracy,
			Timestamp: rec.LocationTime,
			Source:    rec.Source,
		},
		LastModified: rec.LastModified,
		ModifiedBy:   rec.ModifiedBy,
	}
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Addr         string        // Адрес Redis сервера
	Password     string        // Пароль (пустой если не требуется)
	DB           int           // Номер базы данных
	KeyPrefix    string        // Префикс для ключей
	TTL          time.Duration // Время жизни записей
	BatchSize    int           // Размер батча для записи
	BatchFlushMs int           // Интервал сброса батча в миллисекундах
}

// DefaultRedisConfig возвращает конфигурацию по умолчанию.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		KeyPrefix:    "fieldsync:section:",
		TTL:          24 * time.Hour,
		BatchSize:    100,
		BatchFlushMs: 100,
	}
}

// NewRedisSectionRepo создаёт Redis-репозиторий состояний секций.
func NewRedisSectionRepo(config *RedisConfig) (*RedisSectionRepo, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx := context.Background()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("не удалось подключиться к Redis: %w", err)
	}

	repo := &RedisSectionRepo{
		client:      client,
		ctx:         ctx,
		keyPrefix:   config.KeyPrefix,
		ttl:         config.TTL,
		batchSize:   config.BatchSize,
		batchBuffer: make(map[string]sectionRecord),
		batchTicker: time.NewTicker(time.Duration(config.BatchFlushMs) * time.Millisecond),
		shutdown:    make(chan struct{}),
	}

	repo.wg.Add(1)
	go repo.batchFlusher()

	logging.Info("🔴 Подключение к Redis установлено: %s", config.Addr)
	return repo, nil
}

// Save кладёт состояние в батч-буфер; при переполнении буфер сбрасывается
// немедленно, иначе его заберёт фоновый флашер.
func (r *RedisSectionRepo) Save(ctx context.Context, state field.FiberSectionState) error {
	if state.ID == "" {
		return fmt.Errorf("пустой ID секции")
	}

	rec := toRecord(state)

	r.batchMu.Lock()
	r.batchBuffer[state.ID] = rec

	if len(r.batchBuffer) >= r.batchSize {
		batch := r.batchBuffer
		r.batchBuffer = make(map[string]sectionRecord)
		r.batchMu.Unlock()

		return r.flushBatch(batch)
	}

	r.batchMu.Unlock()
	return nil
}

// Load читает состояние секции.
func (r *RedisSectionRepo) Load(ctx context.Context, sectionID string) (field.FiberSectionState, bool, error) {
	key := r.keyPrefix + sectionID

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return field.FiberSectionState{}, false, nil
	} else if err != nil {
		return field.FiberSectionState{}, false, fmt.Errorf("ошибка чтения секции %s: %w", sectionID, err)
	}

	var rec sectionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return field.FiberSectionState{}, false, fmt.Errorf("ошибка десериализации секции %s: %w", sectionID, err)
	}

	return rec.toState(), true, nil
}

// Delete удаляет состояние секции.
func (r *RedisSectionRepo) Delete(ctx context.Context, sectionID string) error {
	key := r.keyPrefix + sectionID

	// Убираем из батч-буфера, если ещё не записано
	r.batchMu.Lock()
	delete(r.batchBuffer, sectionID)
	r.batchMu.Unlock()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ошибка удаления секции %s: %w", sectionID, err)
	}

	return nil
}

// BatchSave сбрасывает набор состояний одним пайплайном.
func (r *RedisSectionRepo) BatchSave(ctx context.Context, states []field.FiberSectionState) error {
	if len(states) == 0 {
		return nil
	}

	batch := make(map[string]sectionRecord, len(states))
	for _, state := range states {
		if state.ID == "" {
			return fmt.Errorf("пустой ID секции в batch")
		}
		batch[state.ID] = toRecord(state)
	}

	return r.flushBatch(batch)
}

// GetNearbySections возвращает ID секций в радиусе radiusMeters от точки.
// Использует GEO-индекс Redis; индекс пополняется при каждой записи.
func (r *RedisSectionRepo) GetNearbySections(lat, lon, radiusMeters float64) ([]string, error) {
	geoKey := r.keyPrefix + "geo"

	query := &redis.GeoSearchQuery{
		Longitude:  lon,
		Latitude:   lat,
		Radius:     radiusMeters,
		RadiusUnit: "m",
	}

	names, err := r.client.GeoSearch(r.ctx, geoKey, query).Result()
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска соседних секций: %w", err)
	}

	return names, nil
}

// Count возвращает количество секций в хранилище.
func (r *RedisSectionRepo) Count() (int64, error) {
	pattern := r.keyPrefix + "*"

	var count int64
	iter := r.client.Scan(r.ctx, 0, pattern, 0).Iterator()
	for iter.Next(r.ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта секций: %w", err)
	}

	return count, nil
}

// Close останавливает флашер, дописывает хвост буфера и закрывает соединение.
func (r *RedisSectionRepo) Close() error {
	close(r.shutdown)
	r.wg.Wait()

	r.batchMu.Lock()
	if len(r.batchBuffer) > 0 {
		if err := r.flushBatch(r.batchBuffer); err != nil {
			logging.Error("❌ Не удалось записать хвост батча: %v", err)
		}
	}
	r.batchMu.Unlock()

	return r.client.Close()
}

// batchFlusher периодически сбрасывает батч-буфер.
func (r *RedisSectionRepo) batchFlusher() {
	defer r.wg.Done()

	for {
		select {
		case <-r.shutdown:
			return
		case <-r.batchTicker.C:
			r.batchMu.Lock()
			if len(r.batchBuffer) > 0 {
				batch := r.batchBuffer
				r.batchBuffer = make(map[string]sectionRecord)
				r.batchMu.Unlock()

				if err := r.flushBatch(batch); err != nil {
					logging.Error("❌ Ошибка сброса батча: %v", err)
				}
			} else {
				r.batchMu.Unlock()
			}
		}
	}
}

// flushBatch пишет батч состояний в Redis одним пайплайном и обновляет GEO-индекс.
func (r *RedisSectionRepo) flushBatch(batch map[string]sectionRecord) error {
	if len(batch) == 0 {
		return nil
	}

	geoKey := r.keyPrefix + "geo"
	pipe := r.client.Pipeline()

	for sectionID, rec := range batch {
		key := r.keyPrefix + sectionID

		data, err := json.Marshal(rec)
		if err != nil {
			logging.Warn("⚠️ Не удалось сериализовать секцию %s: %v", sectionID, err)
			continue
		}

		pipe.Set(r.ctx, key, data, r.ttl)
		pipe.GeoAdd(r.ctx, geoKey, &redis.GeoLocation{
			Name:      sectionID,
			Longitude: rec.Longitude,
			Latitude:  rec.Latitude,
		})
	}
	pipe.Expire(r.ctx, geoKey, r.ttl)

	_, err := pipe.Exec(r.ctx)
	if err != nil {
		return fmt.Errorf("ошибка выполнения батча: %w", err)
	}

	return nil
}
