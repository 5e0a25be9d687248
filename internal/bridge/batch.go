package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/field-sync/internal/eventbus"
	"github.com/annel0/field-sync/internal/logging"
)

// Change содержит сериализованное локальное изменение для отправки в центр.
type Change struct {
	Data      []byte    // Сериализованные данные изменения
	Priority  int       // приоритизация для сброса при перегрузке
	Timestamp time.Time // Время создания изменения
	Kind      string    // Вид изменения: location_update / progress_update / status_change
}

// BatchManager накапливает исходящие изменения и отправляет их пакетами
// через EventBus. Каждый полевой клиент имеет собственный экземпляр.
type BatchManager struct {
	mu       sync.Mutex
	buf      []Change
	capacity int

	flushEvery time.Duration
	bus        eventbus.EventBus
	source     string // ID устройства-отправителя
	workOrder  string
	compressor DeltaCompressor

	quit chan struct{}
}

// NewBatchManager создаёт менеджер с указанным лимитом буфера и интервалом отправки.
func NewBatchManager(bus eventbus.EventBus, source, workOrder string, capacity int, flushEvery time.Duration, compressor DeltaCompressor) *BatchManager {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	bm := &BatchManager{
		capacity:   capacity,
		flushEvery: flushEvery,
		bus:        bus,
		source:     source,
		workOrder:  workOrder,
		compressor: compressor,
		quit:       make(chan struct{}),
	}
	go bm.loop()
	return bm
}

// AddChange добавляет изменение в буфер; при переполнении низкоприоритетные
// изменения вытесняются.
func (bm *BatchManager) AddChange(ch Change) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	if len(bm.buf) >= bm.capacity {
		// ищем самое низкое Priority и заменяем, если новое выше.
		lowIdx := -1
		lowPri := ch.Priority
		for i, c := range bm.buf {
			if c.Priority < lowPri {
				lowPri = c.Priority
				lowIdx = i
			}
		}
		if lowIdx >= 0 {
			bm.buf[lowIdx] = ch
		} else {
			// все изменения приоритетнее нового — дропаем новое
			return
		}
	} else {
		bm.buf = append(bm.buf, ch)
	}
}

// Len возвращает число изменений в буфере.
func (bm *BatchManager) Len() int {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return len(bm.buf)
}

func (bm *BatchManager) loop() {
	ticker := time.NewTicker(bm.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bm.flush()
		case <-bm.quit:
			return
		}
	}
}

// flush отсылает накопленные изменения единым сообщением.
func (bm *BatchManager) flush() {
	bm.mu.Lock()
	if len(bm.buf) == 0 {
		bm.mu.Unlock()
		return
	}
	changes := make([]Change, len(bm.buf))
	copy(changes, bm.buf)
	bm.buf = bm.buf[:0]
	bm.mu.Unlock()

	batchPayload, err := bm.compressor.Compress(changes)
	if err != nil {
		logging.Warn("BatchManager: ошибка компрессии: %v", err)
		return
	}

	env := &eventbus.Envelope{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		Source:      bm.source,
		EventType:   TypeSyncBatch,
		Version:     1,
		WorkOrderID: bm.workOrder,
		Priority:    5,
		Payload:     batchPayload,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bm.bus.Publish(ctx, env); err != nil {
		logging.Warn("BatchManager: ошибка публикации: %v", err)
	}
}

// Stop завершает работу менеджера и отправляет оставшиеся изменения.
func (bm *BatchManager) Stop() {
	close(bm.quit)
	bm.flush()
}
