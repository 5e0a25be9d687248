// Package journal реализует offline-журнал исходящих событий на BadgerDB.
// Полевой клиент пишет сюда события, когда связи с центром нет, и
// проигрывает их после переподключения в порядке записи.
package journal

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/annel0/field-sync/internal/eventbus"
)

const keyPrefix = "journal:"

// Journal — журнал неотправленных событий.
type Journal struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
	seq     uint64
}

// NewJournal открывает журнал в каталоге dataPath.
func NewJournal(dataPath string) (*Journal, error) {
	dbPath := filepath.Join(dataPath, "journal")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	return &Journal{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

// Close закрывает журнал.
func (j *Journal) Close() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if !j.isReady {
		return nil
	}

	j.isReady = false
	return j.db.Close()
}

// Append дописывает событие в хвост журнала.
// Ключ строится из метки времени и счётчика, чтобы лексикографический
// порядок ключей совпадал с порядком записи.
func (j *Journal) Append(ev *eventbus.Envelope) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if !j.isReady {
		return fmt.Errorf("журнал закрыт")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	j.seq++
	key := fmt.Sprintf("%s%020d:%012d:%s", keyPrefix, time.Now().UnixNano(), j.seq, ev.ID)

	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("ошибка записи в BadgerDB: %w", err)
	}

	return nil
}

// Replay проигрывает журнал от старых записей к новым. Успешно
// обработанные записи удаляются; на первой ошибке handler-а проигрывание
// останавливается, остаток остаётся в журнале до следующей попытки.
func (j *Journal) Replay(handler func(*eventbus.Envelope) error) (int, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if !j.isReady {
		return 0, fmt.Errorf("журнал закрыт")
	}

	type entry struct {
		key []byte
		ev  eventbus.Envelope
	}

	entries := make([]entry, 0)
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var ev eventbus.Envelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				return fmt.Errorf("ошибка десериализации записи %s: %w", item.Key(), err)
			}
			entries = append(entries, entry{key: item.KeyCopy(nil), ev: ev})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения журнала: %w", err)
	}

	replayed := 0
	for _, e := range entries {
		ev := e.ev
		if err := handler(&ev); err != nil {
			return replayed, fmt.Errorf("проигрывание остановлено на %s: %w", ev.ID, err)
		}

		err = j.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(e.key)
		})
		if err != nil {
			return replayed, fmt.Errorf("ошибка удаления записи: %w", err)
		}
		replayed++
	}

	return replayed, nil
}

// Prune удаляет записи старше maxAge. Возвращает число удалённых.
func (j *Journal) Prune(maxAge time.Duration) (int, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if !j.isReady {
		return 0, fmt.Errorf("журнал закрыт")
	}

	cutoff := time.Now().Add(-maxAge)
	stale := make([][]byte, 0)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var ev eventbus.Envelope
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			})
			if err != nil {
				continue
			}
			if ev.Timestamp.Before(cutoff) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка обхода журнала: %w", err)
	}

	for _, key := range stale {
		err = j.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return 0, fmt.Errorf("ошибка удаления устаревшей записи: %w", err)
		}
	}

	return len(stale), nil
}

// Len возвращает число записей в журнале.
func (j *Journal) Len() (int, error) {
	j.mutex.RLock()
	defer j.mutex.RUnlock()

	if !j.isReady {
		return 0, fmt.Errorf("журнал закрыт")
	}

	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ошибка обхода журнала: %w", err)
	}

	return count, nil
}
