package eventbus

import (
	"context"
	"sync"
)

var (
	globalBus EventBus
	globalMu  sync.RWMutex
)

// Init устанавливает глобальную шину процесса.
func Init(bus EventBus) {
	globalMu.Lock()
	globalBus = bus
	globalMu.Unlock()
}

// Publish отправляет событие в глобальную шину, если она инициализирована.
// До Init вызов безопасен и молча отбрасывает событие.
func Publish(ctx context.Context, ev *Envelope) error {
	globalMu.RLock()
	bus := globalBus
	globalMu.RUnlock()

	if bus == nil {
		return nil
	}
	return bus.Publish(ctx, ev)
}
