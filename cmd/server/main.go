package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/field-sync/internal/api"
	"github.com/annel0/field-sync/internal/bridge"
	"github.com/annel0/field-sync/internal/config"
	"github.com/annel0/field-sync/internal/eventbus"
	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/journal"
	"github.com/annel0/field-sync/internal/logging"
	"github.com/annel0/field-sync/internal/observability"
	"github.com/annel0/field-sync/internal/resolve"
	"github.com/annel0/field-sync/internal/storage"
)

func main() {
	// Инициализируем систему логирования
	if err := logging.InitDefaultLogger("field-sync"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🛰️ Запуск узла синхронизации полевых работ...")

	// === КОНФИГУРАЦИЯ ===
	cfg, err := config.Load("")
	if err != nil {
		logging.Error("❌ Ошибка загрузки конфигурации: %v", err)
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
		logging.Info("⚙️ Файл конфигурации не задан, используются значения по умолчанию")
	}

	deviceID := cfg.Bridge.DeviceID
	if deviceID == "" {
		deviceID = "device-" + uuid.NewString()[:8]
	}
	workOrderID := cfg.Bridge.WorkOrderID
	if workOrderID == "" {
		workOrderID = "wo-default"
	}

	restPort := cfg.Server.GetRESTPort()
	metricsPort := cfg.Server.GetMetricsPort()
	logging.Info("📡 Конфигурация узла: устройство=%s, наряд=%s, REST=%d, метрики=%d",
		deviceID, workOrderID, restPort, metricsPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === ТЕЛЕМЕТРИЯ ===
	telemetryShutdown, err := observability.InitTelemetry(ctx, "field-sync", deviceID)
	if err != nil {
		logging.Error("⚠️ OpenTelemetry недоступен, продолжаем без трассировки: %v", err)
		telemetryShutdown = func(context.Context) error { return nil }
	}

	// === ШИНА СОБЫТИЙ ===
	var bus eventbus.EventBus
	if cfg.EventBus.URL != "" {
		retention := time.Duration(cfg.EventBus.Retention) * time.Hour
		jsBus, err := eventbus.NewJetStreamBus(cfg.EventBus.URL, cfg.EventBus.Stream, retention)
		if err != nil {
			logging.Error("❌ Ошибка подключения к NATS: %v", err)
			log.Fatalf("❌ Ошибка подключения к NATS: %v", err)
		}
		defer jsBus.Close()
		bus = jsBus
		logging.Info("✅ Шина событий: NATS JetStream (%s)", cfg.EventBus.URL)
	} else {
		bus = eventbus.NewMemoryBus(1024)
		logging.Info("✅ Шина событий: in-memory (NATS не настроен)")
	}
	eventbus.Init(bus)
	if err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Error("⚠️ Не удалось включить отладочный слушатель шины: %v", err)
	}

	// === ХРАНИЛИЩЕ СОСТОЯНИЙ СЕКЦИЙ ===
	var repo storage.SectionRepo
	switch cfg.Storage.Backend {
	case "redis":
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Addr = cfg.Storage.RedisAddr
		redisCfg.DB = cfg.Storage.RedisDB
		redisRepo, err := storage.NewRedisSectionRepo(redisCfg)
		if err != nil {
			logging.Error("❌ Ошибка подключения к Redis: %v", err)
			log.Fatalf("❌ Ошибка подключения к Redis: %v", err)
		}
		defer redisRepo.Close()
		repo = redisRepo
		logging.Info("✅ Хранилище секций: Redis (%s)", cfg.Storage.RedisAddr)
	case "maria":
		mariaRepo, err := storage.NewMariaSectionRepo(cfg.Storage.MariaDSN)
		if err != nil {
			logging.Error("❌ Ошибка подключения к MariaDB: %v", err)
			log.Fatalf("❌ Ошибка подключения к MariaDB: %v", err)
		}
		defer mariaRepo.Close()
		repo = mariaRepo
		logging.Info("✅ Хранилище секций: MariaDB")
	default:
		repo = storage.NewMemorySectionRepo()
		logging.Info("✅ Хранилище секций: in-memory")
	}

	// === OFFLINE-ЖУРНАЛ ===
	var jrnl *journal.Journal
	if cfg.Storage.DataPath != "" {
		jrnl, err = journal.NewJournal(cfg.Storage.DataPath)
		if err != nil {
			logging.Error("❌ Ошибка открытия offline-журнала: %v", err)
			log.Fatalf("❌ Ошибка открытия offline-журнала: %v", err)
		}
		defer jrnl.Close()
		logging.Info("✅ Offline-журнал: %s", cfg.Storage.DataPath)
	} else {
		logging.Info("⚠️ Offline-журнал отключён (data_path не задан)")
	}

	// === ДВИЖОК РАЗРЕШЕНИЯ КОНФЛИКТОВ ===
	manager := resolve.NewResolutionManager(cfg.Resolution.ToResolveConfig(), resolve.ConflictMetadata{
		WorkOrderID: workOrderID,
	})
	if err := manager.Initialize(); err != nil {
		logging.Error("❌ Ошибка инициализации движка: %v", err)
		log.Fatalf("❌ Ошибка инициализации движка: %v", err)
	}

	// Восстанавливаем локальное состояние из хранилища, если секция уже велась.
	if state, found, err := repo.Load(ctx, workOrderID); err == nil && found {
		if err := manager.SeedState(state); err == nil {
			logging.Info("♻️ Локальное состояние восстановлено: секция=%s, статус=%s", state.ID, state.Status)
		}
	} else {
		_ = manager.SeedState(field.FiberSectionState{
			ID:           workOrderID,
			Status:       field.StatusPlanned,
			LastModified: time.Now(),
			ModifiedBy:   deviceID,
		})
	}

	// === МОСТ РЕАЛЬНОГО ВРЕМЕНИ ===
	opts := bridge.DefaultOptions(deviceID, workOrderID)
	if cfg.Bridge.BatchSize > 0 {
		opts.BatchCapacity = cfg.Bridge.BatchSize
	}
	if cfg.Bridge.FlushEveryMs > 0 {
		opts.FlushEvery = time.Duration(cfg.Bridge.FlushEveryMs) * time.Millisecond
	}
	opts.UseGzip = cfg.Bridge.UseGzipCompr

	br := bridge.NewBridge(bus, manager, repo, jrnl, opts)
	if err := br.Start(ctx); err != nil {
		logging.Error("❌ Ошибка запуска моста: %v", err)
		log.Fatalf("❌ Ошибка запуска моста: %v", err)
	}

	// Доотправляем события, накопленные в офлайне.
	if jrnl != nil {
		if err := br.Replay(ctx); err != nil {
			logging.Error("⚠️ Переигровка offline-журнала не завершена: %v", err)
		}
	}

	// === МЕТРИКИ И REST API ===
	exporter := eventbus.NewMetricsExporter(bus)
	exporter.StartHTTP(fmt.Sprintf(":%d", metricsPort))

	restServer := api.NewRestServer(manager, repo, restPort)
	if err := restServer.Start(); err != nil {
		logging.Error("❌ Ошибка запуска REST API: %v", err)
		log.Fatalf("❌ Ошибка запуска REST API: %v", err)
	}

	logging.Info("✅ Узел синхронизации запущен")
	logging.Info("   🌐 REST API: http://localhost:%d", restPort)
	logging.Info("   📊 Метрики: http://localhost:%d/metrics", metricsPort)
	logging.Info("   ❤️  Health check: http://localhost:%d/health", restPort)

	// Канал для получения сигналов ОС
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logging.Info("📡 Получен сигнал %v, завершение работы...", sig)

	// === GRACEFUL SHUTDOWN ===
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := restServer.Stop(shutdownCtx); err != nil {
		logging.Error("⚠️ Ошибка остановки REST API: %v", err)
	}
	exporter.Stop()
	br.Stop()

	// Сбрасываем финальное состояние в хранилище перед остановкой движка.
	if state, err := manager.LocalState(); err == nil {
		if err := repo.Save(shutdownCtx, state); err != nil {
			logging.Error("⚠️ Не удалось сохранить состояние секции: %v", err)
		}
	}
	if err := manager.Shutdown(); err != nil {
		logging.Error("⚠️ Ошибка остановки движка: %v", err)
	}

	if err := telemetryShutdown(shutdownCtx); err != nil {
		logging.Error("⚠️ Ошибка остановки телеметрии: %v", err)
	}

	logging.Info("👋 Узел синхронизации остановлен")
}
