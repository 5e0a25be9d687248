package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/logging"
	"github.com/annel0/field-sync/internal/middleware"
	"github.com/annel0/field-sync/internal/resolve"
	"github.com/annel0/field-sync/internal/storage"
)

// RestServer предоставляет HTTP API для наблюдения за движком
// синхронизации: состояние секций, очередь неподтверждённых обновлений,
// горячая замена конфигурации.
type RestServer struct {
	router     *gin.Engine
	httpServer *http.Server
	manager    *resolve.ResolutionManager
	repo       storage.SectionRepo
	metrics    *ServerMetrics
	port       int
}

// NewRestServer создаёт REST сервер поверх менеджера разрешения конфликтов.
func NewRestServer(manager *resolve.ResolutionManager, repo storage.SectionRepo, port int) *RestServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// Логирование запросов с trace-id (здоровье и метрики не шумят в логе).
	reqLogger := middleware.NewRequestLogger("/health", "/metrics")
	router.Use(reqLogger.Handler())

	// Распределённая трассировка.
	router.Use(otelgin.Middleware("sync_api"))

	// Prometheus-метрики HTTP-слоя.
	prom := middleware.NewPrometheusMiddleware("sync_api")
	router.Use(prom.Handler())

	rs := &RestServer{
		router:  router,
		manager: manager,
		repo:    repo,
		metrics: NewServerMetrics(),
		port:    port,
	}

	rs.setupRoutes()
	prom.RegisterMetricsEndpoint(router)

	return rs
}

// setupRoutes настраивает маршруты API
func (rs *RestServer) setupRoutes() {
	// CORS для локальных панелей диспетчера
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	rs.router.GET("/health", rs.handleHealth)

	apiGroup := rs.router.Group("/api")
	{
		apiGroup.GET("/state", rs.handleLocalState)
		apiGroup.GET("/sections/:id", rs.handleGetSection)
		apiGroup.GET("/pending", rs.handlePending)
		apiGroup.POST("/rollback", rs.handleRollback)
		apiGroup.GET("/config", rs.handleGetConfig)
		apiGroup.PUT("/config", rs.handleUpdateConfig)
		apiGroup.GET("/stats", rs.handleStats)
	}
}

// Start запускает HTTP сервер (не блокирует).
func (rs *RestServer) Start() error {
	rs.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", rs.port),
		Handler:      rs.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info("🌐 REST API запущен на порту %d", rs.port)
		if err := rs.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("❌ Ошибка REST API: %v", err)
		}
	}()

	return nil
}

// Stop останавливает HTTP сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	if rs.httpServer == nil {
		return nil
	}
	logging.Info("🔻 Остановка REST API...")
	return rs.httpServer.Shutdown(ctx)
}

// Router возвращает gin-роутер (используется в тестах).
func (rs *RestServer) Router() *gin.Engine { return rs.router }

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// sectionView — JSON-представление состояния секции.
type sectionView struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Percentage   float64   `json:"percentage"`
	Milestone    string    `json:"milestone,omitempty"`
	Verified     bool      `json:"verified"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     float64   `json:"accuracy,omitempty"`
	LastModified time.Time `json:"last_modified"`
	ModifiedBy   string    `json:"modified_by,omitempty"`
}

func toSectionView(s field.FiberSectionState) sectionView {
	view := sectionView{
		ID:           s.ID,
		Status:       string(s.Status),
		Percentage:   s.Progress.Percentage,
		Verified:     s.Progress.Verified,
		Latitude:     s.Location.Latitude,
		Longitude:    s.Location.Longitude,
		LastModified: s.LastModified,
		ModifiedBy:   s.ModifiedBy,
	}
	if s.Progress.Milestone != nil {
		view.Milestone = *s.Progress.Milestone
	}
	if s.Location.Accuracy != nil {
		view.Accuracy = *s.Location.Accuracy
	}
	return view
}

// handleHealth обрабатывает проверку здоровья
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": rs.metrics.GetUptime(),
	})
}

// handleLocalState возвращает локальное состояние секции из движка.
func (rs *RestServer) handleLocalState(c *gin.Context) {
	state, err := rs.manager.LocalState()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Движок не инициализирован",
		})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: toSectionView(state)})
}

// handleGetSection возвращает сохранённое состояние секции из хранилища.
func (rs *RestServer) handleGetSection(c *gin.Context) {
	id := c.Param("id")
	state, found, err := rs.repo.Load(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, GenericResponse{
			Success: false,
			Message: "Ошибка чтения хранилища",
		})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, GenericResponse{
			Success: false,
			Message: "Секция не найдена",
		})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: toSectionView(state)})
}

// pendingView — JSON-представление неподтверждённого обновления.
type pendingView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	AppliedAt time.Time `json:"applied_at"`
	UserID    string    `json:"user_id,omitempty"`
}

// handlePending возвращает очередь оптимистичных обновлений.
func (rs *RestServer) handlePending(c *gin.Context) {
	pending, err := rs.manager.GetPendingUpdates()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Движок не инициализирован",
		})
		return
	}

	views := make([]pendingView, 0, len(pending))
	for _, upd := range pending {
		views = append(views, pendingView{
			ID:        upd.ID,
			Kind:      string(upd.Kind),
			AppliedAt: upd.AppliedAt,
			UserID:    upd.UserID,
		})
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: views})
}

// RollbackRequest — запрос на принудительный откат обновлений.
type RollbackRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// handleRollback принудительно откатывает перечисленные обновления.
func (rs *RestServer) handleRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса",
		})
		return
	}

	if err := rs.manager.RollbackOptimisticUpdates(req.IDs); err != nil {
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Движок не инициализирован",
		})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Откачено обновлений: %d", len(req.IDs)),
	})
}

// configView — JSON-представление конфигурации движка.
// Таймауты задаются в миллисекундах, период офлайна — в секундах.
type configView struct {
	MaxDistanceThresholdM        float64        `json:"max_distance_threshold_m"`
	CoordinateAccuracyThresholdM float64        `json:"coordinate_accuracy_threshold_m"`
	AllowProgressDecrease        bool           `json:"allow_progress_decrease"`
	MaxProgressJump              float64        `json:"max_progress_jump"`
	DetectionTimeoutMs           int64          `json:"detection_timeout_ms"`
	ResolutionTimeoutMs          int64          `json:"resolution_timeout_ms"`
	MaxConcurrentConflicts       int            `json:"max_concurrent_conflicts"`
	OfflineGracePeriodSec        int64          `json:"offline_grace_period_sec"`
	LowConnectivityMode          bool           `json:"low_connectivity_mode"`
	RolePriorities               map[string]int `json:"role_priorities"`
}

// ConfigUpdateRequest — частичное обновление конфигурации: указываются
// только изменяемые поля, остальные сохраняют текущие значения.
type ConfigUpdateRequest struct {
	MaxDistanceThresholdM        *float64       `json:"max_distance_threshold_m"`
	CoordinateAccuracyThresholdM *float64       `json:"coordinate_accuracy_threshold_m"`
	AllowProgressDecrease        *bool          `json:"allow_progress_decrease"`
	MaxProgressJump              *float64       `json:"max_progress_jump"`
	DetectionTimeoutMs           *int64         `json:"detection_timeout_ms"`
	ResolutionTimeoutMs          *int64         `json:"resolution_timeout_ms"`
	MaxConcurrentConflicts       *int           `json:"max_concurrent_conflicts"`
	OfflineGracePeriodSec        *int64         `json:"offline_grace_period_sec"`
	LowConnectivityMode          *bool          `json:"low_connectivity_mode"`
	RolePriorities               map[string]int `json:"role_priorities"`
}

// handleGetConfig возвращает действующую конфигурацию движка.
func (rs *RestServer) handleGetConfig(c *gin.Context) {
	cfg := rs.manager.Config()
	c.JSON(http.StatusOK, GenericResponse{Success: true, Data: configView{
		MaxDistanceThresholdM:        cfg.MaxDistanceThreshold,
		CoordinateAccuracyThresholdM: cfg.CoordinateAccuracyThreshold,
		AllowProgressDecrease:        cfg.AllowProgressDecrease,
		MaxProgressJump:              cfg.MaxProgressJump,
		DetectionTimeoutMs:           cfg.DetectionTimeout.Milliseconds(),
		ResolutionTimeoutMs:          cfg.ResolutionTimeout.Milliseconds(),
		MaxConcurrentConflicts:       cfg.MaxConcurrentConflicts,
		OfflineGracePeriodSec:        int64(cfg.OfflineGracePeriod.Seconds()),
		LowConnectivityMode:          cfg.LowConnectivityMode,
		RolePriorities:               cfg.RolePriorities,
	}})
}

// handleUpdateConfig выполняет горячую замену конфигурации движка.
func (rs *RestServer) handleUpdateConfig(c *gin.Context) {
	var req ConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Неверный формат запроса",
		})
		return
	}

	cfg := rs.manager.Config()
	if req.MaxDistanceThresholdM != nil {
		cfg.MaxDistanceThreshold = *req.MaxDistanceThresholdM
	}
	if req.CoordinateAccuracyThresholdM != nil {
		cfg.CoordinateAccuracyThreshold = *req.CoordinateAccuracyThresholdM
	}
	if req.AllowProgressDecrease != nil {
		cfg.AllowProgressDecrease = *req.AllowProgressDecrease
	}
	if req.MaxProgressJump != nil {
		cfg.MaxProgressJump = *req.MaxProgressJump
	}
	if req.DetectionTimeoutMs != nil {
		cfg.DetectionTimeout = time.Duration(*req.DetectionTimeoutMs) * time.Millisecond
	}
	if req.ResolutionTimeoutMs != nil {
		cfg.ResolutionTimeout = time.Duration(*req.ResolutionTimeoutMs) * time.Millisecond
	}
	if req.MaxConcurrentConflicts != nil {
		cfg.MaxConcurrentConflicts = *req.MaxConcurrentConflicts
	}
	if req.OfflineGracePeriodSec != nil {
		cfg.OfflineGracePeriod = time.Duration(*req.OfflineGracePeriodSec) * time.Second
	}
	if req.LowConnectivityMode != nil {
		cfg.LowConnectivityMode = *req.LowConnectivityMode
	}
	for role, weight := range req.RolePriorities {
		cfg.RolePriorities[role] = weight
	}

	if err := rs.manager.UpdateConfig(cfg); err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: fmt.Sprintf("Конфигурация отклонена: %v", err),
		})
		return
	}

	logging.Info("⚙️ Конфигурация движка обновлена через API")
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Конфигурация применена"})
}

// handleStats возвращает служебную статистику процесса и движка.
func (rs *RestServer) handleStats(c *gin.Context) {
	memoryMB, _ := rs.metrics.GetMemoryUsage()
	cpuPercent, _ := rs.metrics.GetCPUUsage()

	pendingCount := 0
	if pending, err := rs.manager.GetPendingUpdates(); err == nil {
		pendingCount = len(pending)
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime":          rs.metrics.GetUptime(),
		"memory_mb":       memoryMB,
		"cpu_percent":     cpuPercent,
		"pending_updates": pendingCount,
		"memory_details":  rs.metrics.GetDetailedMemoryStats(),
	})
}
