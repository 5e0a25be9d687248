package resolve

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics — Prometheus-метрики движка разрешения конфликтов.
// Метрики глобальны на процесс: движков может быть несколько (по одному на
// наряд), но серии у них общие.
type EngineMetrics struct {
	conflictsDetected *prometheus.CounterVec
	conflictsResolved prometheus.Counter
	rollbacks         prometheus.Counter
	reconcilePasses   prometheus.Counter
	pendingUpdates    prometheus.Gauge
	mergeConfidence   prometheus.Histogram
}

var (
	engineMetricsInstance *EngineMetrics
	engineMetricsOnce     sync.Once
)

// NewEngineMetrics возвращает общий на процесс набор метрик,
// регистрируя его в дефолтном регистре при первом вызове.
func NewEngineMetrics() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		em := &EngineMetrics{
			conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "resolve",
				Name:      "conflicts_detected_total",
				Help:      "Общее число обнаруженных конфликтов по типам.",
			}, []string{"type", "severity"}),
			conflictsResolved: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "resolve",
				Name:      "conflicts_resolved_total",
				Help:      "Общее число автоматически разрешённых конфликтов.",
			}),
			rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "resolve",
				Name:      "rollbacks_total",
				Help:      "Общее число откатов оптимистичных обновлений.",
			}),
			reconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "resolve",
				Name:      "reconcile_passes_total",
				Help:      "Общее число проходов реконсиляции.",
			}),
			pendingUpdates: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "resolve",
				Name:      "pending_updates",
				Help:      "Текущее число неподтверждённых оптимистичных обновлений.",
			}),
			mergeConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "resolve",
				Name:      "merge_confidence",
				Help:      "Распределение confidence по выполненным слияниям.",
				Buckets:   []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
			}),
		}

		prometheus.MustRegister(
			em.conflictsDetected, em.conflictsResolved, em.rollbacks,
			em.reconcilePasses, em.pendingUpdates, em.mergeConfidence,
		)
		engineMetricsInstance = em
	})
	return engineMetricsInstance
}

// observeResult переносит итог прохода реконсиляции в метрики.
func (em *EngineMetrics) observeResult(res *ReconciliationResult, pendingLeft int) {
	if em == nil || res == nil {
		return
	}

	em.reconcilePasses.Inc()
	for _, c := range res.Conflicts {
		em.conflictsDetected.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
	}
	em.conflictsResolved.Add(float64(res.ConflictsResolved))
	for _, r := range res.Resolutions {
		em.mergeConfidence.Observe(r.Confidence)
	}
	em.pendingUpdates.Set(float64(pendingLeft))
}
