package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mcdev12/mathduel/go/internal/duel/store"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// Submission outcomes.
const (
	OutcomeCorrect   = "correct"
	OutcomeIncorrect = "incorrect"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Collector defines the interface for collecting duel metrics
type Collector interface {
	RecordSubmission(side models.Side, outcome string)
	RecordTimeoutPenalty(applied bool)
	RecordWriteConflict(operation string)
	RecordGameEnded(winner models.Side)
	RecordStoreOperation(operation string, success bool, duration time.Duration)
}

// NoOpCollector is a no-op implementation for when metrics aren't needed
type NoOpCollector struct{}

func (NoOpCollector) RecordSubmission(side models.Side, outcome string)                           {}
func (NoOpCollector) RecordTimeoutPenalty(applied bool)                                           {}
func (NoOpCollector) RecordWriteConflict(operation string)                                        {}
func (NoOpCollector) RecordGameEnded(winner models.Side)                                          {}
func (NoOpCollector) RecordStoreOperation(operation string, success bool, duration time.Duration) {}

// Prometheus implements Collector with client_golang collectors registered
// on the given registerer.
type Prometheus struct {
	submissions   *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	gamesEnded    *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	storeFailures *prometheus.CounterVec
}

// NewPrometheus registers the duel collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mathduel_submissions_total",
				Help: "Total number of answer submissions by side and outcome",
			},
			[]string{"side", "outcome"},
		),
		timeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mathduel_timeout_checks_total",
				Help: "Countdown expiries by whether the penalty was written",
			},
			[]string{"applied"},
		),
		conflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mathduel_write_conflicts_total",
				Help: "Conditional writes rejected because the document moved",
			},
			[]string{"operation"},
		),
		gamesEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mathduel_games_ended_total",
				Help: "Games observed ending, by winner",
			},
			[]string{"winner"},
		),
		storeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mathduel_store_operation_duration_seconds",
				Help:    "Session store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mathduel_store_operation_failures_total",
				Help: "Session store operations that returned an error",
			},
			[]string{"operation"},
		),
	}
}

func (m *Prometheus) RecordSubmission(side models.Side, outcome string) {
	m.submissions.WithLabelValues(string(side), outcome).Inc()
}

func (m *Prometheus) RecordTimeoutPenalty(applied bool) {
	label := "false"
	if applied {
		label = "true"
	}
	m.timeouts.WithLabelValues(label).Inc()
}

func (m *Prometheus) RecordWriteConflict(operation string) {
	m.conflicts.WithLabelValues(operation).Inc()
}

func (m *Prometheus) RecordGameEnded(winner models.Side) {
	m.gamesEnded.WithLabelValues(string(winner)).Inc()
}

func (m *Prometheus) RecordStoreOperation(operation string, success bool, duration time.Duration) {
	m.storeDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if !success {
		m.storeFailures.WithLabelValues(operation).Inc()
	}
}

// MetricStore wraps a store.Store with latency and failure metrics.
type MetricStore struct {
	store   store.Store
	metrics Collector
}

func NewMetricStore(s store.Store, metrics Collector) *MetricStore {
	return &MetricStore{
		store:   s,
		metrics: metrics,
	}
}

func (s *MetricStore) Create(ctx context.Context, doc *models.Session) error {
	start := time.Now()
	err := s.store.Create(ctx, doc)
	s.metrics.RecordStoreOperation("create", err == nil, time.Since(start))
	return err
}

func (s *MetricStore) Read(ctx context.Context, code string) (*models.Session, error) {
	start := time.Now()
	doc, err := s.store.Read(ctx, code)
	s.metrics.RecordStoreOperation("read", err == nil, time.Since(start))
	return doc, err
}

func (s *MetricStore) Update(ctx context.Context, code string, fields models.Fields, opts ...store.UpdateOption) (*models.Session, error) {
	start := time.Now()
	doc, err := s.store.Update(ctx, code, fields, opts...)
	s.metrics.RecordStoreOperation("update", err == nil, time.Since(start))
	return doc, err
}

func (s *MetricStore) Subscribe(ctx context.Context, code string, onChange store.ChangeFunc, onError store.ErrorFunc) (func(), error) {
	start := time.Now()
	unsubscribe, err := s.store.Subscribe(ctx, code, onChange, onError)
	s.metrics.RecordStoreOperation("subscribe", err == nil, time.Since(start))
	return unsubscribe, err
}
