package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/duel/store"
	"github.com/mcdev12/mathduel/go/internal/models"
)

func TestPrometheusCounters(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry())

	m.RecordSubmission(models.SideBlue, OutcomeCorrect)
	m.RecordSubmission(models.SideBlue, OutcomeCorrect)
	m.RecordSubmission(models.SideRed, OutcomeIncorrect)
	m.RecordTimeoutPenalty(true)
	m.RecordTimeoutPenalty(false)
	m.RecordTimeoutPenalty(false)
	m.RecordWriteConflict("submit")
	m.RecordGameEnded(models.SideRed)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"blue correct", m.submissions.WithLabelValues("blue", OutcomeCorrect), 2},
		{"red incorrect", m.submissions.WithLabelValues("red", OutcomeIncorrect), 1},
		{"timeouts applied", m.timeouts.WithLabelValues("true"), 1},
		{"timeouts skipped", m.timeouts.WithLabelValues("false"), 2},
		{"submit conflicts", m.conflicts.WithLabelValues("submit"), 1},
		{"red wins", m.gamesEnded.WithLabelValues("red"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetricStoreRecordsFailures(t *testing.T) {
	m := NewPrometheus(prometheus.NewRegistry())
	s := NewMetricStore(store.NewMemoryStore(), m)
	ctx := context.Background()

	if _, err := s.Read(ctx, "9999"); !errors.Is(err, duel.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	doc := models.NewSession("9999", 10, models.Problem{Expression: "1 + 1", Answer: 2}, models.Problem{Expression: "2 - 1", Answer: 1}, time.Now())
	if err := s.Create(ctx, doc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got := testutil.ToFloat64(m.storeFailures.WithLabelValues("read")); got != 1 {
		t.Errorf("read failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.storeFailures.WithLabelValues("create")); got != 0 {
		t.Errorf("create failures = %v, want 0", got)
	}
}
