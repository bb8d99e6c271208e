package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/models"
)

func newDoc(code string) *models.Session {
	return models.NewSession(code, 20,
		models.Problem{Expression: "2 + 2", Answer: 4},
		models.Problem{Expression: "9 - 3", Answer: 6},
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

type recorder struct {
	mu     sync.Mutex
	docs   []*models.Session
	errs   []error
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) onChange(doc *models.Session) {
	r.mu.Lock()
	r.docs = append(r.docs, doc)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.signal <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func (r *recorder) last() *models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.docs) == 0 {
		return nil
	}
	return r.docs[len(r.docs)-1]
}

func TestMemoryCreateRejectsCollision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newDoc("1234")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, newDoc("1234")); !errors.Is(err, duel.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestMemoryReadNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Read(context.Background(), "0000"); !errors.Is(err, duel.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemoryUpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newDoc("1234")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Two writers touching disjoint fields both survive.
	if _, err := s.Update(ctx, "1234", models.Fields{models.SideField(models.SideBlue, models.SidePendingInput): "4"}); err != nil {
		t.Fatalf("Update blue: %v", err)
	}
	if _, err := s.Update(ctx, "1234", models.Fields{models.SideField(models.SideRed, models.SidePendingInput): "12"}); err != nil {
		t.Fatalf("Update red: %v", err)
	}

	doc, err := s.Read(ctx, "1234")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Side(models.SideBlue).PendingInput != "4" || doc.Side(models.SideRed).PendingInput != "12" {
		t.Fatalf("merge lost a field: %+v", doc.Sides)
	}
	if doc.Version != 3 {
		t.Fatalf("version = %d, want 3", doc.Version)
	}
}

func TestMemoryConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newDoc("1234")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.Update(ctx, "1234", models.Fields{models.FieldScore: 60}, IfVersion(1)); err != nil {
		t.Fatalf("first conditional update: %v", err)
	}
	_, err := s.Update(ctx, "1234", models.Fields{models.FieldScore: 40}, IfVersion(1))
	if !errors.Is(err, duel.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	doc, _ := s.Read(ctx, "1234")
	if doc.Score != 60 {
		t.Fatalf("score = %d, want 60", doc.Score)
	}
}

func TestMemoryUpdateUnavailableOnCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Create(context.Background(), newDoc("1234"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Update(ctx, "1234", models.Fields{models.FieldScore: 1}); !errors.Is(err, duel.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestMemorySubscribeDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newDoc("1234")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec := newRecorder()
	unsubscribe, err := s.Subscribe(ctx, "1234", rec.onChange, rec.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	rec.wait(t)
	if got := rec.last(); got == nil || got.Version != 1 {
		t.Fatalf("initial snapshot missing: %+v", got)
	}

	if _, err := s.Update(ctx, "1234", models.Fields{models.FieldScore: 55}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec.wait(t)
	if got := rec.last(); got.Score != 55 || got.Version != 2 {
		t.Fatalf("unexpected snapshot: score=%d version=%d", got.Score, got.Version)
	}

	// Snapshots are copies.
	rec.last().Score = 0
	doc, _ := s.Read(ctx, "1234")
	if doc.Score != 55 {
		t.Fatalf("subscriber mutated stored document")
	}
}

func TestMemorySubscribeMissingAndDeleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := newRecorder()
	unsubscribe, err := s.Subscribe(ctx, "4321", rec.onChange, rec.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	rec.wait(t)

	if err := s.Create(ctx, newDoc("4321")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec.wait(t)
	if err := s.Delete(ctx, "4321"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 2 || !errors.Is(rec.errs[0], duel.ErrSessionNotFound) || !errors.Is(rec.errs[1], duel.ErrSessionNotFound) {
		t.Fatalf("expected two not-found errors, got %v", rec.errs)
	}
	if len(rec.docs) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(rec.docs))
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newDoc("1234"))

	rec := newRecorder()
	unsubscribe, _ := s.Subscribe(ctx, "1234", rec.onChange, rec.onError)
	rec.wait(t)
	unsubscribe()
	unsubscribe()

	if _, err := s.Update(ctx, "1234", models.Fields{models.FieldScore: 70}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	select {
	case <-rec.signal:
		t.Fatal("delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}
