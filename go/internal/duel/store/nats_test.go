package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/models"
)

func newTestNATS(t *testing.T) *NATSStore {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	cfg := DefaultNATSConfig()
	cfg.URL = srv.ClientURL()
	cfg.TTL = time.Hour
	cfg.MaxRetries = 64
	cfg.PollInterval = 20 * time.Millisecond

	s, err := NewNATSStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewNATSStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNATSCreateRejectsCollision(t *testing.T) {
	ctx := context.Background()
	s := newTestNATS(t)

	if err := s.Create(ctx, newDoc("1234")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, newDoc("1234")); !errors.Is(err, duel.ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
	if _, err := s.Read(ctx, "0000"); !errors.Is(err, duel.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if !s.Connected() {
		t.Errorf("store reports disconnected")
	}
}

func TestNATSConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestNATS(t)
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
	if _, err := s.Update(ctx, "0000", models.Fields{models.FieldScore: 40}); !errors.Is(err, duel.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	doc, err := s.Read(ctx, "1234")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc.Score != 60 || doc.Version != 2 {
		t.Fatalf("score=%d version=%d, want 60 and 2", doc.Score, doc.Version)
	}
}

func TestNATSConcurrentUpdatesKeepEveryWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestNATS(t)
	if err := s.Create(ctx, newDoc("1234")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		side := models.Sides[i%2]
		input := string(rune('1' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "1234", models.Fields{models.SideField(side, models.SidePendingInput): input})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	doc, _ := s.Read(ctx, "1234")
	if doc.Version != 1+writers {
		t.Fatalf("version = %d, want %d", doc.Version, 1+writers)
	}
}

func TestNATSSubscribeDeliversAndReportsDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestNATS(t)

	rec := newRecorder()
	unsubscribe, err := s.Subscribe(ctx, "1234", rec.onChange, rec.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	// Missing at first.
	rec.wait(t)
	if err := s.Create(ctx, newDoc("1234")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	rec.wait(t)
	if _, err := s.Update(ctx, "1234", models.Fields{models.FieldScore: 55}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	rec.wait(t)
	if got := rec.last(); got.Score != 55 || got.Version != 2 {
		t.Fatalf("unexpected snapshot: score=%d version=%d", got.Score, got.Version)
	}

	if err := s.kv.Delete(ctx, natsKey("1234")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rec.wait(t)
	time.Sleep(100 * time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 2 || !errors.Is(rec.errs[0], duel.ErrSessionNotFound) || !errors.Is(rec.errs[1], duel.ErrSessionNotFound) {
		t.Fatalf("expected two not-found errors, got %v", rec.errs)
	}
	if len(rec.docs) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(rec.docs))
	}
}

func TestNATSSubscribeNoticesPurgedStream(t *testing.T) {
	ctx := context.Background()
	s := newTestNATS(t)
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

	// Removing the stream messages leaves no delete marker, like TTL expiry.
	stream, err := s.js.Stream(ctx, "KV_"+s.config.Bucket)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if err := stream.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], duel.ErrSessionNotFound) {
		t.Fatalf("expected one not-found error, got %v", rec.errs)
	}
}
