package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// MemoryStore keeps documents in process. Both clients of a local duel can
// share one instance, and tests use it as the remote store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*models.Session
	subs map[string]map[string]*memorySubscription
}

// memorySubscription coalesces deliveries: a slow subscriber only ever sees
// the newest snapshot.
type memorySubscription struct {
	id       string
	onChange ChangeFunc
	onError  ErrorFunc
	notify   chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	latest  *models.Session
	deleted bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*models.Session),
		subs: make(map[string]map[string]*memorySubscription),
	}
}

func (s *MemoryStore) Create(ctx context.Context, doc *models.Session) error {
	s.mu.Lock()
	if _, exists := s.docs[doc.Code]; exists {
		s.mu.Unlock()
		return duel.ErrSessionExists
	}
	stored := doc.Clone()
	s.docs[doc.Code] = stored
	s.publishLocked(doc.Code, stored)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, code string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("read", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[code]
	if !ok {
		return nil, duel.ErrSessionNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, code string, fields models.Fields, opts ...UpdateOption) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("update", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[code]
	if !ok {
		return nil, duel.ErrSessionNotFound
	}
	next, err := merge(current, fields, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	s.docs[code] = next
	s.publishLocked(code, next)
	return next.Clone(), nil
}

// Delete removes a document and tells its subscribers.
func (s *MemoryStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, code)
	for _, sub := range s.subs[code] {
		sub.mu.Lock()
		sub.latest = nil
		sub.deleted = true
		sub.mu.Unlock()
		sub.wake()
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, code string, onChange ChangeFunc, onError ErrorFunc) (func(), error) {
	sub := &memorySubscription{
		id:       uuid.New().String(),
		onChange: onChange,
		onError:  onError,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.subs[code] == nil {
		s.subs[code] = make(map[string]*memorySubscription)
	}
	s.subs[code][sub.id] = sub
	if doc, ok := s.docs[code]; ok {
		sub.latest = doc.Clone()
	} else {
		sub.deleted = true
	}
	s.mu.Unlock()

	sub.wake()
	go sub.run()

	log.Debug().Str("code", code).Str("subscription", sub.id).Msg("memory subscription started")

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[code], sub.id)
			if len(s.subs[code]) == 0 {
				delete(s.subs, code)
			}
			s.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

func (s *MemoryStore) publishLocked(code string, doc *models.Session) {
	for _, sub := range s.subs[code] {
		sub.mu.Lock()
		sub.latest = doc.Clone()
		sub.deleted = false
		sub.mu.Unlock()
		sub.wake()
	}
}

func (sub *memorySubscription) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *memorySubscription) run() {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
			sub.mu.Lock()
			doc, deleted := sub.latest, sub.deleted
			sub.latest, sub.deleted = nil, false
			sub.mu.Unlock()

			// Unsubscribe may race with a pending wake-up.
			select {
			case <-sub.done:
				return
			default:
			}

			switch {
			case doc != nil:
				sub.onChange(doc)
			case deleted && sub.onError != nil:
				sub.onError(duel.ErrSessionNotFound)
			}
		}
	}
}
