package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/duel/engine"
	"github.com/mcdev12/mathduel/go/internal/duel/problem"
	"github.com/mcdev12/mathduel/go/internal/duel/store"
	"github.com/mcdev12/mathduel/go/internal/models"
)

var codePattern = regexp.MustCompile(`^\d{4}$`)

// Config holds session lifecycle settings.
type Config struct {
	DefaultDifficulty int
	CodeAttempts      int // Codes tried before CreateSession gives up on collisions
	JoinAttempts      int // Join writes retried after a version conflict
	ConflictMode      engine.ConflictMode
}

// DefaultConfig returns default lifecycle settings.
func DefaultConfig() Config {
	return Config{
		DefaultDifficulty: 20,
		CodeAttempts:      10,
		JoinAttempts:      3,
		ConflictMode:      engine.ConflictGuarded,
	}
}

// Manager creates, joins, resumes and leaves sessions for one client and
// exposes the keypad operations of that client's UI.
type Manager struct {
	store   store.Store
	engine  *engine.Engine
	gen     *problem.Generator
	handles HandleStore
	clock   clockwork.Clock
	cfg     Config

	mu          sync.Mutex
	handle      *Handle
	unsubscribe func()
	cancel      context.CancelFunc
}

func NewManager(s store.Store, eng *engine.Engine, gen *problem.Generator, handles HandleStore, clock clockwork.Clock, cfg Config) *Manager {
	m := &Manager{
		store:   s,
		engine:  eng,
		gen:     gen,
		handles: handles,
		clock:   clock,
		cfg:     cfg,
	}
	eng.OnSessionLost(m.sessionGone)
	return m
}

// CreateSession creates a session as blue. Any current session is left
// first.
func (m *Manager) CreateSession(ctx context.Context, bound int) (Handle, error) {
	if bound < 1 || bound > problem.MaxBound {
		return Handle{}, fmt.Errorf("%w: difficulty %d outside 1..%d", duel.ErrInvalidField, bound, problem.MaxBound)
	}
	m.LeaveSession()

	var code string
	for attempt := 0; attempt < m.cfg.CodeAttempts; attempt++ {
		candidate := m.gen.Code()
		doc := models.NewSession(candidate, bound, m.gen.Generate(bound), m.gen.Generate(bound), m.clock.Now())
		err := m.store.Create(ctx, doc)
		if errors.Is(err, duel.ErrSessionExists) {
			log.Debug().Str("code", candidate).Msg("session code taken, trying another")
			continue
		}
		if err != nil {
			return Handle{}, fmt.Errorf("create session: %w", err)
		}
		code = candidate
		break
	}
	if code == "" {
		return Handle{}, fmt.Errorf("create session: %w after %d codes", duel.ErrSessionExists, m.cfg.CodeAttempts)
	}

	h := Handle{Code: code, Side: models.SideBlue}
	if err := m.enter(h); err != nil {
		return Handle{}, err
	}
	log.Info().Str("code", code).Int("difficulty", bound).Msg("session created")
	return h, nil
}

// JoinSession joins a waiting session as red. A rejected join never writes.
func (m *Manager) JoinSession(ctx context.Context, code string) (Handle, error) {
	if !codePattern.MatchString(code) {
		return Handle{}, fmt.Errorf("%w: %q must be four digits", duel.ErrInvalidCode, code)
	}
	// A rejected join keeps the current session running.
	if err := m.claimRed(ctx, code); err != nil {
		return Handle{}, err
	}
	m.LeaveSession()

	h := Handle{Code: code, Side: models.SideRed}
	if err := m.enter(h); err != nil {
		return Handle{}, err
	}
	log.Info().Str("code", code).Msg("joined session")
	return h, nil
}

func (m *Manager) claimRed(ctx context.Context, code string) error {
	for attempt := 0; ; attempt++ {
		doc, err := m.store.Read(ctx, code)
		if err != nil {
			return fmt.Errorf("join session: %w", err)
		}
		if doc.Status != models.SessionStatusWaiting || doc.Side(models.SideRed).Joined {
			return fmt.Errorf("join session %s: %w (status %s)", code, duel.ErrSessionConflict, doc.Status)
		}

		fields := models.Fields{
			models.SideField(models.SideRed, models.SideJoined): true,
			models.FieldStatus:                                  models.SessionStatusPlaying,
			models.FieldLastActionTimestamp:                     m.clock.Now(),
			models.FieldLastUpdater:                             string(models.SideRed),
		}
		var opts []store.UpdateOption
		if m.cfg.ConflictMode != engine.ConflictLegacy {
			opts = append(opts, store.IfVersion(doc.Version))
		}

		_, err = m.store.Update(ctx, code, fields, opts...)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, duel.ErrVersionConflict) && attempt < m.cfg.JoinAttempts:
			continue
		case errors.Is(err, duel.ErrVersionConflict), errors.Is(err, duel.ErrStaleWrite):
			return fmt.Errorf("join session %s: %w", code, duel.ErrSessionConflict)
		default:
			return fmt.Errorf("join session: %w", err)
		}
	}
}

// ResumeSession re-enters the session named by the saved handle without
// checking it first. It reports whether a handle was found. If the document
// is gone the subscription returns the client to the lobby.
func (m *Manager) ResumeSession(ctx context.Context) (bool, error) {
	h, err := m.handles.Load()
	if err != nil {
		return false, fmt.Errorf("load session handle: %w", err)
	}
	if h == nil {
		return false, nil
	}
	m.LeaveSession()
	if err := m.enter(*h); err != nil {
		return false, err
	}
	log.Info().Str("code", h.Code).Str("side", string(h.Side)).Msg("resumed session")
	return true, nil
}

// LeaveSession unsubscribes, forgets the handle and resets the client to the
// lobby. Writes already in flight still complete.
func (m *Manager) LeaveSession() {
	m.mu.Lock()
	h := m.handle
	m.stopLocked()
	m.mu.Unlock()

	if h == nil {
		return
	}
	if err := m.handles.Clear(); err != nil {
		log.Warn().Err(err).Msg("failed to clear session handle")
	}
	m.engine.Detach()
	log.Info().Str("code", h.Code).Msg("left session")
}

// Close unsubscribes and stops the countdown but keeps the saved handle, so
// the next process can resume.
func (m *Manager) Close() {
	m.mu.Lock()
	h := m.handle
	m.stopLocked()
	m.mu.Unlock()

	m.engine.Detach()
	if h != nil {
		log.Info().Str("code", h.Code).Msg("suspended session")
	}
}

// Restart leaves the current session and creates a new one with the same
// difficulty.
func (m *Manager) Restart(ctx context.Context) (Handle, error) {
	bound := m.engine.View().DifficultyBound
	if bound == 0 {
		bound = m.cfg.DefaultDifficulty
	}
	return m.CreateSession(ctx, bound)
}

// Current returns the active handle, if any.
func (m *Manager) Current() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil {
		return Handle{}, false
	}
	return *m.handle, true
}

// View returns the client's rendered view.
func (m *Manager) View() engine.View {
	return m.engine.View()
}

func (m *Manager) AddDigit(ctx context.Context, side models.Side, digit int) error {
	if err := m.checkSide(side); err != nil {
		return err
	}
	return m.engine.AddDigit(ctx, digit)
}

func (m *Manager) Clear(ctx context.Context, side models.Side) error {
	if err := m.checkSide(side); err != nil {
		return err
	}
	return m.engine.Clear(ctx)
}

func (m *Manager) Submit(ctx context.Context, side models.Side) error {
	if err := m.checkSide(side); err != nil {
		return err
	}
	return m.engine.Submit(ctx)
}

// checkSide rejects keypad operations for the opponent's keypad.
func (m *Manager) checkSide(side models.Side) error {
	h, ok := m.Current()
	if !ok {
		return duel.ErrNoSession
	}
	if side != h.Side {
		return fmt.Errorf("%w: keypad %q belongs to the opponent", duel.ErrInvalidField, side)
	}
	return nil
}

// enter persists the handle, attaches the engine and subscribes. The
// subscription outlives the caller's context.
func (m *Manager) enter(h Handle) error {
	if err := m.handles.Save(h); err != nil {
		log.Warn().Err(err).Str("code", h.Code).Msg("failed to persist session handle")
	}
	m.engine.Attach(h.Code, h.Side)

	subCtx, cancel := context.WithCancel(context.Background())
	current := &h
	m.mu.Lock()
	m.handle = current
	m.cancel = cancel
	m.mu.Unlock()

	unsubscribe, err := m.store.Subscribe(subCtx, h.Code, m.engine.Observe, m.subscriptionError(h.Code))
	if err != nil {
		m.mu.Lock()
		m.stopLocked()
		m.mu.Unlock()
		m.engine.Detach()
		if clearErr := m.handles.Clear(); clearErr != nil {
			log.Warn().Err(clearErr).Msg("failed to clear session handle")
		}
		return fmt.Errorf("subscribe to session %s: %w", h.Code, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle != current {
		// Torn down by the first delivery.
		unsubscribe()
		return nil
	}
	m.unsubscribe = unsubscribe
	return nil
}

func (m *Manager) stopLocked() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.handle = nil
	m.unsubscribe = nil
	m.cancel = nil
}

// subscriptionError tears the session down when its document disappears and
// surfaces every other failure.
func (m *Manager) subscriptionError(code string) store.ErrorFunc {
	return func(err error) {
		if !errors.Is(err, duel.ErrSessionNotFound) {
			m.engine.ObserveError(err)
			return
		}
		m.sessionGone(code)
	}
}

// sessionGone returns the client to the lobby if code is still the current
// session.
func (m *Manager) sessionGone(code string) {
	m.mu.Lock()
	if m.handle == nil || m.handle.Code != code {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	log.Warn().Str("code", code).Msg("session no longer exists, returning to lobby")
	m.LeaveSession()
}
