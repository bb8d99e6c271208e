package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/duel/metrics"
	"github.com/mcdev12/mathduel/go/internal/duel/problem"
	"github.com/mcdev12/mathduel/go/internal/duel/store"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// Engine reconciles one client with the shared session document. It renders
// a view from every observed snapshot, runs the countdown derived from
// lastActionTimestamp, and performs the client's writes.
type Engine struct {
	store    store.Store
	gen      *problem.Generator
	clock    clockwork.Clock
	cfg      Config
	metrics  metrics.Collector
	renderer Renderer
	clientID string // short ID for logging

	mu     sync.Mutex
	cc     ClientContext
	doc    *models.Session // newest observed snapshot
	onLost func(code string)

	// Countdown state. timerBase is the lastActionTimestamp the running
	// countdown was seeded from; a snapshot with the same base never re-arms.
	timer     clockwork.Timer
	timerBase time.Time
	timerStop chan struct{}
	endSeen   bool

	renderMu sync.Mutex
}

// New creates an engine in the lobby. A nil collector or renderer is
// replaced by a no-op.
func New(s store.Store, gen *problem.Generator, clock clockwork.Clock, cfg Config, m metrics.Collector, r Renderer) *Engine {
	if m == nil {
		m = metrics.NoOpCollector{}
	}
	if r == nil {
		r = RendererFunc(func(View) {})
	}
	return &Engine{
		store:    s,
		gen:      gen,
		clock:    clock,
		cfg:      cfg,
		metrics:  m,
		renderer: r,
		clientID: uuid.New().String()[:8],
		cc:       LobbyContext(),
	}
}

// OnSessionLost sets the function called when one of the engine's own reads
// or writes finds the attached session gone. Without one the engine detaches
// itself.
func (e *Engine) OnSessionLost(fn func(code string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLost = fn
}

// Attach binds the engine to a session. Snapshots for other codes are
// ignored until the next Attach.
func (e *Engine) Attach(code string, side models.Side) {
	e.mu.Lock()
	e.resetLocked()
	e.cc = ClientContext{
		Code:  code,
		Side:  side,
		Phase: PhaseWaitingForOpponent,
	}
	e.mu.Unlock()

	log.Info().
		Str("client", e.clientID).
		Str("code", code).
		Str("side", string(side)).
		Msg("attached to session")
	e.render()
}

// Detach stops the countdown and returns the client to the lobby.
func (e *Engine) Detach() {
	e.mu.Lock()
	code := e.cc.Code
	e.resetLocked()
	e.cc = LobbyContext()
	e.mu.Unlock()

	if code != "" {
		log.Info().Str("client", e.clientID).Str("code", code).Msg("detached from session")
	}
	e.render()
}

func (e *Engine) resetLocked() {
	e.cancelCountdownLocked()
	e.doc = nil
	e.endSeen = false
}

// Context returns a copy of the local client context.
func (e *Engine) Context() ClientContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cc
}

// View renders the current state.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Render(e.cc, e.doc, e.clock.Now(), e.cfg)
}

// Observe handles a delivered snapshot. Snapshots that are not newer than
// the last one observed are dropped, so repeated or out-of-order deliveries
// never cause side effects.
func (e *Engine) Observe(doc *models.Session) {
	if doc == nil {
		return
	}

	e.mu.Lock()
	if e.cc.Phase == PhaseLobby || doc.Code != e.cc.Code {
		e.mu.Unlock()
		return
	}
	if e.doc != nil && doc.Version <= e.doc.Version {
		seen := e.doc.Version
		e.mu.Unlock()
		log.Debug().
			Str("client", e.clientID).
			Int64("version", doc.Version).
			Int64("seen", seen).
			Msg("skipping stale snapshot")
		return
	}

	prev := e.doc
	e.doc = doc.Clone()
	mine := e.cc.Side
	timedOut := prev != nil && doc.LastUpdater == models.UpdaterTimeout &&
		!prev.LastActionTimestamp.Equal(doc.LastActionTimestamp)

	switch {
	case prev == nil:
		// First snapshot after attach or resume: pick up what was typed before.
		e.cc.Input = doc.Side(mine).PendingInput
	case timedOut, prev.Problem(mine) != doc.Problem(mine):
		// A timeout may regenerate an identical problem; the answer is void either way.
		e.cc.Input = ""
	}
	if timedOut {
		e.cc.Feedback = FeedbackNone
	}

	from, to := e.cc.Phase, derivePhase(doc)
	e.cc.Phase = to

	var ended bool
	switch e.cc.Phase {
	case PhaseActive:
		e.armCountdownLocked(doc.LastActionTimestamp)
	case PhaseEnded:
		e.cancelCountdownLocked()
		if !e.endSeen {
			e.endSeen = true
			ended = true
		}
	}
	winner := doc.Winner
	if winner == "" {
		winner = doc.Leader()
	}
	e.mu.Unlock()

	if from != to {
		log.Info().
			Str("client", e.clientID).
			Str("code", doc.Code).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("phase changed")
	}
	if ended {
		e.metrics.RecordGameEnded(winner)
		log.Info().
			Str("client", e.clientID).
			Str("code", doc.Code).
			Str("winner", string(winner)).
			Int("score", doc.Score).
			Msg("game ended")
	}
	e.render()
}

// ObserveError surfaces a subscription failure without leaving the session.
func (e *Engine) ObserveError(err error) {
	e.mu.Lock()
	if e.cc.Phase == PhaseLobby {
		e.mu.Unlock()
		return
	}
	e.cc.Notice = noticeFor(err)
	e.mu.Unlock()

	log.Warn().Err(err).Str("client", e.clientID).Msg("session subscription error")
	e.render()
}

// sessionLost reports whether err says the session no longer exists. If it
// does and code is still attached, the lost-session handler runs.
func (e *Engine) sessionLost(code string, err error) bool {
	if !errors.Is(err, duel.ErrSessionNotFound) {
		return false
	}

	e.mu.Lock()
	attached := e.cc.Phase != PhaseLobby && e.cc.Code == code
	fn := e.onLost
	e.mu.Unlock()
	if !attached {
		return true
	}

	log.Warn().Str("client", e.clientID).Str("code", code).Msg("session no longer in store")
	if fn != nil {
		fn(code)
	} else {
		e.Detach()
	}
	return true
}

func (e *Engine) setNotice(err error) {
	e.mu.Lock()
	if err == nil {
		e.cc.Notice = ""
	} else {
		e.cc.Notice = noticeFor(err)
	}
	e.mu.Unlock()
}

func noticeFor(err error) string {
	return fmt.Sprintf("connection problem: %v", err)
}

// render serializes view delivery so the renderer sees views in order.
func (e *Engine) render() {
	e.renderMu.Lock()
	defer e.renderMu.Unlock()
	e.renderer.Render(e.View())
}
