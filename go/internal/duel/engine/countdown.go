package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/duel/store"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// armCountdownLocked starts a countdown seeded from base unless one is
// already running for the same base.
func (e *Engine) armCountdownLocked(base time.Time) {
	if e.timer != nil && e.timerBase.Equal(base) {
		return
	}
	remaining := max(0, e.cfg.TimeLimit-e.clock.Since(base))
	e.startTimerLocked(base, remaining)

	log.Debug().
		Str("client", e.clientID).
		Time("base", base).
		Dur("remaining", remaining).
		Msg("countdown armed")
}

// startTimerLocked replaces any running countdown with one firing after d.
func (e *Engine) startTimerLocked(base time.Time, d time.Duration) {
	e.cancelCountdownLocked()

	timer := e.clock.NewTimer(d)
	stop := make(chan struct{})
	e.timer = timer
	e.timerBase = base
	e.timerStop = stop

	var ticker clockwork.Ticker
	if e.cfg.TickInterval > 0 {
		ticker = e.clock.NewTicker(e.cfg.TickInterval)
	}
	go e.runCountdown(base, timer, ticker, stop)
}

func (e *Engine) cancelCountdownLocked() {
	if e.timer == nil {
		return
	}
	stopAndDrainTimer(e.timer)
	close(e.timerStop)
	e.timer = nil
	e.timerBase = time.Time{}
	e.timerStop = nil
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}

func (e *Engine) runCountdown(base time.Time, timer clockwork.Timer, ticker clockwork.Ticker, stop chan struct{}) {
	var tick <-chan time.Time
	if ticker != nil {
		defer ticker.Stop()
		tick = ticker.Chan()
	}
	for {
		select {
		case <-stop:
			return
		case <-tick:
			e.render()
		case <-timer.Chan():
			e.handleTimeout(base)
			return
		}
	}
}

// handleTimeout runs when this client's own countdown reaches zero. It
// re-reads the document and only penalizes if the freshly read
// lastActionTimestamp is still expired.
func (e *Engine) handleTimeout(base time.Time) {
	e.mu.Lock()
	if e.cc.Phase != PhaseActive || !e.timerBase.Equal(base) {
		e.mu.Unlock()
		return
	}
	code := e.cc.Code
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
	defer cancel()

	next, applied, err := e.writeTimeout(ctx, code)
	switch {
	case err == nil:
	case errors.Is(err, duel.ErrStaleWrite):
		log.Debug().Str("client", e.clientID).Str("code", code).Msg("timeout after game ended")
		return
	case e.sessionLost(code, err):
		return
	default:
		log.Warn().Err(err).Str("client", e.clientID).Str("code", code).Msg("timeout check failed, retrying")
		e.setNotice(err)
		e.mu.Lock()
		if e.cc.Phase == PhaseActive && e.cc.Code == code && e.timerBase.Equal(base) {
			e.startTimerLocked(base, e.cfg.RetryDelay)
		}
		e.mu.Unlock()
		e.render()
		return
	}

	e.metrics.RecordTimeoutPenalty(applied)
	if applied {
		log.Info().
			Str("client", e.clientID).
			Str("code", code).
			Int("score", next.Score).
			Msg("timeout penalty applied")
	}
	e.setNotice(nil)
	e.Observe(next)
}

// writeTimeout performs the timeout read-modify-write. It returns the
// newest document it saw and whether this client wrote the penalty.
func (e *Engine) writeTimeout(ctx context.Context, code string) (*models.Session, bool, error) {
	for attempt := 0; ; attempt++ {
		doc, err := e.store.Read(ctx, code)
		if err != nil {
			return nil, false, err
		}
		if doc.Status != models.SessionStatusPlaying || doc.AtBound() {
			return doc, false, nil
		}
		if e.clock.Since(doc.LastActionTimestamp) < e.cfg.TimeLimit {
			// Someone acted or another client already penalized.
			log.Debug().
				Str("client", e.clientID).
				Str("code", code).
				Str("last_updater", doc.LastUpdater).
				Msg("timeout already reset")
			return doc, false, nil
		}

		now := e.clock.Now()
		fields := models.Fields{
			models.FieldScore:                                          models.ClampScore(doc.Score - e.cfg.TimeoutPenalty),
			models.ProblemField(models.SideBlue):                       e.gen.Generate(doc.DifficultyBound),
			models.ProblemField(models.SideRed):                        e.gen.Generate(doc.DifficultyBound),
			models.SideField(models.SideBlue, models.SidePendingInput): "",
			models.SideField(models.SideRed, models.SidePendingInput):  "",
			models.FieldLastActionTimestamp:                            now,
			models.FieldLastUpdater:                                    models.UpdaterTimeout,
		}

		next, err := e.store.Update(ctx, code, fields, e.writeOptions(doc)...)
		if err == nil {
			return next, true, nil
		}
		if errors.Is(err, duel.ErrVersionConflict) && attempt < e.cfg.MaxWriteRetries {
			// Re-read: the conflicting write may have reset the clock.
			e.metrics.RecordWriteConflict("timeout")
			continue
		}
		return nil, false, err
	}
}

// writeOptions returns the precondition for a write computed from doc.
func (e *Engine) writeOptions(doc *models.Session) []store.UpdateOption {
	if e.cfg.ConflictMode == ConflictLegacy {
		return nil
	}
	return []store.UpdateOption{store.IfVersion(doc.Version)}
}
