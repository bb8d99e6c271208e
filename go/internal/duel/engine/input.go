package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/duel/metrics"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// AddDigit appends a digit to the local answer and mirrors it to the
// document. Input beyond three digits, outside play, or during a submit is
// ignored.
func (e *Engine) AddDigit(ctx context.Context, digit int) error {
	if digit < 0 || digit > 9 {
		return fmt.Errorf("%w: digit %d", duel.ErrInvalidField, digit)
	}
	return e.editInput(ctx, func(in string) string {
		if len(in) >= models.MaxPendingInput {
			return in
		}
		return in + strconv.Itoa(digit)
	})
}

// Clear empties the local answer and mirrors it to the document.
func (e *Engine) Clear(ctx context.Context) error {
	return e.editInput(ctx, func(string) string { return "" })
}

func (e *Engine) editInput(ctx context.Context, edit func(string) string) error {
	e.mu.Lock()
	if e.cc.Phase == PhaseLobby {
		e.mu.Unlock()
		return duel.ErrNoSession
	}
	if e.cc.Phase != PhaseActive || e.cc.Submitting {
		e.mu.Unlock()
		return nil
	}
	before := e.cc.Input
	e.cc.Input = edit(before)
	e.cc.Feedback = FeedbackNone
	input, code, side := e.cc.Input, e.cc.Code, e.cc.Side
	e.mu.Unlock()

	e.render()
	if input == before {
		return nil
	}

	// Presence signal for the opponent; losing it is harmless.
	_, err := e.store.Update(ctx, code, models.Fields{
		models.SideField(side, models.SidePendingInput): input,
	})
	if err != nil && !errors.Is(err, duel.ErrStaleWrite) && !e.sessionLost(code, err) {
		log.Warn().Err(err).Str("client", e.clientID).Str("code", code).Msg("failed to mirror pending input")
	}
	return nil
}

// Submit checks the local answer against this side's problem using a
// read-modify-write on the shared document. In guarded mode the write is
// conditional on the version read and is recomputed after a conflict. The
// submitting lock is released on every return path.
func (e *Engine) Submit(ctx context.Context) error {
	e.mu.Lock()
	if e.cc.Phase == PhaseLobby {
		e.mu.Unlock()
		return duel.ErrNoSession
	}
	if e.cc.Submitting || e.cc.Input == "" {
		e.mu.Unlock()
		return nil
	}
	e.cc.Submitting = true
	input, code, side := e.cc.Input, e.cc.Code, e.cc.Side
	e.mu.Unlock()
	e.render()

	defer func() {
		e.mu.Lock()
		e.cc.Submitting = false
		e.mu.Unlock()
		e.render()
	}()

	next, outcome, err := e.writeSubmission(ctx, code, side, input)
	e.metrics.RecordSubmission(side, outcome)
	switch {
	case errors.Is(err, duel.ErrStaleWrite):
		log.Debug().Str("client", e.clientID).Str("code", code).Msg("submission after game ended")
		return nil
	case e.sessionLost(code, err):
		return fmt.Errorf("submit answer: %w", err)
	case err != nil:
		log.Warn().Err(err).Str("client", e.clientID).Str("code", code).Msg("submission failed")
		e.setNotice(err)
		return fmt.Errorf("submit answer: %w", err)
	case next == nil:
		return nil
	}

	e.mu.Lock()
	e.cc.Input = ""
	e.cc.Notice = ""
	if outcome == metrics.OutcomeCorrect {
		e.cc.Feedback = FeedbackCorrect
	} else {
		e.cc.Feedback = FeedbackIncorrect
	}
	e.mu.Unlock()

	log.Debug().
		Str("client", e.clientID).
		Str("code", code).
		Str("side", string(side)).
		Str("outcome", outcome).
		Int("score", next.Score).
		Msg("submission written")

	// The new lastActionTimestamp restarts the countdown.
	e.Observe(next)
	return nil
}

// writeSubmission returns the written document, or nil when the session was
// not in play.
func (e *Engine) writeSubmission(ctx context.Context, code string, side models.Side, input string) (*models.Session, string, error) {
	for attempt := 0; ; attempt++ {
		doc, err := e.store.Read(ctx, code)
		if err != nil {
			return nil, metrics.OutcomeFailed, err
		}
		if doc.Status != models.SessionStatusPlaying || doc.AtBound() {
			return nil, metrics.OutcomeSkipped, nil
		}

		fields, correct := e.resolve(doc, side, input)
		outcome := metrics.OutcomeIncorrect
		if correct {
			outcome = metrics.OutcomeCorrect
		}

		next, err := e.store.Update(ctx, code, fields, e.writeOptions(doc)...)
		if err == nil {
			return next, outcome, nil
		}
		if errors.Is(err, duel.ErrVersionConflict) && attempt < e.cfg.MaxWriteRetries {
			e.metrics.RecordWriteConflict("submit")
			log.Debug().
				Str("client", e.clientID).
				Str("code", code).
				Int("attempt", attempt+1).
				Msg("document moved, recomputing submission")
			continue
		}
		if errors.Is(err, duel.ErrStaleWrite) {
			return nil, metrics.OutcomeSkipped, err
		}
		return nil, metrics.OutcomeFailed, err
	}
}

// resolve computes the fields a submission of input writes against doc.
func (e *Engine) resolve(doc *models.Session, side models.Side, input string) (models.Fields, bool) {
	answer, err := strconv.Atoi(input)
	correct := err == nil && answer == doc.Problem(side).Answer

	fields := models.Fields{
		models.SideField(side, models.SidePendingInput): "",
		models.FieldLastActionTimestamp:                 e.clock.Now(),
		models.FieldLastUpdater:                         string(side),
	}

	score := doc.Score
	if correct {
		score += models.ScoreDirection(side) * e.cfg.CorrectDelta
		fields[models.SideField(side, models.SidePoints)] = doc.Side(side).Points + 1
		fields[models.ProblemField(side)] = e.gen.Generate(doc.DifficultyBound)
	} else {
		score -= e.cfg.IncorrectPenalty
	}
	score = models.ClampScore(score)
	fields[models.FieldScore] = score

	if score <= models.ScoreMin || score >= models.ScoreMax {
		fields[models.FieldStatus] = models.SessionStatusFinished
		if score >= models.ScoreMax {
			fields[models.FieldWinner] = models.SideBlue
		} else {
			fields[models.FieldWinner] = models.SideRed
		}
	}
	return fields, correct
}
