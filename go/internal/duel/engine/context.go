package engine

import "github.com/mcdev12/mathduel/go/internal/models"

// Phase is the client-side state of the duel.
type Phase string

const (
	PhaseLobby              Phase = "lobby"
	PhaseWaitingForOpponent Phase = "waiting_for_opponent"
	PhaseActive             Phase = "active"
	PhaseEnded              Phase = "ended"
)

// Feedback flags the outcome of this client's last submission.
type Feedback string

const (
	FeedbackNone      Feedback = ""
	FeedbackCorrect   Feedback = "correct"
	FeedbackIncorrect Feedback = "incorrect"
)

// ClientContext is everything a client holds locally about its duel. It is
// plain data so it can be persisted, inspected and compared in tests.
type ClientContext struct {
	Code       string      `json:"code,omitempty"`
	Side       models.Side `json:"side,omitempty"`
	Phase      Phase       `json:"phase"`
	Input      string      `json:"input"`
	Submitting bool        `json:"submitting"`
	Feedback   Feedback    `json:"feedback,omitempty"`
	Notice     string      `json:"notice,omitempty"`
}

// LobbyContext is the context of a client outside any session.
func LobbyContext() ClientContext {
	return ClientContext{Phase: PhaseLobby}
}

// derivePhase maps a document to a client phase. A score at either bound
// ends the game whatever the status says.
func derivePhase(doc *models.Session) Phase {
	switch {
	case doc.Status == models.SessionStatusFinished:
		return PhaseEnded
	case doc.Status == models.SessionStatusPlaying && doc.AtBound():
		return PhaseEnded
	case doc.Status == models.SessionStatusPlaying:
		return PhaseActive
	default:
		return PhaseWaitingForOpponent
	}
}
