package models

import "time"

// Side identifies one of the two participants of a duel.
type Side string

const (
	SideBlue Side = "blue"
	SideRed  Side = "red"
)

// Sides lists both participants in a stable order.
var Sides = []Side{SideBlue, SideRed}

// Valid reports whether s names a participant.
func (s Side) Valid() bool {
	return s == SideBlue || s == SideRed
}

// Opponent returns the other participant.
func (s Side) Opponent() Side {
	if s == SideBlue {
		return SideRed
	}
	return SideBlue
}

// SessionStatus defines the lifecycle status of a session document.
type SessionStatus string

const (
	SessionStatusWaiting  SessionStatus = "waiting"
	SessionStatusPlaying  SessionStatus = "playing"
	SessionStatusFinished SessionStatus = "finished"
)

// UpdaterTimeout is recorded as LastUpdater when the timeout mechanism wrote last.
const UpdaterTimeout = "timeout"

// Score meter bounds. Blue pushes the meter up, red pushes it down.
const (
	ScoreMin     = 0
	ScoreMax     = 100
	ScoreInitial = 50
)

// MaxPendingInput is the longest answer a player can type.
const MaxPendingInput = 3

// Problem is one arithmetic challenge.
type Problem struct {
	Expression string `json:"expression"`
	Answer     int    `json:"answer"`
}

// SideState holds the per-participant part of a session.
type SideState struct {
	Joined       bool   `json:"joined"`
	Points       int    `json:"points"`
	PendingInput string `json:"pendingInput"`
}

// Session is the shared document both clients read and mutate.
type Session struct {
	Code                string             `json:"code"`
	Status              SessionStatus      `json:"status"`
	Score               int                `json:"score"`
	DifficultyBound     int                `json:"difficultyBound"`
	Sides               map[Side]SideState `json:"sides"`
	Problems            map[Side]Problem   `json:"problems"`
	LastActionTimestamp time.Time          `json:"lastActionTimestamp"`
	LastUpdater         string             `json:"lastUpdater"`
	Winner              Side               `json:"winner,omitempty"`
	Version             int64              `json:"version"`
	CreatedAt           time.Time          `json:"createdAt"`
}

// NewSession builds the initial document for a duel created by blue.
func NewSession(code string, bound int, blue, red Problem, now time.Time) *Session {
	return &Session{
		Code:            code,
		Status:          SessionStatusWaiting,
		Score:           ScoreInitial,
		DifficultyBound: bound,
		Sides: map[Side]SideState{
			SideBlue: {Joined: true},
			SideRed:  {},
		},
		Problems: map[Side]Problem{
			SideBlue: blue,
			SideRed:  red,
		},
		LastActionTimestamp: now,
		LastUpdater:         string(SideBlue),
		Version:             1,
		CreatedAt:           now,
	}
}

// Clone returns a deep copy so callers never share maps with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Sides = make(map[Side]SideState, len(s.Sides))
	for k, v := range s.Sides {
		c.Sides[k] = v
	}
	c.Problems = make(map[Side]Problem, len(s.Problems))
	for k, v := range s.Problems {
		c.Problems[k] = v
	}
	return &c
}

// Side returns the state of one participant.
func (s *Session) Side(side Side) SideState {
	return s.Sides[side]
}

// Problem returns the current problem of one participant.
func (s *Session) Problem(side Side) Problem {
	return s.Problems[side]
}

// BothJoined reports whether both participants are present.
func (s *Session) BothJoined() bool {
	return s.Sides[SideBlue].Joined && s.Sides[SideRed].Joined
}

// AtBound reports whether the score meter reached either end.
func (s *Session) AtBound() bool {
	return s.Score <= ScoreMin || s.Score >= ScoreMax
}

// Leader returns the side the score meter currently favors at a bound.
func (s *Session) Leader() Side {
	switch {
	case s.Score >= ScoreMax:
		return SideBlue
	case s.Score <= ScoreMin:
		return SideRed
	default:
		return ""
	}
}

// Elapsed returns the time since the last state-changing write.
func (s *Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.LastActionTimestamp)
}

// ClampScore keeps a score inside the meter.
func ClampScore(score int) int {
	if score < ScoreMin {
		return ScoreMin
	}
	if score > ScoreMax {
		return ScoreMax
	}
	return score
}

// ScoreDirection returns +1 for blue and -1 for red.
func ScoreDirection(side Side) int {
	if side == SideBlue {
		return 1
	}
	return -1
}
