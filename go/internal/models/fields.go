package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mcdev12/mathduel/go/internal/duel"
)

// Top-level field paths of a session document. Nested side records use
// dotted paths built by SideField and ProblemField.
const (
	FieldStatus              = "status"
	FieldScore               = "score"
	FieldWinner              = "winner"
	FieldLastActionTimestamp = "lastActionTimestamp"
	FieldLastUpdater         = "lastUpdater"
)

// Leaf names inside a side record.
const (
	SideJoined       = "joined"
	SidePoints       = "points"
	SidePendingInput = "pendingInput"
)

// SideField returns the dotted path of a side record field, e.g. sides.blue.points.
func SideField(side Side, name string) string {
	return "sides." + string(side) + "." + name
}

// ProblemField returns the dotted path of a side's problem, e.g. problems.red.
func ProblemField(side Side) string {
	return "problems." + string(side)
}

// Fields is a partial update keyed by dotted field path.
type Fields map[string]interface{}

// Paths returns the field paths in sorted order.
func (f Fields) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ValidPendingInput reports whether s is at most MaxPendingInput ASCII digits.
func ValidPendingInput(s string) bool {
	if len(s) > MaxPendingInput {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func statusRank(s SessionStatus) int {
	switch s {
	case SessionStatusWaiting:
		return 0
	case SessionStatusPlaying:
		return 1
	case SessionStatusFinished:
		return 2
	default:
		return -1
	}
}

// Apply merges f into a copy of s and returns the copy with its version
// bumped. Only the named fields change. The score is clamped, a playing
// session whose score reaches a bound is finished, and a finished session
// rejects every write with duel.ErrStaleWrite. On error s is untouched.
func (s *Session) Apply(f Fields) (*Session, error) {
	if s.Status == SessionStatusFinished {
		return nil, duel.ErrStaleWrite
	}

	next := s.Clone()
	for _, path := range f.Paths() {
		if err := next.set(path, f[path]); err != nil {
			return nil, err
		}
	}

	if statusRank(next.Status) < statusRank(s.Status) {
		return nil, fmt.Errorf("%w: status %s cannot follow %s", duel.ErrStaleWrite, next.Status, s.Status)
	}
	if next.Status == SessionStatusPlaying && !next.BothJoined() {
		return nil, fmt.Errorf("%w: session cannot start before both sides joined", duel.ErrInvalidField)
	}
	if next.Status == SessionStatusPlaying && next.AtBound() {
		next.Status = SessionStatusFinished
	}
	if next.Status == SessionStatusFinished && next.Winner == "" {
		next.Winner = next.Leader()
	}

	next.Version = s.Version + 1
	return next, nil
}

func (s *Session) set(path string, value interface{}) error {
	switch path {
	case FieldStatus:
		v, ok := value.(SessionStatus)
		if !ok || statusRank(v) < 0 {
			return invalidField(path, value)
		}
		s.Status = v
		return nil
	case FieldScore:
		v, ok := asInt(value)
		if !ok {
			return invalidField(path, value)
		}
		s.Score = ClampScore(v)
		return nil
	case FieldWinner:
		v, ok := value.(Side)
		if !ok || !v.Valid() {
			return invalidField(path, value)
		}
		s.Winner = v
		return nil
	case FieldLastActionTimestamp:
		v, ok := value.(time.Time)
		if !ok {
			return invalidField(path, value)
		}
		s.LastActionTimestamp = v
		return nil
	case FieldLastUpdater:
		v, ok := value.(string)
		if !ok {
			return invalidField(path, value)
		}
		s.LastUpdater = v
		return nil
	}

	parts := strings.Split(path, ".")
	switch {
	case len(parts) == 3 && parts[0] == "sides":
		side := Side(parts[1])
		if !side.Valid() {
			return invalidField(path, value)
		}
		st := s.Sides[side]
		switch parts[2] {
		case SideJoined:
			v, ok := value.(bool)
			if !ok {
				return invalidField(path, value)
			}
			st.Joined = v
		case SidePoints:
			v, ok := asInt(value)
			if !ok || v < 0 {
				return invalidField(path, value)
			}
			st.Points = v
		case SidePendingInput:
			v, ok := value.(string)
			if !ok || !ValidPendingInput(v) {
				return invalidField(path, value)
			}
			st.PendingInput = v
		default:
			return invalidField(path, value)
		}
		s.Sides[side] = st
		return nil
	case len(parts) == 2 && parts[0] == "problems":
		side := Side(parts[1])
		v, ok := value.(Problem)
		if !side.Valid() || !ok {
			return invalidField(path, value)
		}
		s.Problems[side] = v
		return nil
	}
	return invalidField(path, value)
}

func asInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	default:
		return 0, false
	}
}

func invalidField(path string, value interface{}) error {
	return fmt.Errorf("%w: %s=%v", duel.ErrInvalidField, path, value)
}
