package engine

import (
	"fmt"
	"time"
)

// ConflictMode selects how read-modify-write races on the shared document
// are resolved.
type ConflictMode string

const (
	// ConflictGuarded makes every read-modify-write conditional on the
	// version it read. A submit recomputes from a fresh read on conflict, a
	// timeout is abandoned once another writer has reset the clock.
	ConflictGuarded ConflictMode = "guarded"
	// ConflictLegacy writes blindly, last write wins per field.
	ConflictLegacy ConflictMode = "legacy"
)

// ParseConflictMode converts a configuration string to a ConflictMode.
func ParseConflictMode(s string) (ConflictMode, error) {
	switch ConflictMode(s) {
	case ConflictGuarded, ConflictLegacy:
		return ConflictMode(s), nil
	case "":
		return ConflictGuarded, nil
	default:
		return "", fmt.Errorf("unknown conflict mode %q", s)
	}
}

// Config holds the rules and timing of a duel client.
type Config struct {
	TimeLimit        time.Duration // Countdown length measured from lastActionTimestamp
	TimeoutPenalty   int           // Flat score decrease applied on timeout
	CorrectDelta     int           // Score movement toward the submitter on a correct answer
	IncorrectPenalty int           // Flat score decrease on a wrong answer
	LowTime          time.Duration // Remaining time at or below which the view flags TimeLow
	TickInterval     time.Duration // View refresh while a countdown runs; zero disables
	RetryDelay       time.Duration // Delay before re-checking a timeout whose read failed
	OpTimeout        time.Duration // Deadline for store calls made by the countdown
	MaxWriteRetries  int           // Conditional write attempts after a version conflict
	ConflictMode     ConflictMode
}

// DefaultConfig returns the standard duel rules.
func DefaultConfig() Config {
	return Config{
		TimeLimit:        10 * time.Second,
		TimeoutPenalty:   5,
		CorrectDelta:     10,
		IncorrectPenalty: 5,
		LowTime:          3 * time.Second,
		TickInterval:     time.Second,
		RetryDelay:       time.Second,
		OpTimeout:        5 * time.Second,
		MaxWriteRetries:  5,
		ConflictMode:     ConflictGuarded,
	}
}
