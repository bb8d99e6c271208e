package duel

import "errors"

var (
	// ErrInvalidCode is returned when a join code is not exactly four digits.
	ErrInvalidCode = errors.New("invalid session code")

	// ErrSessionNotFound is returned when no session document exists at a code.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by a store when creating a session at a code
	// that is already taken.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionConflict is returned when joining a session that is not waiting
	// for a second participant.
	ErrSessionConflict = errors.New("session is not accepting players")

	// ErrStoreUnavailable wraps every backend failure (network, driver, decode).
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrVersionConflict is returned by a conditional update whose expected
	// version no longer matches the stored document.
	ErrVersionConflict = errors.New("session version conflict")

	// ErrStaleWrite is returned when a write targets a session that has already
	// finished. Callers treat it as a no-op.
	ErrStaleWrite = errors.New("write to finished session")

	// ErrInvalidField is returned for unknown field paths or mistyped values in
	// a partial update.
	ErrInvalidField = errors.New("invalid session field")

	// ErrNoSession is returned by client operations issued outside a session.
	ErrNoSession = errors.New("no active session")
)
