package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// ChangeFunc receives the full current document on every change.
type ChangeFunc func(doc *models.Session)

// ErrorFunc receives subscription failures. duel.ErrSessionNotFound means the
// document is gone.
type ErrorFunc func(err error)

// Store is the remote session document store. Every backend merges partial
// updates field by field on a single document. Only an explicit IfVersion
// option makes an update conditional.
type Store interface {
	// Create stores a new document. It fails with duel.ErrSessionExists when
	// the code is taken.
	Create(ctx context.Context, doc *models.Session) error
	// Read returns the current document or duel.ErrSessionNotFound.
	Read(ctx context.Context, code string) (*models.Session, error)
	// Update merges fields into the document and returns the result.
	Update(ctx context.Context, code string, fields models.Fields, opts ...UpdateOption) (*models.Session, error)
	// Subscribe delivers the current document and then every change until the
	// returned function is called. Deliveries may be coalesced.
	Subscribe(ctx context.Context, code string, onChange ChangeFunc, onError ErrorFunc) (func(), error)
}

// UpdateOptions holds per-update settings.
type UpdateOptions struct {
	// ExpectedVersion, when non-zero, makes the update fail with
	// duel.ErrVersionConflict unless the stored version matches.
	ExpectedVersion int64
}

// UpdateOption configures an update.
type UpdateOption func(*UpdateOptions)

// IfVersion makes an update conditional on the stored document version.
func IfVersion(version int64) UpdateOption {
	return func(o *UpdateOptions) {
		o.ExpectedVersion = version
	}
}

func buildOptions(opts []UpdateOption) UpdateOptions {
	var o UpdateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// merge checks the precondition and applies fields to the stored document.
// Every backend funnels writes through it.
func merge(current *models.Session, fields models.Fields, o UpdateOptions) (*models.Session, error) {
	if o.ExpectedVersion != 0 && current.Version != o.ExpectedVersion {
		return nil, fmt.Errorf("%w: expected %d, stored %d", duel.ErrVersionConflict, o.ExpectedVersion, current.Version)
	}
	return current.Apply(fields)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", duel.ErrStoreUnavailable, op, err)
}

// isDuelError reports whether err already carries one of the duel sentinels.
func isDuelError(err error) bool {
	for _, sentinel := range []error{
		duel.ErrSessionNotFound,
		duel.ErrSessionExists,
		duel.ErrStoreUnavailable,
		duel.ErrVersionConflict,
		duel.ErrStaleWrite,
		duel.ErrInvalidField,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// classify wraps backend failures that carry no duel sentinel as
// ErrStoreUnavailable.
func classify(op string, err error) error {
	if err == nil || isDuelError(err) {
		return err
	}
	return unavailable(op, err)
}

// watchState filters the deliveries of one polling subscription. Versions
// already delivered are dropped, a missing document is reported once until
// it reappears, and nothing is delivered after ctx is done.
type watchState struct {
	ctx      context.Context
	onChange ChangeFunc
	onError  ErrorFunc
	version  int64
	gone     bool
}

func newWatchState(ctx context.Context, onChange ChangeFunc, onError ErrorFunc) *watchState {
	return &watchState{ctx: ctx, onChange: onChange, onError: onError}
}

func (w *watchState) observe(doc *models.Session, err error) {
	if w.ctx.Err() != nil {
		return
	}
	switch {
	case err == nil:
		w.gone = false
		if doc.Version > w.version {
			w.version = doc.Version
			w.onChange(doc)
		}
	case errors.Is(err, duel.ErrSessionNotFound):
		if !w.gone && w.onError != nil {
			w.onError(err)
		}
		w.gone = true
		w.version = 0
	case w.onError != nil:
		w.onError(err)
	}
}
