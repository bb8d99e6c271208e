package bridge

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/duel/engine"
	"github.com/mcdev12/mathduel/go/internal/duel/lifecycle"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// Controller is the client surface the bridge drives.
type Controller interface {
	CreateSession(ctx context.Context, bound int) (lifecycle.Handle, error)
	JoinSession(ctx context.Context, code string) (lifecycle.Handle, error)
	LeaveSession()
	Restart(ctx context.Context) (lifecycle.Handle, error)
	AddDigit(ctx context.Context, side models.Side, digit int) error
	Clear(ctx context.Context, side models.Side) error
	Submit(ctx context.Context, side models.Side) error
	View() engine.View
}

// Command ops accepted on a UI socket.
const (
	OpCreate  = "create"
	OpJoin    = "join"
	OpLeave   = "leave"
	OpRestart = "restart"
	OpDigit   = "digit"
	OpClear   = "clear"
	OpSubmit  = "submit"
)

// Command is a lobby or keypad action sent by the UI.
type Command struct {
	Op         string      `json:"op"`
	Side       models.Side `json:"side,omitempty"`
	Digit      int         `json:"digit,omitempty"`
	Code       string      `json:"code,omitempty"`
	Difficulty int         `json:"difficulty,omitempty"`
}

// Dispatch runs cmd against c.
func Dispatch(ctx context.Context, c Controller, cmd Command) error {
	switch cmd.Op {
	case OpCreate:
		_, err := c.CreateSession(ctx, cmd.Difficulty)
		return err
	case OpJoin:
		_, err := c.JoinSession(ctx, cmd.Code)
		return err
	case OpLeave:
		c.LeaveSession()
		return nil
	case OpRestart:
		_, err := c.Restart(ctx)
		return err
	case OpDigit:
		return c.AddDigit(ctx, cmd.Side, cmd.Digit)
	case OpClear:
		return c.Clear(ctx, cmd.Side)
	case OpSubmit:
		return c.Submit(ctx, cmd.Side)
	default:
		return fmt.Errorf("%w: unknown op %q", duel.ErrInvalidField, cmd.Op)
	}
}

// errorCode maps duel errors onto RPC codes.
func errorCode(err error) connect.Code {
	switch {
	case errors.Is(err, duel.ErrInvalidCode), errors.Is(err, duel.ErrInvalidField):
		return connect.CodeInvalidArgument
	case errors.Is(err, duel.ErrSessionNotFound):
		return connect.CodeNotFound
	case errors.Is(err, duel.ErrSessionExists):
		return connect.CodeAlreadyExists
	case errors.Is(err, duel.ErrSessionConflict), errors.Is(err, duel.ErrNoSession):
		return connect.CodeFailedPrecondition
	case errors.Is(err, duel.ErrStoreUnavailable):
		return connect.CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeInternal
	}
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	return connect.NewError(errorCode(err), err)
}
