package bridge

import (
	"context"
	"encoding/json"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mcdev12/mathduel/go/internal/duel/engine"
	"github.com/mcdev12/mathduel/go/internal/models"
)

// DuelServiceName is the RPC service the bridge exposes to the UI.
const DuelServiceName = "mathduel.v1.DuelService"

const (
	CreateSessionProcedure = "/" + DuelServiceName + "/CreateSession"
	JoinSessionProcedure   = "/" + DuelServiceName + "/JoinSession"
	LeaveSessionProcedure  = "/" + DuelServiceName + "/LeaveSession"
	RestartProcedure       = "/" + DuelServiceName + "/Restart"
	AddDigitProcedure      = "/" + DuelServiceName + "/AddDigit"
	ClearProcedure         = "/" + DuelServiceName + "/Clear"
	SubmitProcedure        = "/" + DuelServiceName + "/Submit"
	GetViewProcedure       = "/" + DuelServiceName + "/GetView"
)

type CreateSessionRequest struct {
	Difficulty int `json:"difficulty"`
}

type JoinSessionRequest struct {
	Code string `json:"code"`
}

type KeypadRequest struct {
	Side  models.Side `json:"side"`
	Digit int         `json:"digit,omitempty"`
}

type SessionResponse struct {
	Code string      `json:"code"`
	Side models.Side `json:"side"`
}

type Empty struct{}

// jsonCodec lets the handlers speak plain JSON without generated messages.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// CodecOption configures a client or handler for the bridge's JSON wire format.
func CodecOption() connect.Option {
	return connect.WithCodec(jsonCodec{})
}

// NewDuelServiceHandler builds the RPC handlers for c under DuelServiceName.
func NewDuelServiceHandler(c Controller, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{CodecOption()}, opts...)
	mux := http.NewServeMux()

	mux.Handle(CreateSessionProcedure, connect.NewUnaryHandler(CreateSessionProcedure,
		func(ctx context.Context, req *connect.Request[CreateSessionRequest]) (*connect.Response[SessionResponse], error) {
			h, err := c.CreateSession(ctx, req.Msg.Difficulty)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&SessionResponse{Code: h.Code, Side: h.Side}), nil
		}, opts...))

	mux.Handle(JoinSessionProcedure, connect.NewUnaryHandler(JoinSessionProcedure,
		func(ctx context.Context, req *connect.Request[JoinSessionRequest]) (*connect.Response[SessionResponse], error) {
			h, err := c.JoinSession(ctx, req.Msg.Code)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&SessionResponse{Code: h.Code, Side: h.Side}), nil
		}, opts...))

	mux.Handle(LeaveSessionProcedure, connect.NewUnaryHandler(LeaveSessionProcedure,
		func(ctx context.Context, req *connect.Request[Empty]) (*connect.Response[Empty], error) {
			c.LeaveSession()
			return connect.NewResponse(&Empty{}), nil
		}, opts...))

	mux.Handle(RestartProcedure, connect.NewUnaryHandler(RestartProcedure,
		func(ctx context.Context, req *connect.Request[Empty]) (*connect.Response[SessionResponse], error) {
			h, err := c.Restart(ctx)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(&SessionResponse{Code: h.Code, Side: h.Side}), nil
		}, opts...))

	mux.Handle(AddDigitProcedure, connect.NewUnaryHandler(AddDigitProcedure,
		func(ctx context.Context, req *connect.Request[KeypadRequest]) (*connect.Response[engine.View], error) {
			if err := c.AddDigit(ctx, req.Msg.Side, req.Msg.Digit); err != nil {
				return nil, toConnectError(err)
			}
			return viewResponse(c), nil
		}, opts...))

	mux.Handle(ClearProcedure, connect.NewUnaryHandler(ClearProcedure,
		func(ctx context.Context, req *connect.Request[KeypadRequest]) (*connect.Response[engine.View], error) {
			if err := c.Clear(ctx, req.Msg.Side); err != nil {
				return nil, toConnectError(err)
			}
			return viewResponse(c), nil
		}, opts...))

	mux.Handle(SubmitProcedure, connect.NewUnaryHandler(SubmitProcedure,
		func(ctx context.Context, req *connect.Request[KeypadRequest]) (*connect.Response[engine.View], error) {
			if err := c.Submit(ctx, req.Msg.Side); err != nil {
				return nil, toConnectError(err)
			}
			return viewResponse(c), nil
		}, opts...))

	mux.Handle(GetViewProcedure, connect.NewUnaryHandler(GetViewProcedure,
		func(ctx context.Context, req *connect.Request[Empty]) (*connect.Response[engine.View], error) {
			return viewResponse(c), nil
		}, opts...))

	return "/" + DuelServiceName + "/", mux
}

func viewResponse(c Controller) *connect.Response[engine.View] {
	v := c.View()
	return connect.NewResponse(&v)
}
