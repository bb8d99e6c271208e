package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/mathduel/go/internal/duel"
	"github.com/mcdev12/mathduel/go/internal/duel/engine"
	"github.com/mcdev12/mathduel/go/internal/duel/lifecycle"
	"github.com/mcdev12/mathduel/go/internal/duel/problem"
	"github.com/mcdev12/mathduel/go/internal/duel/store"
	"github.com/mcdev12/mathduel/go/internal/models"
)

type testBridge struct {
	server  *httptest.Server
	hub     *Hub
	manager *lifecycle.Manager
}

func newTestBridge(t *testing.T, s store.Store, clock clockwork.Clock, seed uint64) *testBridge {
	t.Helper()
	hub := NewHub(DefaultConnectionConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Start(ctx)

	cfg := engine.DefaultConfig()
	cfg.TickInterval = 0
	eng := engine.New(s, problem.NewSeededGenerator(seed, seed), clock, cfg, nil, hub)
	manager := lifecycle.NewManager(s, eng, problem.NewSeededGenerator(seed, seed+1), &lifecycle.MemoryHandleStore{}, clock, lifecycle.DefaultConfig())

	mux := http.NewServeMux()
	RegisterAll(mux, hub, manager)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		manager.LeaveSession()
		server.Close()
		cancel()
	})
	return &testBridge{server: server, hub: hub, manager: manager}
}

func call[Req, Res any](t *testing.T, b *testBridge, procedure string, req *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](b.server.Client(), b.server.URL+procedure, CodecOption())
	resp, err := client.CallUnary(context.Background(), connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRPCSessionFlow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := store.NewMemoryStore()
	blue := newTestBridge(t, s, clock, 1)
	red := newTestBridge(t, s, clock, 2)

	created, err := call[CreateSessionRequest, SessionResponse](t, blue, CreateSessionProcedure, &CreateSessionRequest{Difficulty: 12})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if created.Side != models.SideBlue || len(created.Code) != 4 {
		t.Fatalf("CreateSession = %+v", created)
	}

	joined, err := call[JoinSessionRequest, SessionResponse](t, red, JoinSessionProcedure, &JoinSessionRequest{Code: created.Code})
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if joined.Side != models.SideRed || joined.Code != created.Code {
		t.Fatalf("JoinSession = %+v", joined)
	}

	for name, b := range map[string]*testBridge{"blue": blue, "red": red} {
		eventually(t, name+" active", func() bool {
			v, err := call[Empty, engine.View](t, b, GetViewProcedure, &Empty{})
			return err == nil && v.Phase == engine.PhaseActive
		})
	}

	view, err := call[KeypadRequest, engine.View](t, red, AddDigitProcedure, &KeypadRequest{Side: models.SideRed, Digit: 7})
	if err != nil {
		t.Fatalf("AddDigit: %v", err)
	}
	if view.Input != "7" {
		t.Errorf("input after AddDigit = %q, want 7", view.Input)
	}
	view, err = call[KeypadRequest, engine.View](t, red, ClearProcedure, &KeypadRequest{Side: models.SideRed})
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if view.Input != "" {
		t.Errorf("input after Clear = %q", view.Input)
	}

	if _, err := call[Empty, Empty](t, red, LeaveSessionProcedure, &Empty{}); err != nil {
		t.Fatalf("LeaveSession: %v", err)
	}
	if _, ok := red.manager.Current(); ok {
		t.Error("red still holds a session after LeaveSession")
	}
}

func TestRPCErrorCodes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := store.NewMemoryStore()
	b := newTestBridge(t, s, clock, 3)

	tests := []struct {
		name string
		call func() error
		want connect.Code
	}{
		{
			name: "malformed code",
			call: func() error {
				_, err := call[JoinSessionRequest, SessionResponse](t, b, JoinSessionProcedure, &JoinSessionRequest{Code: "12a4"})
				return err
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "unknown session",
			call: func() error {
				_, err := call[JoinSessionRequest, SessionResponse](t, b, JoinSessionProcedure, &JoinSessionRequest{Code: "0000"})
				return err
			},
			want: connect.CodeNotFound,
		},
		{
			name: "difficulty out of range",
			call: func() error {
				_, err := call[CreateSessionRequest, SessionResponse](t, b, CreateSessionProcedure, &CreateSessionRequest{Difficulty: 0})
				return err
			},
			want: connect.CodeInvalidArgument,
		},
		{
			name: "keypad without session",
			call: func() error {
				_, err := call[KeypadRequest, engine.View](t, b, SubmitProcedure, &KeypadRequest{Side: models.SideBlue})
				return err
			},
			want: connect.CodeFailedPrecondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if got := connect.CodeOf(err); got != tt.want {
				t.Errorf("code = %v, want %v (err %v)", got, tt.want, err)
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want connect.Code
	}{
		{fmt.Errorf("join: %w", duel.ErrInvalidCode), connect.CodeInvalidArgument},
		{duel.ErrInvalidField, connect.CodeInvalidArgument},
		{duel.ErrSessionNotFound, connect.CodeNotFound},
		{duel.ErrSessionExists, connect.CodeAlreadyExists},
		{duel.ErrSessionConflict, connect.CodeFailedPrecondition},
		{duel.ErrNoSession, connect.CodeFailedPrecondition},
		{fmt.Errorf("read: %w", duel.ErrStoreUnavailable), connect.CodeUnavailable},
		{errors.New("boom"), connect.CodeInternal},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func dial(t *testing.T, b *testBridge) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws/duel"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Message) bool) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestWebSocketCommands(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := store.NewMemoryStore()
	b := newTestBridge(t, s, clock, 4)
	conn := dial(t, b)

	first := readUntil(t, conn, func(Message) bool { return true })
	if first.Type != "view" || first.View == nil || first.View.Phase != engine.PhaseLobby {
		t.Fatalf("initial message = %+v", first)
	}

	if err := conn.WriteJSON(Command{Op: OpCreate, Difficulty: 15}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waiting := readUntil(t, conn, func(m Message) bool {
		return m.Type == "view" && m.View.Phase == engine.PhaseWaitingForOpponent && m.View.DifficultyBound != 0
	})
	if waiting.View.Side != models.SideBlue || waiting.View.DifficultyBound != 15 {
		t.Errorf("waiting view = %+v", waiting.View)
	}

	if err := conn.WriteJSON(Command{Op: OpDigit, Side: models.SideRed, Digit: 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	rejected := readUntil(t, conn, func(m Message) bool { return m.Type == "error" })
	if rejected.Code != connect.CodeInvalidArgument.String() {
		t.Errorf("error code = %q, want %q", rejected.Code, connect.CodeInvalidArgument.String())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	malformed := readUntil(t, conn, func(m Message) bool { return m.Type == "error" })
	if malformed.Error != "malformed command" {
		t.Errorf("malformed reply = %+v", malformed)
	}

	if err := conn.WriteJSON(Command{Op: OpLeave}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, func(m Message) bool {
		return m.Type == "view" && m.View.Phase == engine.PhaseLobby
	})
}

func TestConnectionStats(t *testing.T) {
	b := newTestBridge(t, store.NewMemoryStore(), clockwork.NewFakeClock(), 5)
	dial(t, b)
	eventually(t, "registered connection", func() bool {
		return b.hub.Stats().TotalConnections == 1
	})

	resp, err := b.server.Client().Get(b.server.URL + "/ws/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()

	var stats ConnectionStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalConnections != 1 {
		t.Errorf("total_connections = %d, want 1", stats.TotalConnections)
	}
}

func TestRenderCoalesces(t *testing.T) {
	hub := NewHub(DefaultConnectionConfig())
	hub.Render(engine.View{Phase: engine.PhaseActive, Score: 40})
	hub.Render(engine.View{Phase: engine.PhaseActive, Score: 45})

	if len(hub.notify) != 1 {
		t.Fatalf("pending notifications = %d, want 1", len(hub.notify))
	}
	if hub.latest.Score != 45 {
		t.Errorf("latest score = %d, want 45", hub.latest.Score)
	}
}
