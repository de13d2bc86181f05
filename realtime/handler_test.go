package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"troublepainter/database"
	"troublepainter/internal/ledger"
	"troublepainter/internal/notify"
	"troublepainter/internal/room"
	"troublepainter/internal/session"
	"troublepainter/internal/tally"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memorySessions struct {
	mu   sync.Mutex
	data map[string]database.SessionInfo
}

func (m *memorySessions) GenerateAndStoreSessionID(_ context.Context, info database.SessionInfo) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.data[id] = info
	return id, nil
}

func (m *memorySessions) ValidateSessionID(_ context.Context, id string) (database.SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.data[id]
	if !ok {
		return info, database.ErrSessionNotFound
	}
	return info, nil
}

func (m *memorySessions) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

type testServer struct {
	o        *session.Orchestrator
	sessions *memorySessions
	url      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	bus := notify.NewBus(logger)
	o := session.New(session.Deps{
		Logger: logger,
		Rooms:  room.NewRegistry(logger, bus, room.WithReserved(tally.IsReserved)),
		Ledger: ledger.New(logger, nil),
		Tally:  tally.New(logger, nil),
		Events: bus,
	}, session.Config{TurnTimeout: time.Minute, AutoVoteDelay: time.Hour, DefaultWords: []string{"kite"}})

	sessions := &memorySessions{data: make(map[string]database.SessionInfo)}
	h := NewHandler(o, sessions, nil, logger)
	r := gin.New()
	r.GET("/ws", h.HandleConnections)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		o.Shutdown()
		bus.Close()
	})
	return &testServer{o: o, sessions: sessions, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (s *testServer) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.url+"?"+query, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil は match が true を返すメッセージが届くまで読み続けます。
func readUntil(t *testing.T, conn *websocket.Conn, match func(serverMessage) bool) serverMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg serverMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(serverMessage) bool {
	return func(m serverMessage) bool { return m.Type == typ }
}

func event(typ string) func(serverMessage) bool {
	return func(m serverMessage) bool { return m.Type == "event" && m.Event != nil && m.Event.Type == typ }
}

func TestRejectsUnknownClients(t *testing.T) {
	s := newTestServer(t)
	r, err := s.o.CreateRoom("ann", "Ann", 4, 1)
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"missing identity", "", http.StatusUnauthorized},
		{"reserved", "playerId=" + tally.OracleVoterID + "&code=" + r.Code, http.StatusUnauthorized},
		{"unknown room", "playerId=ann&code=ZZZZZZ", http.StatusNotFound},
		{"not a member", "playerId=ben&code=" + r.Code, http.StatusForbidden},
		{"unknown session", "sessionId=nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(s.url+"?"+tt.query, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStateAndEventsFlow(t *testing.T) {
	s := newTestServer(t)
	r, err := s.o.CreateRoom("ann", "Ann", 4, 1)
	require.NoError(t, err)
	_, err = s.o.JoinRoom(r.Code, "ben", "Ben")
	require.NoError(t, err)

	ann := s.dial(t, "playerId=ann&code="+strings.ToLower(r.Code), nil)
	ben := s.dial(t, "playerId=ben&code="+r.Code, nil)

	sess := readUntil(t, ann, ofType("session"))
	assert.NotEmpty(t, sess.SessionID)
	state := readUntil(t, ann, ofType("state"))
	require.NotNil(t, state.Room)
	assert.Nil(t, state.Game)
	readUntil(t, ben, ofType("state"))

	g, err := s.o.StartGame(context.Background(), r.Code, "ann")
	require.NoError(t, err)

	// 開始後は部屋のイベントに続いてゲームの状態が届く
	readUntil(t, ben, event("room.started"))
	started := readUntil(t, ben, func(m serverMessage) bool { return m.Type == "state" && m.Game != nil })
	assert.Equal(t, g.ID, started.Game.Game.ID)
	require.NotNil(t, started.Role)
	assert.Equal(t, "ben", started.Role.PlayerID)

	// ben の手番ではない
	require.NoError(t, ben.WriteJSON(map[string]any{
		"type":   "stroke",
		"stroke": map[string]any{"points": []map[string]float64{{"x": 1, "y": 1}}, "width": 2},
	}))
	errMsg := readUntil(t, ben, ofType("error"))
	assert.Equal(t, "not_your_turn", errMsg.Error)

	require.NoError(t, ann.WriteJSON(map[string]any{
		"type":   "stroke",
		"stroke": map[string]any{"points": []map[string]float64{{"x": 1, "y": 1}}, "width": 2, "color": "#00f"},
	}))
	added := readUntil(t, ben, event("stroke.added"))
	assert.Equal(t, notify.GameTopic(g.ID), added.Event.Topic)
	readUntil(t, ben, event("turn.advanced"))

	require.NoError(t, ann.WriteJSON(map[string]any{"type": "dance"}))
	assert.Equal(t, "unknown_type", readUntil(t, ann, ofType("error")).Error)

	require.NoError(t, ann.WriteJSON(map[string]any{"type": "sync"}))
	synced := readUntil(t, ann, func(m serverMessage) bool { return m.Type == "state" && m.Game != nil && m.Game.Game.CurrentTurn == 1 })
	assert.GreaterOrEqual(t, synced.Game.Seq, added.Event.Seq)
}

func TestResumeWithSessionID(t *testing.T) {
	s := newTestServer(t)
	r, err := s.o.CreateRoom("ann", "Ann", 4, 1)
	require.NoError(t, err)

	first := s.dial(t, "playerId=ann&code="+r.Code, nil)
	old := readUntil(t, first, ofType("session")).SessionID
	first.Close()

	header := http.Header{}
	header.Set("SessionID", old)
	second := s.dial(t, "", header)
	fresh := readUntil(t, second, ofType("session")).SessionID
	assert.NotEqual(t, old, fresh)
	state := readUntil(t, second, ofType("state"))
	require.NotNil(t, state.Room)
	assert.Equal(t, r.Code, state.Room.Code)

	// 使い終わったセッションIDは再利用できない
	_, resp, err := websocket.DefaultDialer.Dial(s.url+"?sessionId="+old, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
