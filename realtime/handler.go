// Package realtime は部屋とゲームのイベントを WebSocket でクライアントへ届けます。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"troublepainter/database"
	"troublepainter/internal/gameerr"
	"troublepainter/internal/notify"
	"troublepainter/internal/room"
	"troublepainter/internal/session"
	"troublepainter/internal/tally"
	"troublepainter/middlewares"
	"troublepainter/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingPeriod  = 10 * time.Second // 10秒ごとにPingを送信
	readTimeout = 60 * time.Second // Pongが来なければ切断
	maxMessage  = 8 << 20
)

// SessionStore は再接続用のセッションIDを扱います。
type SessionStore interface {
	GenerateAndStoreSessionID(ctx context.Context, info database.SessionInfo) (string, error)
	ValidateSessionID(ctx context.Context, sessionID string) (database.SessionInfo, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Handler は WebSocket 接続を受け付けます。
type Handler struct {
	o        *session.Orchestrator
	sessions SessionStore // nil なら再接続用のセッションIDは発行しない
	upgrader websocket.Upgrader
	logger   *zap.Logger

	pingPeriod  time.Duration
	readTimeout time.Duration
}

// NewHandler は allowOrigins が空ならすべてのオリジンを許可します。
func NewHandler(o *session.Orchestrator, sessions SessionStore, allowOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		o:        o,
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowOrigins) == 0 || origin == "" || slices.Contains(allowOrigins, origin)
			},
		},
		pingPeriod:  pingPeriod,
		readTimeout: readTimeout,
	}
}

// clientMessage はクライアントから届くメッセージ
type clientMessage struct {
	Type      string          `json:"type"` // stroke, vote, sync
	Stroke    json.RawMessage `json:"stroke,omitempty"`
	AccusedID string          `json:"accusedId,omitempty"`
}

// serverMessage はクライアントへ送るメッセージ
type serverMessage struct {
	Type      string        `json:"type"` // session, state, event, error
	SessionID string        `json:"sessionId,omitempty"`
	Room      *room.Room    `json:"room,omitempty"`
	Game      *session.View `json:"game,omitempty"`
	Role      *session.Role `json:"role,omitempty"`
	Event     *notify.Event `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// HandleConnections は WebSocket へアップグレードし、切断まで読み取りを続けます。
// 本人と部屋は SessionID（再接続）か playerId と code のクエリで特定する
func (h *Handler) HandleConnections(c *gin.Context) {
	ctx := c.Request.Context()
	info, err := h.identify(c)
	if err != nil {
		h.logger.Info("WebSocket接続を拒否しました", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": gameerr.CodeOf(err), "message": err.Error()})
		return
	}

	r, err := h.o.Room(info.RoomCode)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": gameerr.CodeOf(err), "message": err.Error()})
		return
	}
	if !r.HasMember(info.PlayerID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_member", "message": room.ErrNotMember.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade が応答を書き込み済み
		h.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessage)

	client := &models.Client{Conn: conn, PlayerID: info.PlayerID, RoomCode: r.Code}
	h.logger.Info("New client added", zap.String("playerID", client.PlayerID), zap.String("code", client.RoomCode))

	if h.sessions != nil {
		sessionID, err := h.sessions.GenerateAndStoreSessionID(ctx, database.SessionInfo{PlayerID: client.PlayerID, RoomCode: client.RoomCode})
		if err != nil {
			h.logger.Error("Failed to generate or store session ID", zap.Error(err))
		} else {
			client.SessionID = sessionID
			_ = client.Send(serverMessage{Type: "session", SessionID: sessionID})
		}
	}

	subs := newSubscriptions(h, client)
	defer subs.close()
	subs.watchRoom(r.Code)
	if gameID, ok := h.o.GameForRoom(r.Code); ok {
		subs.watchGame(gameID)
	}
	h.sendState(client)

	done := make(chan struct{})
	go h.keepAlive(client, done)
	h.readLoop(client)
	close(done)

	client.Conn.Close()
	h.logger.Info("Client removed", zap.String("playerID", client.PlayerID), zap.String("code", client.RoomCode))
}

func (h *Handler) identify(c *gin.Context) (database.SessionInfo, error) {
	sessionID := c.GetHeader("SessionID") // クライアントが送るセッションID
	if sessionID == "" {
		sessionID = c.Query("sessionId")
	}
	if sessionID != "" && h.sessions != nil {
		ctx := c.Request.Context()
		info, err := h.sessions.ValidateSessionID(ctx, sessionID)
		if err != nil {
			return info, err
		}
		// 旧セッションの削除。新しいIDは接続後に発行する
		if err := h.sessions.DeleteSession(ctx, sessionID); err != nil {
			h.logger.Warn("旧セッションの削除に失敗しました", zap.Error(err))
		}
		return info, nil
	}

	playerID := strings.TrimSpace(c.GetHeader(middlewares.PlayerIDHeader))
	if playerID == "" {
		playerID = strings.TrimSpace(c.Query("playerId"))
	}
	info := database.SessionInfo{PlayerID: playerID, RoomCode: room.NormalizeCode(c.Query("code"))}
	if info.PlayerID == "" || info.RoomCode == "" {
		return info, errors.New("playerId と code が必要です")
	}
	if tally.IsReserved(info.PlayerID) {
		return info, room.ErrReservedIdentifier
	}
	return info, nil
}

// keepAlive は Ping を送り続けます。送れなくなったら接続を閉じて readLoop を終わらせる
func (h *Handler) keepAlive(c *models.Client, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				h.logger.Info("Error sending ping", zap.String("playerID", c.PlayerID), zap.Error(err))
				c.Conn.Close()
				return
			}
		}
	}
}

func (h *Handler) readLoop(c *models.Client) {
	c.Conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Info("WebSocket error", zap.String("playerID", c.PlayerID), zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.sendError(c, "bad_request", "メッセージを読み取れません")
			continue
		}
		h.dispatch(c, msg)
	}
}

// dispatch はメッセージの種類に応じた操作を行います。
func (h *Handler) dispatch(c *models.Client, msg clientMessage) {
	ctx := context.Background()
	switch msg.Type {
	case "sync":
		h.sendState(c)
	case "stroke":
		gameID, ok := h.o.GameForRoom(c.RoomCode)
		if !ok {
			h.sendErr(c, session.ErrGameNotFound)
			return
		}
		var req models.StrokeRequest
		if err := json.Unmarshal(msg.Stroke, &req); err != nil {
			h.sendError(c, "bad_request", "ストロークを読み取れません")
			return
		}
		canvas, err := session.ParseCanvas(req.Canvas)
		if err != nil {
			h.sendErr(c, err)
			return
		}
		stroke := models.Stroke{Points: req.Points, Color: req.Color, Width: req.Width}
		if _, err := h.o.SubmitStroke(ctx, gameID, c.PlayerID, stroke, canvas); err != nil {
			h.sendErr(c, err)
		}
	case "vote":
		gameID, ok := h.o.GameForRoom(c.RoomCode)
		if !ok {
			h.sendErr(c, session.ErrGameNotFound)
			return
		}
		if _, err := h.o.CastVote(ctx, gameID, c.PlayerID, msg.AccusedID); err != nil {
			h.sendErr(c, err)
		}
	default:
		h.logger.Info("Received unknown message type", zap.String("type", msg.Type))
		h.sendError(c, "unknown_type", "不明なメッセージです")
	}
}

// sendState は部屋とゲームの現在の状態を送ります。イベントの欠番に気付いたクライアントは sync で取り直す
func (h *Handler) sendState(c *models.Client) {
	msg := serverMessage{Type: "state"}
	if r, err := h.o.Room(c.RoomCode); err == nil {
		msg.Room = &r
	}
	if gameID, ok := h.o.GameForRoom(c.RoomCode); ok {
		if v, err := h.o.Snapshot(gameID); err == nil {
			msg.Game = &v
		}
		if role, err := h.o.RoleFor(gameID, c.PlayerID); err == nil {
			msg.Role = &role
		}
	}
	if err := c.Send(msg); err != nil {
		h.logger.Info("状態の送信に失敗しました", zap.String("playerID", c.PlayerID), zap.Error(err))
	}
}

func (h *Handler) sendErr(c *models.Client, err error) {
	h.sendError(c, gameerr.CodeOf(err), err.Error())
}

func (h *Handler) sendError(c *models.Client, code, message string) {
	_ = c.Send(serverMessage{Type: "error", Error: code, Message: message})
}

// subscriptions は1接続分の購読を管理します。
type subscriptions struct {
	h      *Handler
	client *models.Client

	mu     sync.Mutex
	ids    []uint64
	games  map[string]bool
	closed bool
}

func newSubscriptions(h *Handler, c *models.Client) *subscriptions {
	return &subscriptions{h: h, client: c, games: make(map[string]bool)}
}

func (s *subscriptions) watchRoom(code string) {
	s.add(notify.RoomTopic(code), func(ev notify.Event) {
		s.forward(ev)
		if ev.Type != "room.started" {
			return
		}
		// 開始したゲームのイベントも受け取る。購読前に出た分は状態の再送で補う
		if p, ok := ev.Payload.(map[string]any); ok {
			if gameID, ok := p["gameId"].(string); ok {
				s.watchGame(gameID)
				s.h.sendState(s.client)
			}
		}
	})
}

func (s *subscriptions) watchGame(gameID string) {
	s.mu.Lock()
	if s.games[gameID] || s.closed {
		s.mu.Unlock()
		return
	}
	s.games[gameID] = true
	s.mu.Unlock()
	s.add(notify.GameTopic(gameID), func(ev notify.Event) {
		s.forward(ev)
		// 役割はイベントに載らないので開始時に状態ごと送る
		if ev.Type == "game.started" {
			s.h.sendState(s.client)
		}
	})
}

func (s *subscriptions) add(topic string, h notify.Handler) {
	id := s.h.o.Subscribe(topic, h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.h.o.Unsubscribe(id)
		return
	}
	s.ids = append(s.ids, id)
}

func (s *subscriptions) forward(ev notify.Event) {
	if err := s.client.Send(serverMessage{Type: "event", Event: &ev}); err != nil {
		s.h.logger.Debug("イベントの送信に失敗しました", zap.String("playerID", s.client.PlayerID), zap.Error(err))
	}
}

func (s *subscriptions) close() {
	s.mu.Lock()
	ids := s.ids
	s.ids = nil
	s.closed = true
	s.mu.Unlock()
	for _, id := range ids {
		s.h.o.Unsubscribe(id)
	}
}
