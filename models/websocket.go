package models

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Websocketクライアントを定義
type Client struct {
	Conn      *websocket.Conn
	PlayerID  string
	RoomCode  string
	SessionID string

	mu sync.Mutex // gorilla/websocket は同時書き込み不可
}

// Send は v をJSONとして書き込みます。
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

// Ping はPingフレームを送ります。
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}
