package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionTTL は再接続用セッションIDの有効期限
const SessionTTL = 24 * time.Hour

var ErrSessionNotFound = errors.New("session not found")

// SessionInfo は WebSocket 再接続時に本人と部屋を特定するための情報
type SessionInfo struct {
	PlayerID string `json:"playerID"`
	RoomCode string `json:"roomCode"`
}

// SessionStore はセッションIDを Redis に保存します。
type SessionStore struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
	ttl    time.Duration
}

func NewSessionStore(rdb redis.UniversalClient, logger *zap.Logger) *SessionStore {
	return &SessionStore{rdb: rdb, logger: logger, ttl: SessionTTL}
}

func sessionKey(id string) string {
	return "session:" + id
}

// GenerateAndStoreSessionID は新しいセッションIDを発行して保存します。
func (s *SessionStore) GenerateAndStoreSessionID(ctx context.Context, info SessionInfo) (string, error) {
	sessionID := uuid.New().String()

	sessionInfoJSON, err := json.Marshal(info)
	if err != nil {
		s.logger.Error("Error encoding session info", zap.Error(err))
		return "", err
	}

	if err := s.rdb.Set(ctx, sessionKey(sessionID), sessionInfoJSON, s.ttl).Err(); err != nil {
		s.logger.Error("Error storing session info in Redis", zap.Error(err))
		return "", err
	}
	return sessionID, nil
}

// ValidateSessionID はセッションIDから保存済みの情報を取り出します。
func (s *SessionStore) ValidateSessionID(ctx context.Context, sessionID string) (SessionInfo, error) {
	var info SessionInfo
	if sessionID == "" {
		return info, ErrSessionNotFound
	}

	sessionInfoJSON, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return info, ErrSessionNotFound
	}
	if err != nil {
		s.logger.Error("Failed to retrieve session info", zap.Error(err))
		return info, err
	}

	if err := json.Unmarshal(sessionInfoJSON, &info); err != nil {
		return info, fmt.Errorf("decode session info: %w", err)
	}
	if info.PlayerID == "" || info.RoomCode == "" {
		return info, fmt.Errorf("invalid session info: %w", ErrSessionNotFound)
	}
	return info, nil
}

// DeleteSession はセッションを破棄します。
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, sessionKey(sessionID)).Err()
}
