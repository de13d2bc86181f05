package middlewares

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"troublepainter/internal/tally"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	// PlayerIDHeader は前段の認証層が付けるプレイヤーID
	PlayerIDHeader = "X-Player-ID"
	playerIDKey    = "playerID"
	maxPlayerIDLen = 64
)

// PlayerIdentity はリクエストからプレイヤーIDを取り出してコンテキストに保存します。
// WebSocket はヘッダーを付けられないブラウザがあるので playerId クエリも受け付ける
func PlayerIdentity(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		playerID := strings.TrimSpace(c.GetHeader(PlayerIDHeader))
		if playerID == "" {
			playerID = strings.TrimSpace(c.Query("playerId"))
		}

		switch {
		case playerID == "":
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_player_id", "message": "プレイヤーIDがありません"})
			return
		case utf8.RuneCountInString(playerID) > maxPlayerIDLen:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_player_id", "message": "プレイヤーIDが長すぎます"})
			return
		case tally.IsReserved(playerID):
			logger.Warn("予約済みのIDでのアクセスを拒否しました", zap.String("playerID", playerID), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "reserved_identifier", "message": "このIDは使用できません"})
			return
		}

		c.Set(playerIDKey, playerID)
		c.Next()
	}
}

// PlayerID は PlayerIdentity が保存したIDを返します。
func PlayerID(c *gin.Context) string {
	return c.GetString(playerIDKey)
}
