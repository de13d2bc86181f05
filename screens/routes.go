package screens

import (
	"net/http"

	"troublepainter/internal/session"
	"troublepainter/middlewares"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RegisterRoutes はHTTPのルーティングを登録します。
func RegisterRoutes(router gin.IRouter, o *session.Orchestrator, publicURL string, logger *zap.Logger) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// QRコードは画面に表示するだけなのでプレイヤーIDは不要
	router.GET("/rooms/:code/qr", func(c *gin.Context) {
		RoomQRCode(c, o, publicURL, logger)
	})
	router.GET("/rooms/:code", func(c *gin.Context) {
		RoomInfo(c, o, logger)
	})
	router.GET("/games/:gameID", func(c *gin.Context) {
		GameState(c, o, logger)
	})
	router.GET("/games/:gameID/rounds/:round/strokes", func(c *gin.Context) {
		RoundStrokes(c, o, logger)
	})

	player := router.Group("/", middlewares.PlayerIdentity(logger))
	player.POST("/rooms", func(c *gin.Context) {
		RoomCreate(c, o, logger)
	})
	player.POST("/rooms/:code/join", func(c *gin.Context) {
		RoomJoin(c, o, logger)
	})
	player.POST("/rooms/:code/leave", func(c *gin.Context) {
		RoomLeave(c, o, logger)
	})
	player.POST("/rooms/:code/start", func(c *gin.Context) {
		GameStart(c, o, logger)
	})
	player.GET("/games/:gameID/role", func(c *gin.Context) {
		GameRole(c, o, logger)
	})
	player.POST("/games/:gameID/strokes", func(c *gin.Context) {
		StrokeSubmit(c, o, logger)
	})
	player.POST("/games/:gameID/votes", func(c *gin.Context) {
		VoteCast(c, o, logger)
	})
}
