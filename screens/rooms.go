package screens

import (
	"net/http"
	"strings"

	"troublepainter/internal/room"
	"troublepainter/internal/session"
	"troublepainter/middlewares"
	"troublepainter/models"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// RoomCreate は部屋を作成し、作成者をホストとして参加させます。
func RoomCreate(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	var request models.RoomCreateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, logger, err)
		return
	}
	if request.MaxPlayers == 0 {
		request.MaxPlayers = room.MaxPlayers
	}
	if request.MaxRounds == 0 {
		request.MaxRounds = 3
	}

	r, err := o.CreateRoom(middlewares.PlayerID(c), strings.TrimSpace(request.Name), request.MaxPlayers, request.MaxRounds)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": r})
}

// RoomInfo は部屋の状態を返します。
func RoomInfo(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	r, err := o.Room(c.Param("code"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": r})
}

// RoomJoin は参加コードで部屋に入ります。参加済みなら何もしない
func RoomJoin(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	var request models.RoomJoinRequest
	// ボディは省略可
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, logger, err)
			return
		}
	}

	r, err := o.JoinRoom(c.Param("code"), middlewares.PlayerID(c), strings.TrimSpace(request.Name))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": r})
}

// RoomLeave は部屋から抜けます。最後の1人が抜けたら部屋は消える
func RoomLeave(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	r, err := o.LeaveRoom(c.Request.Context(), c.Param("code"), middlewares.PlayerID(c))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	if len(r.Members) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "destroyed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": r})
}

// RoomQRCode は参加URLのQRコード（PNG）を返します。
func RoomQRCode(c *gin.Context, o *session.Orchestrator, publicURL string, logger *zap.Logger) {
	r, err := o.Room(c.Param("code"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	png, err := qrcode.Encode(JoinURL(publicURL, r.Code), qrcode.Medium, 320)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// JoinURL は参加用のURLを組み立てます。
func JoinURL(publicURL, code string) string {
	return strings.TrimRight(publicURL, "/") + "/join/" + code
}

// GameStart はホストの要求でゲームを開始します。
func GameStart(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	g, err := o.StartGame(c.Request.Context(), c.Param("code"), middlewares.PlayerID(c))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"game": g})
}
