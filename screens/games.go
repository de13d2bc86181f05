package screens

import (
	"net/http"
	"slices"
	"strconv"

	"troublepainter/internal/session"
	"troublepainter/middlewares"
	"troublepainter/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GameState はゲームのスナップショットを返します。
func GameState(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	v, err := o.Snapshot(c.Param("gameID"))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// GameRole は本人の役割を返します。犯人にはお題を含めない
func GameRole(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	role, err := o.RoleFor(c.Param("gameID"), middlewares.PlayerID(c))
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, role)
}

// StrokeSubmit は手番のプレイヤーのストロークを受け付けます。
func StrokeSubmit(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	var request models.StrokeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, logger, err)
		return
	}
	canvas, err := session.ParseCanvas(request.Canvas)
	if err != nil {
		respondError(c, logger, err)
		return
	}

	stroke := models.Stroke{Points: request.Points, Color: request.Color, Width: request.Width}
	saved, err := o.SubmitStroke(c.Request.Context(), c.Param("gameID"), middlewares.PlayerID(c), stroke, canvas)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stroke": saved})
}

// RoundStrokes はラウンドのストロークを描かれた順に返します。
func RoundStrokes(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	round, err := strconv.Atoi(c.Param("round"))
	if err != nil {
		badRequest(c, logger, err)
		return
	}
	seq, err := o.StrokesForRound(c.Request.Context(), c.Param("gameID"), round)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	strokes := slices.Collect(seq)
	if strokes == nil {
		strokes = []models.Stroke{}
	}
	c.JSON(http.StatusOK, gin.H{"round": round, "strokes": strokes})
}

// VoteCast は投票を受け付けます。
func VoteCast(c *gin.Context, o *session.Orchestrator, logger *zap.Logger) {
	var request models.VoteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, logger, err)
		return
	}
	v, err := o.CastVote(c.Request.Context(), c.Param("gameID"), middlewares.PlayerID(c), request.AccusedID)
	if err != nil {
		respondError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vote": v})
}
