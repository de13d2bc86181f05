package screens

import (
	"errors"
	"net/http"

	"troublepainter/internal/gameerr"
	"troublepainter/internal/oracle"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusFor はエラーの分類からHTTPステータスを決めます。
func StatusFor(err error) int {
	switch gameerr.KindOf(err) {
	case gameerr.Validation:
		return http.StatusBadRequest
	case gameerr.NotFound:
		return http.StatusNotFound
	case gameerr.Conflict, gameerr.StateInvariant:
		return http.StatusConflict
	case gameerr.RateLimited:
		return http.StatusTooManyRequests
	case gameerr.TransientOracle, gameerr.QuotaOracle:
		return http.StatusServiceUnavailable
	case gameerr.MalformedOracle:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError はエラーをJSONで返します。500系だけエラーログに残す
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := StatusFor(err)
	body := gin.H{"error": gameerr.CodeOf(err), "message": err.Error()}
	var rl *oracle.RateLimitedError
	if errors.As(err, &rl) {
		body["retryAfterMs"] = rl.Wait.Milliseconds()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("リクエストの処理に失敗しました", zap.String("path", c.FullPath()), zap.Error(err))
		_ = c.Error(err)
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, logger *zap.Logger, err error) {
	logger.Info("Request binding error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
}
