package middlewares

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"troublepainter/internal/tally"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestPlayerIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PlayerIdentity(zap.NewNop()))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, PlayerID(c))
	})

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantBody   string
	}{
		{"header", "alice", "", http.StatusOK, "alice"},
		{"trimmed", "  bob ", "", http.StatusOK, "bob"},
		{"query fallback", "", "carol", http.StatusOK, "carol"},
		{"header wins", "dave", "eve", http.StatusOK, "dave"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"reserved", tally.OracleVoterID, "", http.StatusBadRequest, ""},
		{"too long", strings.Repeat("x", 65), "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/me"
			if tt.query != "" {
				target += "?playerId=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(PlayerIDHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}
