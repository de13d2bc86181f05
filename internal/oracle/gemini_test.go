package oracle

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"troublepainter/internal/gameerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func geminiServer(t *testing.T, status int, body string, check func(r *http.Request, payload gjson.Result)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			buf, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			check(r, gjson.ParseBytes(buf))
		}
		w.Header().Set("Content-Type", "application/json")
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiGenerate(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G'}
	srv := geminiServer(t, http.StatusOK,
		`{"candidates":[{"content":{"parts":[{"text":"{\"hint\":\"h\"}"}]}}]}`,
		func(r *http.Request, payload gjson.Result) {
			assert.Equal(t, "/v1beta/models/test-model:generateContent", r.URL.Path)
			assert.Equal(t, "secret", r.URL.Query().Get("key"))
			assert.Contains(t, payload.Get("contents.0.parts.0.text").String(), "Alice, Bob")
			assert.Equal(t, "image/png", payload.Get("contents.0.parts.1.inline_data.mime_type").String())
			assert.Equal(t, base64.StdEncoding.EncodeToString(image), payload.Get("contents.0.parts.1.inline_data.data").String())
		})

	g := NewGemini("secret", "test-model", srv.URL, srv.Client())
	text, err := g.Generate(context.Background(), Request{Image: image, Keyword: "cat", Players: []string{"Alice", "Bob"}})
	require.NoError(t, err)
	assert.Equal(t, `{"hint":"h"}`, text)
}

func TestGeminiLegacyContentShape(t *testing.T) {
	srv := geminiServer(t, http.StatusOK, `{"candidates":[{"content":[{"text":"legacy"}]}]}`, nil)
	g := NewGemini("k", "", srv.URL, srv.Client())
	text, err := g.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "legacy", text)
}

func TestGeminiErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"overloaded", http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`, ErrTransient},
		{"internal", http.StatusInternalServerError, `{}`, ErrTransient},
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrRateLimited},
		{"payment required", http.StatusPaymentRequired, `{}`, ErrQuotaExceeded},
		{"forbidden", http.StatusForbidden, `{}`, ErrQuotaExceeded},
		{"unauthorized", http.StatusUnauthorized, `{}`, ErrQuotaExceeded},
		{"no text", http.StatusOK, `{"candidates":[]}`, ErrMalformedOutput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := geminiServer(t, tt.status, tt.body, nil)
			g := NewGemini("k", "m", srv.URL, srv.Client())
			_, err := g.Generate(context.Background(), Request{})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGeminiRetryAfterHeader(t *testing.T) {
	srv := geminiServer(t, http.StatusTooManyRequests, `{}`, nil)
	g := NewGemini("k", "m", srv.URL, srv.Client())
	_, err := g.Generate(context.Background(), Request{})

	var rl *RateLimitedError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 7*time.Second, rl.Wait)
}

func TestGeminiNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := NewGemini("k", "m", url, &http.Client{Timeout: time.Second})
	_, err := g.Generate(context.Background(), Request{})
	require.ErrorIs(t, err, ErrTransient)
}

func TestGeminiDeadlineIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	g := NewGemini("k", "m", srv.URL, srv.Client())
	_, err := g.Generate(ctx, Request{})
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "oracle_unavailable", gameerr.CodeOf(err))
}

func TestDecodeDataURL(t *testing.T) {
	raw := []byte("hello")
	enc := base64.StdEncoding.EncodeToString(raw)

	got, mime, err := DecodeDataURL("data:image/jpeg;base64," + enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
	assert.Equal(t, "image/jpeg", mime)

	got, mime, err = DecodeDataURL(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
	assert.Equal(t, "image/png", mime)

	_, _, err = DecodeDataURL("data:image/png;base64")
	require.Error(t, err)
	_, _, err = DecodeDataURL("data:image/png;base64,!!!")
	require.Error(t, err)
}

func TestPromptMentionsPlayersAndKeyword(t *testing.T) {
	p := Prompt("umbrella", []string{"Ann", "Ben"})
	assert.Contains(t, p, `"umbrella"`)
	assert.Contains(t, p, "Players: Ann, Ben")
	assert.Contains(t, p, "suspicionScores")
}
