package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultGeminiEndpoint = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel    = "gemini-2.5-flash"
)

// Gemini は Google Gemini の generateContent を呼び出す Provider
type Gemini struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

func NewGemini(apiKey, model, endpoint string, client *http.Client) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	if endpoint == "" {
		endpoint = DefaultGeminiEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Gemini{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		apiKey:   apiKey,
		client:   client,
	}
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

func (c *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	mime := req.MimeType
	if mime == "" {
		mime = "image/png"
	}
	body := geminiRequest{Contents: []geminiContent{{Parts: []geminiPart{
		{Text: Prompt(req.Keyword, req.Players)},
		{InlineData: &geminiInlineData{MimeType: mime, Data: base64.StdEncoding.EncodeToString(req.Image)}},
	}}}}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	u := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.endpoint, url.PathEscape(c.model), url.QueryEscape(c.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%w: %w", ErrTransient, ctxErr)
		}
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}
	if err := classifyStatus(resp.StatusCode, resp.Header.Get("Retry-After")); err != nil {
		return "", fmt.Errorf("%w (%s)", err, gjson.GetBytes(respBody, "error.message").String())
	}

	text := gjson.GetBytes(respBody, "candidates.0.content.parts.0.text")
	if !text.Exists() {
		text = gjson.GetBytes(respBody, "candidates.0.content.0.text")
	}
	if !text.Exists() || text.String() == "" {
		return "", fmt.Errorf("%w: no text in response", ErrMalformedOutput)
	}
	return text.String(), nil
}

// classifyStatus はHTTPステータスを4種類のエラーのどれかに振り分けます。
func classifyStatus(status int, retryAfter string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		wait := time.Duration(0)
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return &RateLimitedError{Wait: wait}
	case status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, status)
	default:
		// 401, 402, 403 などの認証・課金系と、その他の4xx
		return fmt.Errorf("%w: status %d", ErrQuotaExceeded, status)
	}
}

// DecodeDataURL は "data:image/png;base64,..." 形式の画像を取り出します。
// 接頭辞が無ければ素のBase64として扱う
func DecodeDataURL(s string) ([]byte, string, error) {
	mime := "image/png"
	data := s
	if strings.HasPrefix(s, "data:") {
		head, rest, ok := strings.Cut(s, ",")
		if !ok {
			return nil, "", errors.New("不正なdata URLです")
		}
		data = rest
		head = strings.TrimPrefix(head, "data:")
		if m, _, _ := strings.Cut(head, ";"); m != "" {
			mime = m
		}
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("画像のデコードに失敗しました: %w", err)
	}
	return raw, mime, nil
}

// Prompt はモデルへ渡す指示文を組み立てます。
func Prompt(keyword string, players []string) string {
	var b strings.Builder
	b.WriteString("You are analyzing a collaborative drawing game called Trouble Painter where players take turns drawing.\n\n")
	b.WriteString("CRITICAL RULES:\n")
	b.WriteString("1. One player is a \"trouble painter\" who doesn't know the keyword and tries to blend in\n")
	fmt.Fprintf(&b, "2. DO NOT reveal the keyword %q in your guesses unless the drawing CLEARLY shows it\n", keyword)
	b.WriteString("3. Make realistic guesses based ONLY on what's actually visible in the drawing\n")
	b.WriteString("4. Early in the game, drawings are incomplete - be vague and uncertain\n")
	b.WriteString("5. If the drawing is just lines or basic shapes, guess generic things like \"abstract\", \"lines\", \"shape\", \"scribble\"\n\n")
	fmt.Fprintf(&b, "Players: %s\n\n", strings.Join(players, ", "))
	b.WriteString("Respond with ONLY this JSON (no markdown, no explanation):\n")
	b.WriteString(`{"hint": "brief observation (not the keyword)", "topGuesses": ["guess1", "guess2", "guess3"], "suspicionScores": {"PlayerName": 0.3}}`)
	b.WriteString("\n\nSuspicion scores range from 0.0 (normal drawing behavior) to 1.0 (likely the trouble painter), keyed by player name.\n")
	return b.String()
}
