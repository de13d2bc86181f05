// Package oracle は外部の画像解析サービスへの呼び出しを、
// 間隔制限・再試行・出力検証付きで仲介します。ゲームの状態には触れません。
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"troublepainter/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultMinInterval = 5 * time.Second
	DefaultMaxAttempts = 3
)

// Request は1回の解析依頼
type Request struct {
	Image       []byte
	MimeType    string
	Keyword     string
	Players     []string // 表示名。スコアはこの名前で返ってくる
	ThrottleKey string   // 間隔制限の単位（通常はゲームID）
}

// Provider はモデルを呼び出して生のテキストを返します。
// エラーは ErrTransient / ErrQuotaExceeded / *RateLimitedError のいずれかで包むこと
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Gateway は Provider の前段に立つアダプタ
type Gateway struct {
	provider    Provider
	logger      *zap.Logger
	minInterval time.Duration
	maxAttempts uint
	newBackOff  func() backoff.BackOff
	now         func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Gateway)

func WithMinInterval(d time.Duration) Option {
	return func(g *Gateway) { g.minInterval = d }
}

func WithMaxAttempts(n uint) Option {
	return func(g *Gateway) { g.maxAttempts = n }
}

// WithBackOff は再試行の待ち時間の計算方法を差し替えます。
func WithBackOff(f func() backoff.BackOff) Option {
	return func(g *Gateway) { g.newBackOff = f }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(p Provider, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		provider:    p,
		logger:      logger,
		minInterval: DefaultMinInterval,
		maxAttempts: DefaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.Multiplier = 2
			b.MaxInterval = 4 * time.Second
			return b
		},
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.maxAttempts == 0 {
		g.maxAttempts = 1
	}
	return g
}

// Analyze は画像を解析して結果を返します。
// 同じキーで前回から minInterval 経っていなければ待ち時間付きの *RateLimitedError
func (g *Gateway) Analyze(ctx context.Context, req Request) (models.AnalysisResult, error) {
	if err := g.reserve(req.ThrottleKey); err != nil {
		return models.AnalysisResult{}, err
	}

	attempt := 0
	text, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		out, err := g.provider.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		// 一時的な過負荷だけ再試行する
		if errors.Is(err, ErrTransient) {
			return "", err
		}
		return "", backoff.Permanent(err)
	},
		backoff.WithBackOff(g.newBackOff()),
		backoff.WithMaxTries(g.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("解析サービスの呼び出しを再試行します",
				zap.String("key", req.ThrottleKey),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err != nil && !errors.Is(err, ErrTransient) && ctx.Err() != nil {
		// 待機中に期限が切れると backoff は context のエラーをそのまま返す
		err = fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if err != nil {
		g.logger.Error("解析サービスの呼び出しに失敗しました", zap.String("key", req.ThrottleKey), zap.Int("attempts", attempt), zap.Error(err))
		return models.AnalysisResult{}, err
	}

	res, err := Parse(text)
	if err != nil {
		g.logger.Warn("解析結果の形式が不正です", zap.String("key", req.ThrottleKey), zap.Error(err))
		return models.AnalysisResult{}, err
	}
	return res, nil
}

// reserve はキーごとの最小間隔を確認し、空いていれば枠を消費します。
func (g *Gateway) reserve(key string) error {
	if g.minInterval <= 0 {
		return nil
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.minInterval), 1)
		g.limiters[key] = lim
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return &RateLimitedError{Wait: g.minInterval}
	}
	if wait := r.DelayFrom(now); wait > 0 {
		// 予約は取り消して枠を戻す
		r.CancelAt(now)
		return &RateLimitedError{Wait: wait}
	}
	return nil
}

// Forget はキーの間隔制限を破棄します。ゲーム終了時に呼ぶ
func (g *Gateway) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, key)
}
