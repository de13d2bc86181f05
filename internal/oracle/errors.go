package oracle

import (
	"fmt"
	"time"

	"troublepainter/internal/gameerr"
)

// 外部解析のエラーは4種類に正規化する
var (
	ErrRateLimited     = gameerr.New(gameerr.RateLimited, "rate_limited", "解析の呼び出し間隔が短すぎます")
	ErrQuotaExceeded   = gameerr.New(gameerr.QuotaOracle, "oracle_quota", "解析サービスの利用上限に達しました")
	ErrTransient       = gameerr.New(gameerr.TransientOracle, "oracle_unavailable", "解析サービスが一時的に利用できません")
	ErrMalformedOutput = gameerr.New(gameerr.MalformedOracle, "malformed_oracle_output", "解析結果を読み取れませんでした")
)

// RateLimitedError は待ち時間付きのレート制限エラー
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s (retry in %dms)", ErrRateLimited.Msg, e.Wait.Milliseconds())
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
