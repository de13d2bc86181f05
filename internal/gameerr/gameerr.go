// Package gameerr はゲーム全体で使うエラー分類を定義します。
package gameerr

import (
	"errors"
)

// Kind はエラーの分類です。HTTP層はこれを見てステータスを決めます。
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Conflict
	StateInvariant
	RateLimited
	TransientOracle
	QuotaOracle
	MalformedOracle
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case StateInvariant:
		return "state_invariant"
	case RateLimited:
		return "rate_limited"
	case TransientOracle:
		return "transient_oracle"
	case QuotaOracle:
		return "quota_oracle"
	case MalformedOracle:
		return "malformed_oracle"
	default:
		return "internal"
	}
}

// Error は分類付きのエラーです。Code はクライアントへ返す識別子。
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// New は分類付きのセンチネルエラーを作成します。
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap は err に分類を付けて包みます。errors.Is(err) は元のエラーを辿れます。
func Wrap(kind Kind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{info: Error{Kind: kind, Code: code, Msg: err.Error()}, cause: err}
}

type wrapped struct {
	info  Error
	cause error
}

func (w *wrapped) Error() string { return w.info.Msg }

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) As(target any) bool {
	if t, ok := target.(**Error); ok {
		*t = &w.info
		return true
	}
	return false
}

// KindOf は err のチェーンから最初に見つかった分類を返します。
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}

// CodeOf は err のチェーンから最初に見つかったコードを返します。
func CodeOf(err error) string {
	var ge *Error
	if errors.As(err, &ge) && ge.Code != "" {
		return ge.Code
	}
	return "internal_error"
}
