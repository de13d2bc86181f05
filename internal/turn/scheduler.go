// Package turn は手番とラウンドの進行を扱います。
package turn

import (
	"fmt"

	"troublepainter/internal/gameerr"
	"troublepainter/models"
)

var (
	ErrRoundOverflow  = gameerr.New(gameerr.StateInvariant, "round_overflow", "最大ラウンドを超えて進めることはできません")
	ErrNoSeats        = gameerr.New(gameerr.StateInvariant, "no_seats", "着席しているプレイヤーがいません")
	ErrTurnOutOfRange = gameerr.New(gameerr.StateInvariant, "turn_out_of_range", "手番が着席数の範囲外です")
)

// Result は Advance の結果
type Result struct {
	Advanced        bool // false なら版数が古く何もしていない
	RoundsExhausted bool // 最終ラウンドの最終手番を終えた
	Round           int
	Turn            int
	Version         uint64
}

func resultOf(g *models.Game, advanced bool) Result {
	return Result{
		Advanced:        advanced,
		RoundsExhausted: g.RoundsComplete,
		Round:           g.CurrentRound,
		Turn:            g.CurrentTurn,
		Version:         g.Version,
	}
}

// Advance は expectedVersion が現在の版数と一致するときだけ手番を1つ進めます。
// 一周したらラウンドを進め、最終ラウンドを終えたら RoundsComplete を立てます。
// ラウンドは MaxRounds を超えて保存されることはありません。
func Advance(g *models.Game, expectedVersion uint64) (Result, error) {
	if g.Version != expectedVersion {
		return resultOf(g, false), nil
	}
	if g.RoundsComplete || g.CurrentRound > g.MaxRounds {
		return resultOf(g, false), ErrRoundOverflow
	}
	n := len(g.Seats)
	if n == 0 {
		return resultOf(g, false), ErrNoSeats
	}

	next := (g.CurrentTurn + 1) % n
	g.Version++
	if next == 0 {
		if g.CurrentRound >= g.MaxRounds {
			// 手番とラウンドは最後の値のまま
			g.RoundsComplete = true
			return resultOf(g, true), nil
		}
		g.CurrentRound++
	}
	g.CurrentTurn = next
	return resultOf(g, true), nil
}

// CurrentOccupant は現在の手番のプレイヤーIDを返します。
func CurrentOccupant(g *models.Game) (string, error) {
	if len(g.Seats) == 0 {
		return "", ErrNoSeats
	}
	if g.CurrentTurn < 0 || g.CurrentTurn >= len(g.Seats) {
		return "", ErrTurnOutOfRange
	}
	return g.Seats[g.CurrentTurn].PlayerID, nil
}

// IsFinalTurn は最終ラウンドの最終手番かどうか
func IsFinalTurn(g *models.Game) bool {
	return g.CurrentRound == g.MaxRounds && g.CurrentTurn == len(g.Seats)-1
}

// CheckInvariants は手番とラウンドが範囲内にあるかを検査します。
func CheckInvariants(g *models.Game) error {
	if len(g.Seats) == 0 {
		return ErrNoSeats
	}
	if g.CurrentTurn < 0 || g.CurrentTurn >= len(g.Seats) {
		return fmt.Errorf("%w: turn=%d seats=%d", ErrTurnOutOfRange, g.CurrentTurn, len(g.Seats))
	}
	if g.CurrentRound > g.MaxRounds {
		return fmt.Errorf("%w: round=%d max=%d", ErrRoundOverflow, g.CurrentRound, g.MaxRounds)
	}
	if g.CurrentRound < 1 {
		return fmt.Errorf("%w: round=%d", ErrRoundOverflow, g.CurrentRound)
	}
	return nil
}
