// Package ledger はラウンドごとのストロークを追記専用で記録します。
package ledger

import (
	"context"
	"fmt"
	"iter"
	"math"
	"sync"
	"time"

	"troublepainter/internal/gameerr"
	"troublepainter/internal/turn"
	"troublepainter/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotYourTurn      = gameerr.New(gameerr.Conflict, "not_your_turn", "あなたの手番ではありません")
	ErrTurnAlreadyDrawn = gameerr.New(gameerr.Conflict, "turn_already_drawn", "この手番には既に描かれています")
	ErrInvalidStroke    = gameerr.New(gameerr.Validation, "invalid_stroke", "ストロークが不正です")
)

// Recorder はストロークを永続化します。成功してから台帳に追加する
type Recorder interface {
	RecordStroke(ctx context.Context, s models.Stroke) error
}

type slot struct {
	round int
	turn  int
}

type gameLog struct {
	strokes []models.Stroke
	taken   map[slot]bool // 記録中または記録済み
}

// Ledger はゲームごとのストローク台帳
type Ledger struct {
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu    sync.RWMutex
	games map[string]*gameLog
}

// New は台帳を作成します。recorder は nil でも構いません。
func New(logger *zap.Logger, recorder Recorder) *Ledger {
	return &Ledger{
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
		games:    make(map[string]*gameLog),
	}
}

// Validate は座標と線幅を検査します。
func Validate(s models.Stroke) error {
	if len(s.Points) == 0 {
		return fmt.Errorf("%w: no points", ErrInvalidStroke)
	}
	if s.Width <= 0 || math.IsNaN(s.Width) || math.IsInf(s.Width, 0) {
		return fmt.Errorf("%w: width %v", ErrInvalidStroke, s.Width)
	}
	for _, p := range s.Points {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("%w: non-finite point", ErrInvalidStroke)
		}
	}
	return nil
}

// Submit は現在の手番のプレイヤーのストロークを1本だけ受け付けます。
// 同じ (ラウンド, 手番) への2本目は ErrTurnAlreadyDrawn
func (l *Ledger) Submit(ctx context.Context, g *models.Game, authorID string, s models.Stroke) (models.Stroke, error) {
	occupant, err := turn.CurrentOccupant(g)
	if err != nil {
		return models.Stroke{}, err
	}
	if occupant != authorID {
		return models.Stroke{}, ErrNotYourTurn
	}
	if err := Validate(s); err != nil {
		return models.Stroke{}, err
	}

	key := slot{round: g.CurrentRound, turn: g.CurrentTurn}
	l.mu.Lock()
	log := l.games[g.ID]
	if log == nil {
		log = &gameLog{taken: make(map[slot]bool)}
		l.games[g.ID] = log
	}
	if log.taken[key] {
		l.mu.Unlock()
		return models.Stroke{}, ErrTurnAlreadyDrawn
	}
	log.taken[key] = true
	l.mu.Unlock()

	stroke := models.Stroke{
		ID:        uuid.NewString(),
		GameID:    g.ID,
		Round:     key.round,
		Turn:      key.turn,
		AuthorID:  authorID,
		Points:    append([]models.Point(nil), s.Points...),
		Color:     s.Color,
		Width:     s.Width,
		CreatedAt: l.now(),
	}

	if l.recorder != nil {
		if err := l.recorder.RecordStroke(ctx, stroke); err != nil {
			l.mu.Lock()
			delete(log.taken, key)
			l.mu.Unlock()
			l.logger.Error("ストロークの保存に失敗しました", zap.String("gameID", g.ID), zap.Int("round", key.round), zap.Int("turn", key.turn), zap.Error(err))
			return models.Stroke{}, err
		}
	}

	l.mu.Lock()
	log.strokes = append(log.strokes, stroke)
	l.mu.Unlock()
	return stroke, nil
}

// StrokesForRound はラウンドのストロークを作成順に返す遅延イテレータです。
// range のたびにその時点の台帳を読み直します。
func (l *Ledger) StrokesForRound(gameID string, round int) iter.Seq[models.Stroke] {
	return func(yield func(models.Stroke) bool) {
		for _, s := range l.snapshot(gameID) {
			if s.Round != round {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// All はゲームの全ストロークを作成順に返します。
func (l *Ledger) All(gameID string) []models.Stroke {
	return l.snapshot(gameID)
}

// Count はゲームのストローク数
func (l *Ledger) Count(gameID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if log := l.games[gameID]; log != nil {
		return len(log.strokes)
	}
	return 0
}

// Drop はゲームの台帳を破棄します。
func (l *Ledger) Drop(gameID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.games, gameID)
}

func (l *Ledger) snapshot(gameID string) []models.Stroke {
	l.mu.RLock()
	defer l.mu.RUnlock()
	log := l.games[gameID]
	if log == nil {
		return nil
	}
	return append([]models.Stroke(nil), log.strokes...)
}
