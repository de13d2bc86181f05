package models

import (
	"time"
)

// Phase はゲームの進行段階です。
type Phase string

const (
	PhaseLobby      Phase = "LOBBY"
	PhaseInProgress Phase = "IN_PROGRESS"
	PhaseVoting     Phase = "VOTING"
	PhaseEnded      Phase = "ENDED"
)

// Seat はゲーム開始時点の着席情報。手番はこの並び順で回る
type Seat struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
}

// Game モデルの定義
type Game struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	RoomID         string     `gorm:"size:36;index;not null" json:"roomId"`
	RoomCode       string     `gorm:"size:6;index;not null" json:"roomCode"`
	Keyword        string     `gorm:"not null" json:"-"`
	ImpostorID     string     `gorm:"not null" json:"-"`
	Seats          []Seat     `gorm:"serializer:json" json:"seats"`
	MaxRounds      int        `gorm:"not null" json:"maxRounds"`
	CurrentRound   int        `gorm:"not null" json:"currentRound"`
	CurrentTurn    int        `gorm:"not null" json:"currentTurn"`
	Version        uint64     `gorm:"not null;default:0" json:"version"`
	RoundsComplete bool       `gorm:"not null;default:false" json:"roundsComplete"` // 最終ラウンドの最終手番が終わった印
	Phase          Phase      `gorm:"size:16;index;not null" json:"phase"`
	StartedAt      time.Time  `json:"startedAt"`
	EndedAt        *time.Time `gorm:"index" json:"endedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Clone はスライスを含めて複製します。外部に渡すのは常に複製
func (g *Game) Clone() *Game {
	c := *g
	c.Seats = append([]Seat(nil), g.Seats...)
	if g.EndedAt != nil {
		t := *g.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// SeatIndex は playerID の着席位置を返します。着席していなければ -1
func (g *Game) SeatIndex(playerID string) int {
	for i, s := range g.Seats {
		if s.PlayerID == playerID {
			return i
		}
	}
	return -1
}

// Point はストロークを構成する座標
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke は1手番に1本だけ描ける線。作成後は変更しない
type Stroke struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	GameID    string    `gorm:"size:36;not null;uniqueIndex:idx_strokes_game_round_turn,priority:1" json:"gameId"`
	Round     int       `gorm:"not null;uniqueIndex:idx_strokes_game_round_turn,priority:2" json:"round"`
	Turn      int       `gorm:"not null;uniqueIndex:idx_strokes_game_round_turn,priority:3" json:"turn"`
	AuthorID  string    `gorm:"not null" json:"authorId"`
	Points    []Point   `gorm:"serializer:json;not null" json:"points"`
	Color     string    `gorm:"size:32" json:"color"`
	Width     float64   `gorm:"not null" json:"width"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

// Vote 1ゲームにつき投票者1人1票（オラクルの自動投票を含む）
type Vote struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	GameID    string    `gorm:"size:36;not null;uniqueIndex:idx_votes_game_voter,priority:1" json:"gameId"`
	VoterID   string    `gorm:"not null;uniqueIndex:idx_votes_game_voter,priority:2" json:"voterId"`
	AccusedID string    `gorm:"not null" json:"accusedId"`
	Seq       int       `gorm:"not null" json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// Word はお題の単語
type Word struct {
	ID   uint   `gorm:"primaryKey;autoIncrement"`
	Text string `gorm:"uniqueIndex;not null"`
}
