package session

import (
	"time"

	"troublepainter/internal/tally"
	"troublepainter/models"
)

// SuspicionSample は解析結果を取り込んだ時点の疑惑スコア（キー: プレイヤーID）
type SuspicionSample struct {
	Round  int                `json:"round"`
	Turn   int                `json:"turn"`
	At     time.Time          `json:"at"`
	Scores map[string]float64 `json:"scores"`
}

// Outcome はゲーム結果
type Outcome struct {
	tally.Resolution
	Keyword   string             `json:"keyword"`
	Suspicion map[string]float64 `json:"suspicion"`
	History   []SuspicionSample  `json:"history"`
	EndedAt   time.Time          `json:"endedAt"`
}

// View はクライアントが状態を取り直すためのスナップショット
type View struct {
	Game         *models.Game           `json:"game"`
	Players      []models.PlayerView    `json:"players"`
	TurnDeadline *time.Time             `json:"turnDeadline,omitempty"`
	Analysis     *models.AnalysisResult `json:"analysis,omitempty"`
	VotesCast    int                    `json:"votesCast"`
	Outcome      *Outcome               `json:"outcome,omitempty"`
	Seq          uint64                 `json:"seq"` // この時点までに発行したイベントの連番
}

// Role は本人にだけ見せる役割情報。犯人にはお題を渡さない
type Role struct {
	GameID     string `json:"gameId"`
	PlayerID   string `json:"playerId"`
	IsImpostor bool   `json:"isImpostor"`
	Keyword    string `json:"keyword,omitempty"`
}

func copyScores(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
