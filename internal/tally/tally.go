// Package tally は投票の受付と集計を行います。
package tally

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"troublepainter/internal/gameerr"
	"troublepainter/models"

	"go.uber.org/zap"
)

// OracleVoterID はオラクルの自動投票に使う予約ID。
// "oracle:" で始まるIDはプレイヤーには使えない
const (
	OracleVoterID  = "oracle:auto-vote"
	ReservedPrefix = "oracle:"
)

var (
	ErrVotingNotOpen    = gameerr.New(gameerr.StateInvariant, "voting_not_open", "投票はまだ始まっていません")
	ErrDuplicateVote    = gameerr.New(gameerr.Conflict, "duplicate_vote", "既に投票しています")
	ErrSelfVote         = gameerr.New(gameerr.Validation, "self_vote", "自分には投票できません")
	ErrUnknownCandidate = gameerr.New(gameerr.Validation, "unknown_candidate", "投票先がゲームに参加していません")
	ErrNotParticipant   = gameerr.New(gameerr.Validation, "not_participant", "ゲームの参加者ではありません")
)

// IsReserved はプレイヤーが使えないIDかどうか
func IsReserved(id string) bool {
	return strings.HasPrefix(id, ReservedPrefix)
}

// Recorder は投票を永続化します。
type Recorder interface {
	RecordVote(ctx context.Context, v models.Vote) error
}

type ballotBox struct {
	votes []models.Vote
	voted map[string]bool
	seq   int
}

// Tally はゲームごとの投票箱
type Tally struct {
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu    sync.Mutex
	boxes map[string]*ballotBox
}

func New(logger *zap.Logger, recorder Recorder) *Tally {
	return &Tally{
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
		boxes:    make(map[string]*ballotBox),
	}
}

// Cast は1人1票を受け付けます。オラクルの予約IDも1票だけ
func (t *Tally) Cast(ctx context.Context, g *models.Game, voterID, accusedID string) (models.Vote, error) {
	if g.Phase != models.PhaseVoting {
		return models.Vote{}, ErrVotingNotOpen
	}
	if voterID != OracleVoterID && g.SeatIndex(voterID) < 0 {
		return models.Vote{}, ErrNotParticipant
	}
	if g.SeatIndex(accusedID) < 0 {
		return models.Vote{}, ErrUnknownCandidate
	}
	if voterID == accusedID {
		return models.Vote{}, ErrSelfVote
	}

	t.mu.Lock()
	box := t.boxes[g.ID]
	if box == nil {
		box = &ballotBox{voted: make(map[string]bool)}
		t.boxes[g.ID] = box
	}
	if box.voted[voterID] {
		t.mu.Unlock()
		return models.Vote{}, ErrDuplicateVote
	}
	box.voted[voterID] = true
	box.seq++
	vote := models.Vote{
		GameID:    g.ID,
		VoterID:   voterID,
		AccusedID: accusedID,
		Seq:       box.seq,
		CreatedAt: t.now(),
	}
	t.mu.Unlock()

	if t.recorder != nil {
		if err := t.recorder.RecordVote(ctx, vote); err != nil {
			t.mu.Lock()
			delete(box.voted, voterID)
			t.mu.Unlock()
			t.logger.Error("投票の保存に失敗しました", zap.String("gameID", g.ID), zap.String("voter", voterID), zap.Error(err))
			return models.Vote{}, err
		}
	}

	t.mu.Lock()
	box.votes = append(box.votes, vote)
	t.mu.Unlock()
	return vote, nil
}

// Votes はゲームの投票を受付順に返します。
func (t *Tally) Votes(gameID string) []models.Vote {
	t.mu.Lock()
	defer t.mu.Unlock()
	if box := t.boxes[gameID]; box != nil {
		return append([]models.Vote(nil), box.votes...)
	}
	return nil
}

// HasVoted は voterID の票が記録済みかどうか
func (t *Tally) HasVoted(gameID, voterID string) bool {
	for _, v := range t.Votes(gameID) {
		if v.VoterID == voterID {
			return true
		}
	}
	return false
}

// IsComplete は現在の部屋のメンバー全員とオラクルの票が揃ったかを返します。
// 退出したプレイヤーの票は数に入れない
func (t *Tally) IsComplete(gameID string, members []string) bool {
	current := make(map[string]bool, len(members)+1)
	for _, m := range members {
		current[m] = true
	}
	current[OracleVoterID] = true

	distinct := make(map[string]bool)
	for _, v := range t.Votes(gameID) {
		if current[v.VoterID] {
			distinct[v.VoterID] = true
		}
	}
	return len(distinct) == len(members)+1
}

// AllVoted は members 全員が投票済みかどうか。オラクルの票は見ない
func (t *Tally) AllVoted(gameID string, members []string) bool {
	voted := make(map[string]bool)
	for _, v := range t.Votes(gameID) {
		voted[v.VoterID] = true
	}
	for _, m := range members {
		if !voted[m] {
			return false
		}
	}
	return true
}

// Drop はゲームの投票箱を破棄します。
func (t *Tally) Drop(gameID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.boxes, gameID)
}

// Resolution は集計結果
type Resolution struct {
	AccusedID      string         `json:"accusedId"`
	Tally          map[string]int `json:"tally"`
	ImpostorID     string         `json:"impostorId"`
	ImpostorCaught bool           `json:"impostorCaught"`
}

// Resolve は最多得票者を求めます。同数なら最初の票が早かった候補を選ぶ。
// 同じ票の集合に対しては常に同じ結果を返す
func Resolve(votes []models.Vote, impostorID string) Resolution {
	ordered := append([]models.Vote(nil), votes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.VoterID < b.VoterID
	})

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, v := range ordered {
		counts[v.AccusedID]++
		if _, ok := firstSeen[v.AccusedID]; !ok {
			firstSeen[v.AccusedID] = i
		}
	}

	res := Resolution{Tally: counts, ImpostorID: impostorID}
	best := -1
	for id, n := range counts {
		switch {
		case n > best:
		case n == best && firstSeen[id] < firstSeen[res.AccusedID]:
		default:
			continue
		}
		best = n
		res.AccusedID = id
	}
	res.ImpostorCaught = res.AccusedID != "" && res.AccusedID == impostorID
	return res
}

// AutoVoteTarget は投票開始時点で最も疑わしいプレイヤーを返します。
// 同点なら着席順の早い方。スコアが無ければ 0 として扱う
func AutoVoteTarget(seats []models.Seat, suspicion map[string]float64) string {
	target := ""
	best := -1.0
	for _, s := range seats {
		score := suspicion[s.PlayerID]
		if score > best {
			best = score
			target = s.PlayerID
		}
	}
	return target
}
