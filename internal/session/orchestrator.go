// Package session はゲーム進行の状態機械です。部屋・手番・ストローク・解析・投票を
// 束ね、外部に公開される唯一の窓口になります。
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"troublepainter/internal/gameerr"
	"troublepainter/internal/ledger"
	"troublepainter/internal/notify"
	"troublepainter/internal/oracle"
	"troublepainter/internal/room"
	"troublepainter/internal/tally"
	"troublepainter/internal/turn"
	"troublepainter/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrGameNotFound       = gameerr.New(gameerr.NotFound, "game_not_found", "ゲームが見つかりません")
	ErrNotHost            = gameerr.New(gameerr.Validation, "not_host", "ホストだけがゲームを開始できます")
	ErrNotEnoughPlayers   = gameerr.New(gameerr.Validation, "not_enough_players", "2人以上必要です")
	ErrNotDrawing         = gameerr.New(gameerr.StateInvariant, "not_drawing", "描画フェーズではありません")
	ErrNoWords            = gameerr.New(gameerr.Internal, "no_words", "お題の単語がありません")
	ErrInvalidRound       = gameerr.New(gameerr.Validation, "invalid_round", "ラウンドの指定が不正です")
	ErrReservedIdentifier = room.ErrReservedIdentifier
)

const (
	DefaultAutoVoteDelay   = 2 * time.Second
	DefaultAnalysisTimeout = 20 * time.Second

	// maxAutoVoteAttempts を使い切ったらオラクル抜きで集計する
	maxAutoVoteAttempts = 3
)

// WordSource はお題の候補を返します。
type WordSource interface {
	Words(ctx context.Context) ([]string, error)
}

// GameStore はゲームの状態を保存します。
type GameStore interface {
	SaveGame(ctx context.Context, g *models.Game) error
}

// Analyzer は解析ゲートウェイ
type Analyzer interface {
	Analyze(ctx context.Context, req oracle.Request) (models.AnalysisResult, error)
	Forget(key string)
}

// Archive は保存済みのゲームを読み出します。メモリから消えたゲームの再生に使う
type Archive interface {
	LoadGame(ctx context.Context, id string) (*models.Game, error)
	StrokesForRound(ctx context.Context, gameID string, round int) ([]models.Stroke, error)
}

// EventBus はイベントの発行と購読
type EventBus interface {
	notify.Publisher
	Subscribe(topic string, h notify.Handler) uint64
	Unsubscribe(id uint64)
	LastSeq(topic string) uint64
}

// Config は進行のタイミング設定
type Config struct {
	TurnTimeout     time.Duration
	AutoVoteDelay   time.Duration
	AnalysisTimeout time.Duration
	DefaultWords    []string // WordSource が空のときに使う
}

// Deps は Orchestrator の依存先。Oracle, Words, Store, Archive は nil でも動く
type Deps struct {
	Logger  *zap.Logger
	Rooms   *room.Registry
	Ledger  *ledger.Ledger
	Tally   *tally.Tally
	Oracle  Analyzer
	Words   WordSource
	Store   GameStore
	Archive Archive
	Events  EventBus
}

type gameSession struct {
	mu sync.Mutex

	game             *models.Game
	suspicion        map[string]float64 // キー: プレイヤーID
	history          []SuspicionSample
	lastAnalysis     *models.AnalysisResult
	turnDeadline     time.Time
	autoVoteTarget   string
	autoVoteTimer    *time.Timer
	autoVoteAttempts int
	outcome          *Outcome
}

// Orchestrator はゲームごとの状態を1つだけ持ち、遷移はすべてここを通る
type Orchestrator struct {
	logger  *zap.Logger
	rooms   *room.Registry
	ledger  *ledger.Ledger
	tally   *tally.Tally
	oracle  Analyzer
	words   WordSource
	store   GameStore
	archive Archive
	events  EventBus
	cfg     Config

	timer *turn.Timer
	seed  func() int64
	now   func() time.Time

	mu     sync.RWMutex
	games  map[string]*gameSession
	byRoom map[string]string // 部屋コード → ゲームID
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.AutoVoteDelay <= 0 {
		cfg.AutoVoteDelay = DefaultAutoVoteDelay
	}
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = DefaultAnalysisTimeout
	}
	o := &Orchestrator{
		logger:  deps.Logger,
		rooms:   deps.Rooms,
		ledger:  deps.Ledger,
		tally:   deps.Tally,
		oracle:  deps.Oracle,
		words:   deps.Words,
		store:   deps.Store,
		archive: deps.Archive,
		events:  deps.Events,
		cfg:     cfg,
		seed:    func() int64 { return time.Now().UnixNano() },
		now:     time.Now,
		games:   make(map[string]*gameSession),
		byRoom:  make(map[string]string),
	}
	o.timer = turn.NewTimer(cfg.TurnTimeout, o.onTurnTimeout, deps.Logger)
	return o
}

// SetSeed は乱数のシード生成を差し替えます（テスト用）
func (o *Orchestrator) SetSeed(f func() int64) {
	o.seed = f
}

// ---- 部屋 ----

func (o *Orchestrator) CreateRoom(hostID, hostName string, maxPlayers, maxRounds int) (room.Room, error) {
	return o.rooms.CreateRoom(hostID, hostName, maxPlayers, maxRounds)
}

func (o *Orchestrator) JoinRoom(code, playerID, name string) (room.Room, error) {
	return o.rooms.JoinRoom(code, playerID, name)
}

func (o *Orchestrator) Room(code string) (room.Room, error) {
	return o.rooms.Get(code)
}

// LeaveRoom は部屋から抜けます。ゲーム中の着席は残り、手番は持ち時間切れで進む。
// 投票中なら残りのメンバーで投票が揃ったかを確認する
func (o *Orchestrator) LeaveRoom(ctx context.Context, code, playerID string) (room.Room, error) {
	r, _, err := o.rooms.LeaveRoom(code, playerID)
	if err != nil {
		return room.Room{}, err
	}
	if gameID, ok := o.GameForRoom(code); ok {
		if sess, err := o.session(gameID); err == nil {
			sess.mu.Lock()
			if sess.game.Phase == models.PhaseVoting {
				o.checkVotingCompleteLocked(ctx, sess)
			}
			sess.mu.Unlock()
		}
	}
	return r, nil
}

// GameForRoom は部屋で開始されたゲームのIDを返します。
func (o *Orchestrator) GameForRoom(code string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.byRoom[room.NormalizeCode(code)]
	return id, ok
}

// ---- ゲーム開始 ----

// StartGame はホストの要求でゲームを開始します。犯人とお題はシードから決まる
func (o *Orchestrator) StartGame(ctx context.Context, code, requesterID string) (*models.Game, error) {
	r, err := o.rooms.Get(code)
	if err != nil {
		return nil, err
	}
	if r.HostID != requesterID {
		return nil, ErrNotHost
	}
	if r.State != room.StateOpen {
		return nil, room.ErrAlreadyStarted
	}
	if len(r.Members) < room.MinPlayers {
		return nil, ErrNotEnoughPlayers
	}

	words := o.loadWords(ctx)
	if len(words) == 0 {
		return nil, ErrNoWords
	}

	ids := make([]string, 0, len(r.Members))
	seats := make([]models.Seat, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.ID)
		seats = append(seats, models.Seat{PlayerID: m.ID, Name: m.Name})
	}
	seed := o.seed()
	g := &models.Game{
		ID:           uuid.NewString(),
		RoomID:       r.ID,
		RoomCode:     r.Code,
		Keyword:      SelectKeyword(words, seed),
		ImpostorID:   SelectImpostor(ids, seed),
		Seats:        seats,
		MaxRounds:    r.MaxRounds,
		CurrentRound: 1,
		CurrentTurn:  0,
		Phase:        models.PhaseInProgress,
		StartedAt:    o.now(),
	}

	// 同時に開始要求が来ても OPEN → STARTED は1回しか成功しない
	if _, err := o.rooms.MarkStarted(r.Code, g.ID); err != nil {
		return nil, err
	}

	sess := &gameSession{game: g, suspicion: make(map[string]float64)}
	o.mu.Lock()
	o.games[g.ID] = sess
	o.byRoom[r.Code] = g.ID
	o.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	o.persistLocked(ctx, sess)
	sess.turnDeadline = o.timer.Arm(g.ID, g.Version)
	o.logger.Info("ゲームを開始しました", zap.String("gameID", g.ID), zap.String("code", r.Code), zap.Int("players", len(seats)), zap.Int("maxRounds", g.MaxRounds))
	o.publishLocked(sess, "game.started", map[string]any{
		"game":         g.Clone(),
		"turnDeadline": sess.turnDeadline,
	})
	return g.Clone(), nil
}

func (o *Orchestrator) loadWords(ctx context.Context) []string {
	if o.words != nil {
		words, err := o.words.Words(ctx)
		if err != nil {
			o.logger.Warn("お題の取得に失敗しました。既定の単語を使います", zap.Error(err))
		} else if len(words) > 0 {
			return words
		}
	}
	return o.cfg.DefaultWords
}

// ---- 描画 ----

// Canvas はストロークと一緒に送られるキャンバス画像。解析の入力になる
type Canvas struct {
	Image    []byte
	MimeType string
}

// MaxCanvasBytes はキャンバス画像の上限（デコード後）
const MaxCanvasBytes = 4 << 20

var ErrCanvasTooLarge = gameerr.New(gameerr.Validation, "canvas_too_large", "キャンバス画像が大きすぎます")

// ParseCanvas は data URL のキャンバス画像を取り出します。空文字なら nil
func ParseCanvas(dataURL string) (*Canvas, error) {
	if dataURL == "" {
		return nil, nil
	}
	img, mime, err := oracle.DecodeDataURL(dataURL)
	if err != nil {
		return nil, gameerr.Wrap(gameerr.Validation, "invalid_canvas", err)
	}
	if len(img) > MaxCanvasBytes {
		return nil, ErrCanvasTooLarge
	}
	return &Canvas{Image: img, MimeType: mime}, nil
}

// SubmitStroke は手番のプレイヤーのストロークを記録して手番を進めます。
// canvas があれば解析を非同期に依頼し、その結果を待たずに戻る
func (o *Orchestrator) SubmitStroke(ctx context.Context, gameID, authorID string, stroke models.Stroke, canvas *Canvas) (models.Stroke, error) {
	sess, err := o.session(gameID)
	if err != nil {
		return models.Stroke{}, err
	}

	sess.mu.Lock()
	o.guardLocked(sess)
	g := sess.game
	if g.Phase != models.PhaseInProgress {
		sess.mu.Unlock()
		return models.Stroke{}, ErrNotDrawing
	}

	saved, err := o.ledger.Submit(ctx, g, authorID, stroke)
	if err != nil {
		sess.mu.Unlock()
		return models.Stroke{}, err
	}
	o.publishLocked(sess, "stroke.added", saved)

	if err := o.advanceLocked(ctx, sess, g.Version, "stroke"); err != nil {
		o.logger.Error("ストローク後の手番進行に失敗しました", zap.String("gameID", gameID), zap.Error(err))
	}

	var req *oracle.Request
	if canvas != nil && len(canvas.Image) > 0 && o.oracle != nil {
		names := make([]string, 0, len(g.Seats))
		for _, s := range g.Seats {
			names = append(names, s.Name)
		}
		req = &oracle.Request{
			Image:       canvas.Image,
			MimeType:    canvas.MimeType,
			Keyword:     g.Keyword,
			Players:     names,
			ThrottleKey: g.ID,
		}
	}
	sess.mu.Unlock()

	// 解析はロックの外で行う
	if req != nil {
		go o.runAnalysis(gameID, *req)
	}
	return saved, nil
}

// StrokesForRound はラウンドのストロークを作成順に返します。
// メモリに無いゲームは保存済みの記録から読む
func (o *Orchestrator) StrokesForRound(ctx context.Context, gameID string, round int) (iter.Seq[models.Stroke], error) {
	sess, err := o.session(gameID)
	if errors.Is(err, ErrGameNotFound) && o.archive != nil {
		return o.archivedStrokes(ctx, gameID, round)
	}
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	maxRounds := sess.game.MaxRounds
	sess.mu.Unlock()
	if round < 1 || round > maxRounds {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRound, round)
	}
	return o.ledger.StrokesForRound(gameID, round), nil
}

func (o *Orchestrator) archivedStrokes(ctx context.Context, gameID string, round int) (iter.Seq[models.Stroke], error) {
	g, err := o.archive.LoadGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if round < 1 || round > g.MaxRounds {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRound, round)
	}
	strokes, err := o.archive.StrokesForRound(ctx, gameID, round)
	if err != nil {
		return nil, err
	}
	return slices.Values(strokes), nil
}

// ---- 手番 ----

// AdvanceTurn は version が現在の版数と一致するときだけ手番を進めます。
// 持ち時間切れのタイマーもここを通るので、重複した呼び出しは何もしない
func (o *Orchestrator) AdvanceTurn(ctx context.Context, gameID string, version uint64) (turn.Result, error) {
	sess, err := o.session(gameID)
	if err != nil {
		return turn.Result{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	o.guardLocked(sess)
	g := sess.game
	if g.Phase != models.PhaseInProgress || g.Version != version {
		return turn.Result{Round: g.CurrentRound, Turn: g.CurrentTurn, Version: g.Version, RoundsExhausted: g.RoundsComplete}, nil
	}
	before := g.Version
	if err := o.advanceLocked(ctx, sess, version, "timeout"); err != nil {
		return turn.Result{}, err
	}
	return turn.Result{
		Advanced:        g.Version != before,
		RoundsExhausted: g.RoundsComplete,
		Round:           g.CurrentRound,
		Turn:            g.CurrentTurn,
		Version:         g.Version,
	}, nil
}

func (o *Orchestrator) onTurnTimeout(gameID string, version uint64) {
	if _, err := o.AdvanceTurn(context.Background(), gameID, version); err != nil && !errors.Is(err, ErrGameNotFound) {
		o.logger.Error("持ち時間切れの手番進行に失敗しました", zap.String("gameID", gameID), zap.Error(err))
	}
}

// advanceLocked は手番を進め、最終手番を終えたら投票へ移ります。
func (o *Orchestrator) advanceLocked(ctx context.Context, sess *gameSession, version uint64, reason string) error {
	g := sess.game
	res, err := turn.Advance(g, version)
	if err != nil {
		if errors.Is(err, turn.ErrRoundOverflow) {
			o.enterVotingLocked(ctx, sess)
		}
		return err
	}
	if !res.Advanced {
		return nil
	}
	if res.RoundsExhausted {
		o.enterVotingLocked(ctx, sess)
		return nil
	}

	sess.turnDeadline = o.timer.Arm(g.ID, g.Version)
	o.persistLocked(ctx, sess)
	occupant, _ := turn.CurrentOccupant(g)
	o.publishLocked(sess, "turn.advanced", map[string]any{
		"round":        g.CurrentRound,
		"turn":         g.CurrentTurn,
		"version":      g.Version,
		"playerId":     occupant,
		"reason":       reason,
		"finalTurn":    turn.IsFinalTurn(g),
		"turnDeadline": sess.turnDeadline,
	})
	return nil
}

// guardLocked は描画中なのにラウンドが上限を超えている状態を見つけたら投票へ移します。
func (o *Orchestrator) guardLocked(sess *gameSession) {
	g := sess.game
	if g.Phase != models.PhaseInProgress {
		return
	}
	err := turn.CheckInvariants(g)
	if !g.RoundsComplete && !errors.Is(err, turn.ErrRoundOverflow) {
		return
	}
	o.logger.Warn("ラウンドが上限に達した描画中のゲームを投票へ移します",
		zap.String("gameID", g.ID), zap.Int("round", g.CurrentRound), zap.Int("maxRounds", g.MaxRounds), zap.Error(err))
	if g.CurrentRound > g.MaxRounds {
		g.CurrentRound = g.MaxRounds
	}
	if g.CurrentTurn >= len(g.Seats) && len(g.Seats) > 0 {
		g.CurrentTurn = len(g.Seats) - 1
	}
	g.RoundsComplete = true
	o.enterVotingLocked(context.Background(), sess)
}

// ---- 投票 ----

func (o *Orchestrator) enterVotingLocked(ctx context.Context, sess *gameSession) {
	g := sess.game
	if g.Phase != models.PhaseInProgress {
		return
	}
	o.timer.Stop(g.ID)
	sess.turnDeadline = time.Time{}
	g.Phase = models.PhaseVoting
	g.RoundsComplete = true
	g.Version++
	sess.autoVoteTarget = tally.AutoVoteTarget(g.Seats, sess.suspicion)
	o.persistLocked(ctx, sess)

	o.logger.Info("投票を開始しました", zap.String("gameID", g.ID), zap.String("autoVoteTarget", sess.autoVoteTarget))
	o.publishLocked(sess, "voting.started", map[string]any{
		"version":   g.Version,
		"suspicion": copyScores(sess.suspicion),
	})

	if sess.autoVoteTarget != "" {
		o.armAutoVoteLocked(sess)
	}
}

func (o *Orchestrator) armAutoVoteLocked(sess *gameSession) {
	if sess.autoVoteTimer != nil {
		sess.autoVoteTimer.Stop()
	}
	gameID := sess.game.ID
	sess.autoVoteTimer = time.AfterFunc(o.cfg.AutoVoteDelay, func() {
		o.castAutoVote(gameID)
	})
}

func (o *Orchestrator) castAutoVote(gameID string) {
	sess, err := o.session(gameID)
	if err != nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	g := sess.game
	if g.Phase != models.PhaseVoting || o.tally.HasVoted(gameID, tally.OracleVoterID) {
		return
	}
	ctx := context.Background()
	if !o.autoVoteLocked(ctx, sess) && sess.autoVoteAttempts < maxAutoVoteAttempts {
		o.armAutoVoteLocked(sess)
		return
	}
	o.checkVotingCompleteLocked(ctx, sess)
}

// autoVoteLocked はオラクルの票を1回だけ投じます。投票済みなら true
func (o *Orchestrator) autoVoteLocked(ctx context.Context, sess *gameSession) bool {
	g := sess.game
	if o.tally.HasVoted(g.ID, tally.OracleVoterID) {
		return true
	}
	if sess.autoVoteTarget == "" || sess.autoVoteAttempts >= maxAutoVoteAttempts {
		return false
	}
	sess.autoVoteAttempts++
	v, err := o.tally.Cast(ctx, g, tally.OracleVoterID, sess.autoVoteTarget)
	if err != nil {
		o.logger.Error("オラクルの自動投票に失敗しました",
			zap.String("gameID", g.ID), zap.Int("attempt", sess.autoVoteAttempts), zap.Error(err))
		return false
	}
	o.publishLocked(sess, "vote.cast", map[string]any{"voterId": v.VoterID, "accusedId": v.AccusedID, "seq": v.Seq})
	return true
}

// CastVote はプレイヤーの投票を受け付け、全員分が揃ったら結果を確定します。
func (o *Orchestrator) CastVote(ctx context.Context, gameID, voterID, accusedID string) (models.Vote, error) {
	if tally.IsReserved(voterID) {
		return models.Vote{}, ErrReservedIdentifier
	}
	sess, err := o.session(gameID)
	if err != nil {
		return models.Vote{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	o.guardLocked(sess)
	v, err := o.tally.Cast(ctx, sess.game, voterID, accusedID)
	if err != nil {
		return models.Vote{}, err
	}
	o.publishLocked(sess, "vote.cast", map[string]any{"voterId": v.VoterID, "seq": v.Seq})
	o.checkVotingCompleteLocked(ctx, sess)
	return v, nil
}

// checkVotingCompleteLocked は全員の票が揃ったら結果を確定します。
// 人の票が揃ってもオラクルの票がまだなら、ここで投じる。投じられないまま再試行を
// 使い切っていたら人の票だけで集計する
func (o *Orchestrator) checkVotingCompleteLocked(ctx context.Context, sess *gameSession) {
	g := sess.game
	if g.Phase != models.PhaseVoting {
		return
	}
	var members []string
	if r, err := o.rooms.Get(g.RoomCode); err == nil {
		for _, m := range r.Members {
			members = append(members, m.ID)
		}
	}
	if !o.tally.AllVoted(g.ID, members) {
		return
	}
	if !o.autoVoteLocked(ctx, sess) {
		if sess.autoVoteTarget != "" && sess.autoVoteAttempts < maxAutoVoteAttempts {
			o.armAutoVoteLocked(sess)
			return
		}
		o.logger.Warn("オラクルの票が無いまま集計します", zap.String("gameID", g.ID), zap.Int("attempts", sess.autoVoteAttempts))
		o.finishLocked(ctx, sess)
		return
	}
	if !o.tally.IsComplete(g.ID, members) {
		return
	}
	o.finishLocked(ctx, sess)
}

func (o *Orchestrator) finishLocked(ctx context.Context, sess *gameSession) {
	g := sess.game
	res := tally.Resolve(o.tally.Votes(g.ID), g.ImpostorID)
	now := o.now()
	g.EndedAt = &now
	g.Phase = models.PhaseEnded
	g.Version++
	if sess.autoVoteTimer != nil {
		sess.autoVoteTimer.Stop()
	}
	sess.outcome = &Outcome{
		Resolution: res,
		Keyword:    g.Keyword,
		Suspicion:  copyScores(sess.suspicion),
		History:    append([]SuspicionSample(nil), sess.history...),
		EndedAt:    now,
	}
	o.persistLocked(ctx, sess)
	if err := o.rooms.Close(g.RoomCode); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		o.logger.Warn("部屋のクローズに失敗しました", zap.String("code", g.RoomCode), zap.Error(err))
	}
	if o.oracle != nil {
		o.oracle.Forget(g.ID)
	}

	o.logger.Info("ゲームが終了しました",
		zap.String("gameID", g.ID),
		zap.String("accused", res.AccusedID),
		zap.Bool("impostorCaught", res.ImpostorCaught))
	o.publishLocked(sess, "game.ended", sess.outcome)
}

// ---- 解析 ----

func (o *Orchestrator) runAnalysis(gameID string, req oracle.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.AnalysisTimeout)
	defer cancel()

	res, err := o.oracle.Analyze(ctx, req)

	sess, serr := o.session(gameID)
	if serr != nil {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err != nil {
		payload := map[string]any{"reason": gameerr.CodeOf(err)}
		var rl *oracle.RateLimitedError
		if errors.As(err, &rl) {
			payload["retryAfterMs"] = rl.Wait.Milliseconds()
		}
		o.logger.Info("解析結果なしでゲームを続行します", zap.String("gameID", gameID), zap.Error(err))
		o.publishLocked(sess, "analysis.unavailable", payload)
		return
	}
	if sess.game.Phase == models.PhaseEnded {
		return
	}
	o.mergeAnalysisLocked(sess, res)
}

// mergeAnalysisLocked は表示名で返ってきたスコアをプレイヤーIDに対応付けて取り込みます。
// 表示名は部屋の中で一意なので、1つのキーが複数の席に当たることはない。
// 返ってこなかったプレイヤーは前回のスコアのまま
func (o *Orchestrator) mergeAnalysisLocked(sess *gameSession, res models.AnalysisResult) {
	g := sess.game
	for _, s := range g.Seats {
		if score, ok := res.Suspicion[s.Name]; ok {
			sess.suspicion[s.PlayerID] = score
		}
	}
	sess.lastAnalysis = &res
	sample := SuspicionSample{
		Round:  g.CurrentRound,
		Turn:   g.CurrentTurn,
		At:     o.now(),
		Scores: copyScores(sess.suspicion),
	}
	sess.history = append(sess.history, sample)
	o.publishLocked(sess, "analysis.updated", map[string]any{
		"hint":       res.Hint,
		"topGuesses": res.Guesses,
		"suspicion":  sample.Scores,
	})
}

// ---- 参照 ----

// Snapshot はゲームの現在の状態を返します。受信側はイベントの欠番に気付いたらこれで取り直す
func (o *Orchestrator) Snapshot(gameID string) (View, error) {
	sess, err := o.session(gameID)
	if err != nil {
		return View{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	o.guardLocked(sess)
	g := sess.game
	v := View{
		Game:      g.Clone(),
		Players:   o.playersLocked(sess),
		VotesCast: len(o.tally.Votes(g.ID)),
		Outcome:   sess.outcome,
	}
	if !sess.turnDeadline.IsZero() {
		d := sess.turnDeadline
		v.TurnDeadline = &d
	}
	if sess.lastAnalysis != nil {
		a := *sess.lastAnalysis
		v.Analysis = &a
	}
	if o.events != nil {
		v.Seq = o.events.LastSeq(notify.GameTopic(g.ID))
	}
	return v, nil
}

// Players はプレイヤーの一覧を着席順で返します。
func (o *Orchestrator) Players(gameID string) ([]models.PlayerView, error) {
	sess, err := o.session(gameID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return o.playersLocked(sess), nil
}

func (o *Orchestrator) playersLocked(sess *gameSession) []models.PlayerView {
	g := sess.game
	out := make([]models.PlayerView, 0, len(g.Seats))
	for i, s := range g.Seats {
		out = append(out, models.PlayerView{
			ID:        s.PlayerID,
			Name:      s.Name,
			Active:    g.Phase == models.PhaseInProgress && i == g.CurrentTurn,
			Suspicion: sess.suspicion[s.PlayerID],
		})
	}
	return out
}

// RoleFor は本人向けの役割情報を返します。
func (o *Orchestrator) RoleFor(gameID, playerID string) (Role, error) {
	sess, err := o.session(gameID)
	if err != nil {
		return Role{}, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	g := sess.game
	if g.SeatIndex(playerID) < 0 {
		return Role{}, tally.ErrNotParticipant
	}
	role := Role{GameID: g.ID, PlayerID: playerID, IsImpostor: g.ImpostorID == playerID}
	if !role.IsImpostor {
		role.Keyword = g.Keyword
	}
	return role, nil
}

// Subscribe はトピックの購読を開始します。
func (o *Orchestrator) Subscribe(topic string, h notify.Handler) uint64 {
	return o.events.Subscribe(topic, h)
}

func (o *Orchestrator) Unsubscribe(id uint64) {
	o.events.Unsubscribe(id)
}

// ---- 後片付け ----

// Reap は終了した部屋と、終了から olderThan 経ったゲームを破棄します。
func (o *Orchestrator) Reap(olderThan time.Duration) (rooms, games int) {
	rooms = o.rooms.Reap(olderThan)
	cutoff := o.now().Add(-olderThan)

	o.mu.Lock()
	var drop []string
	for id, sess := range o.games {
		sess.mu.Lock()
		ended := sess.game.EndedAt
		code := sess.game.RoomCode
		sess.mu.Unlock()
		if ended != nil && ended.Before(cutoff) {
			delete(o.games, id)
			if o.byRoom[code] == id {
				delete(o.byRoom, code)
			}
			drop = append(drop, id)
		}
	}
	o.mu.Unlock()

	for _, id := range drop {
		o.ledger.Drop(id)
		o.tally.Drop(id)
	}
	return rooms, len(drop)
}

// Shutdown は全タイマーを止めます。
func (o *Orchestrator) Shutdown() {
	o.timer.StopAll()
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, sess := range o.games {
		sess.mu.Lock()
		if sess.autoVoteTimer != nil {
			sess.autoVoteTimer.Stop()
		}
		sess.mu.Unlock()
	}
}

func (o *Orchestrator) session(gameID string) (*gameSession, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sess, ok := o.games[gameID]
	if !ok {
		return nil, ErrGameNotFound
	}
	return sess, nil
}

func (o *Orchestrator) persistLocked(ctx context.Context, sess *gameSession) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveGame(ctx, sess.game.Clone()); err != nil {
		o.logger.Error("ゲームの保存に失敗しました", zap.String("gameID", sess.game.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publishLocked(sess *gameSession, eventType string, payload any) {
	if o.events == nil {
		return
	}
	o.events.Publish(notify.GameTopic(sess.game.ID), eventType, payload)
}
