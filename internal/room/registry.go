// Package room は参加コードから部屋を引くレジストリです。
package room

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"troublepainter/internal/gameerr"
	"troublepainter/internal/notify"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CodeLength = 6
	MinPlayers = 2
	MaxPlayers = 8
	MinRounds  = 1
	MaxRounds  = 5

	defaultCodeAttempts = 10
	codeAlphabet        = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	ErrInvalidRoomConfig       = gameerr.New(gameerr.Validation, "invalid_room_config", "部屋の設定が不正です")
	ErrCodeGenerationExhausted = gameerr.New(gameerr.Internal, "code_generation_exhausted", "参加コードを生成できませんでした")
	ErrRoomNotFound            = gameerr.New(gameerr.NotFound, "room_not_found", "部屋が見つかりません")
	ErrRoomFull                = gameerr.New(gameerr.Conflict, "room_full", "部屋が満員です")
	ErrAlreadyStarted          = gameerr.New(gameerr.StateInvariant, "already_started", "ゲームは既に開始しています")
	ErrRoomClosed              = gameerr.New(gameerr.StateInvariant, "room_closed", "部屋は終了しています")
	ErrNotMember               = gameerr.New(gameerr.Validation, "not_member", "部屋のメンバーではありません")
	ErrReservedIdentifier      = gameerr.New(gameerr.Validation, "reserved_identifier", "そのプレイヤーIDは使用できません")
	ErrNameTaken               = gameerr.New(gameerr.Validation, "name_taken", "その表示名は部屋で使われています")
)

// State は部屋の状態
type State string

const (
	StateOpen    State = "OPEN"
	StateStarted State = "STARTED"
	StateClosed  State = "CLOSED"
)

// Member は部屋の参加者。並び順が着席順
type Member struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Room はレジストリが返す部屋の複製
type Room struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	MaxPlayers int       `json:"maxPlayers"`
	MaxRounds  int       `json:"maxRounds"`
	Members    []Member  `json:"members"`
	HostID     string    `json:"hostId"`
	State      State     `json:"state"`
	GameID     string    `json:"gameId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (r *Room) clone() Room {
	c := *r
	c.Members = append([]Member(nil), r.Members...)
	return c
}

// HasMember は id が参加者かどうかを返します。
func (r Room) HasMember(id string) bool {
	return r.indexOf(id) >= 0
}

// nameTaken は name が他の参加者の表示名かIDと重なるかどうか。
// 解析結果のスコアは表示名で返ってくるので、部屋の中で一意にしておく
func (r Room) nameTaken(name string) bool {
	for _, m := range r.Members {
		if strings.EqualFold(m.Name, name) || strings.EqualFold(m.ID, name) {
			return true
		}
	}
	return false
}

func (r Room) indexOf(id string) int {
	for i, m := range r.Members {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Registry は部屋の一覧を保持します。返す値はすべて複製
type Registry struct {
	logger *zap.Logger
	events notify.Publisher

	mu    sync.RWMutex
	rooms map[string]*Room // キー: 参加コード

	codeAttempts int
	newCode      func() (string, error)
	now          func() time.Time
	reserved     func(id string) bool
}

type Option func(*Registry)

// WithCodeGenerator はコード生成関数を差し替えます（テスト用）
func WithCodeGenerator(f func() (string, error)) Option {
	return func(r *Registry) { r.newCode = f }
}

// WithCodeAttempts はコード衝突時の再試行回数を設定します。
func WithCodeAttempts(n int) Option {
	return func(r *Registry) { r.codeAttempts = n }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithReserved は予約済みIDの判定関数を設定します。
func WithReserved(f func(id string) bool) Option {
	return func(r *Registry) { r.reserved = f }
}

// NewRegistry はレジストリを作成します。events は nil でも構いません。
func NewRegistry(logger *zap.Logger, events notify.Publisher, opts ...Option) *Registry {
	r := &Registry{
		logger:       logger,
		events:       events,
		rooms:        make(map[string]*Room),
		codeAttempts: defaultCodeAttempts,
		newCode:      func() (string, error) { return RandomCode(CodeLength) },
		now:          time.Now,
		reserved:     func(string) bool { return false },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeCode は参加コードを大文字に揃えます。
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// RandomCode は英大文字と数字からなるコードを crypto/rand で生成します。
func RandomCode(n int) (string, error) {
	// 256 を割り切れない分は捨てて偏りを無くす
	const max = byte(255 - (256 % len(codeAlphabet)))

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("乱数の取得に失敗しました: %w", err)
		}
		for _, b := range buf {
			if b > max {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

func (r *Registry) checkPlayer(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRoomConfig)
	}
	if r.reserved(id) {
		return ErrReservedIdentifier
	}
	return nil
}

// CreateRoom は新しい部屋を作り、ホストを最初の参加者にします。
func (r *Registry) CreateRoom(hostID, hostName string, maxPlayers, maxRounds int) (Room, error) {
	if err := r.checkPlayer(hostID); err != nil {
		return Room{}, err
	}
	if maxPlayers < MinPlayers || maxPlayers > MaxPlayers {
		return Room{}, fmt.Errorf("%w: maxPlayers must be %d-%d, got %d", ErrInvalidRoomConfig, MinPlayers, MaxPlayers, maxPlayers)
	}
	if maxRounds < MinRounds || maxRounds > MaxRounds {
		return Room{}, fmt.Errorf("%w: maxRounds must be %d-%d, got %d", ErrInvalidRoomConfig, MinRounds, MaxRounds, maxRounds)
	}

	r.mu.Lock()
	code, err := r.uniqueCodeLocked()
	if err != nil {
		r.mu.Unlock()
		r.logger.Error("参加コードの生成に失敗しました", zap.Error(err))
		return Room{}, err
	}

	now := r.now()
	room := &Room{
		ID:         uuid.NewString(),
		Code:       code,
		MaxPlayers: maxPlayers,
		MaxRounds:  maxRounds,
		Members:    []Member{{ID: hostID, Name: displayName(hostID, hostName), JoinedAt: now}},
		HostID:     hostID,
		State:      StateOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.rooms[code] = room
	out := room.clone()
	r.mu.Unlock()

	r.logger.Info("部屋を作成しました", zap.String("code", code), zap.String("host", hostID), zap.Int("maxPlayers", maxPlayers), zap.Int("maxRounds", maxRounds))
	r.publish(code, "room.created", out)
	return out, nil
}

func (r *Registry) uniqueCodeLocked() (string, error) {
	for i := 0; i < r.codeAttempts; i++ {
		code, err := r.newCode()
		if err != nil {
			return "", err
		}
		code = NormalizeCode(code)
		if _, taken := r.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeGenerationExhausted
}

// JoinRoom は参加者を追加します。既に参加済みなら何も変えずに成功します。
func (r *Registry) JoinRoom(code, playerID, name string) (Room, error) {
	if err := r.checkPlayer(playerID); err != nil {
		return Room{}, err
	}
	code = NormalizeCode(code)

	r.mu.Lock()
	room, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return Room{}, ErrRoomNotFound
	}
	if room.HasMember(playerID) {
		out := room.clone()
		r.mu.Unlock()
		return out, nil
	}
	switch room.State {
	case StateStarted:
		r.mu.Unlock()
		return Room{}, ErrAlreadyStarted
	case StateClosed:
		r.mu.Unlock()
		return Room{}, ErrRoomClosed
	}
	if len(room.Members) >= room.MaxPlayers {
		r.mu.Unlock()
		return Room{}, ErrRoomFull
	}
	name = displayName(playerID, name)
	if room.nameTaken(name) {
		r.mu.Unlock()
		return Room{}, fmt.Errorf("%w: %q", ErrNameTaken, name)
	}

	room.Members = append(room.Members, Member{ID: playerID, Name: name, JoinedAt: r.now()})
	room.UpdatedAt = r.now()
	out := room.clone()
	r.mu.Unlock()

	r.logger.Info("部屋に参加しました", zap.String("code", code), zap.String("player", playerID), zap.Int("members", len(out.Members)))
	r.publish(code, "room.member_joined", out)
	return out, nil
}

// LeaveRoom は参加者を外します。ホストが抜けたら最も早く参加した人がホストになり、
// 誰もいなくなったら部屋を削除します。destroyed は削除されたかどうか
func (r *Registry) LeaveRoom(code, playerID string) (room Room, destroyed bool, err error) {
	code = NormalizeCode(code)

	r.mu.Lock()
	rm, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return Room{}, false, ErrRoomNotFound
	}
	idx := rm.indexOf(playerID)
	if idx < 0 {
		r.mu.Unlock()
		return Room{}, false, ErrNotMember
	}

	rm.Members = append(rm.Members[:idx], rm.Members[idx+1:]...)
	rm.UpdatedAt = r.now()
	hostChanged := false
	if len(rm.Members) == 0 {
		delete(r.rooms, code)
		destroyed = true
	} else if rm.HostID == playerID {
		rm.HostID = rm.Members[0].ID
		hostChanged = true
	}
	out := rm.clone()
	r.mu.Unlock()

	r.logger.Info("部屋から退出しました", zap.String("code", code), zap.String("player", playerID), zap.Bool("destroyed", destroyed))
	r.publish(code, "room.member_left", map[string]any{"playerId": playerID, "room": out})
	if hostChanged {
		r.publish(code, "room.host_changed", map[string]any{"hostId": out.HostID})
	}
	if destroyed {
		r.publish(code, "room.destroyed", map[string]any{"code": code})
	}
	return out, destroyed, nil
}

// Get は部屋の複製を返します。
func (r *Registry) Get(code string) (Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[NormalizeCode(code)]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return room.clone(), nil
}

// MarkStarted は OPEN の部屋を STARTED にしてゲームIDを紐づけます。
func (r *Registry) MarkStarted(code, gameID string) (Room, error) {
	code = NormalizeCode(code)
	r.mu.Lock()
	room, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return Room{}, ErrRoomNotFound
	}
	if room.State != StateOpen {
		r.mu.Unlock()
		return Room{}, ErrAlreadyStarted
	}
	room.State = StateStarted
	room.GameID = gameID
	room.UpdatedAt = r.now()
	out := room.clone()
	r.mu.Unlock()

	r.publish(code, "room.started", map[string]any{"gameId": gameID})
	return out, nil
}

// Close はゲーム終了後の部屋を CLOSED にします。削除は Reap が行う
func (r *Registry) Close(code string) error {
	code = NormalizeCode(code)
	r.mu.Lock()
	room, ok := r.rooms[code]
	if !ok {
		r.mu.Unlock()
		return ErrRoomNotFound
	}
	room.State = StateClosed
	room.UpdatedAt = r.now()
	r.mu.Unlock()

	r.publish(code, "room.closed", map[string]any{"code": code})
	return nil
}

// Reap は CLOSED の部屋と idleFor 以上更新の無い OPEN の部屋を削除し、削除数を返します。
// 進行中の部屋は対象外
func (r *Registry) Reap(idleFor time.Duration) int {
	cutoff := r.now().Add(-idleFor)
	var reaped []string

	r.mu.Lock()
	for code, room := range r.rooms {
		switch {
		case room.State == StateClosed:
		case room.State == StateOpen && room.UpdatedAt.Before(cutoff):
		default:
			continue
		}
		delete(r.rooms, code)
		reaped = append(reaped, code)
	}
	r.mu.Unlock()

	for _, code := range reaped {
		r.publish(code, "room.destroyed", map[string]any{"code": code})
	}
	return len(reaped)
}

// Len は登録中の部屋数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Registry) publish(code, eventType string, payload any) {
	if r.events == nil {
		return
	}
	r.events.Publish(notify.RoomTopic(code), eventType, payload)
}

func displayName(id, name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return id
}
