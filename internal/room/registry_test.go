package room

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"troublepainter/internal/gameerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(opts ...Option) *Registry {
	return NewRegistry(zap.NewNop(), nil, opts...)
}

func TestRandomCodeAlphabet(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := RandomCode(CodeLength)
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, c := range code {
			assert.True(t, strings.ContainsRune(codeAlphabet, c), "unexpected rune %q in %s", c, code)
		}
	}
}

func TestCreateRoomValidation(t *testing.T) {
	tests := []struct {
		name       string
		maxPlayers int
		maxRounds  int
		wantErr    error
	}{
		{"minimum", 2, 1, nil},
		{"maximum", 8, 5, nil},
		{"too few players", 1, 3, ErrInvalidRoomConfig},
		{"too many players", 9, 3, ErrInvalidRoomConfig},
		{"zero rounds", 4, 0, ErrInvalidRoomConfig},
		{"too many rounds", 4, 6, ErrInvalidRoomConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := newTestRegistry()
			room, err := reg.CreateRoom("host", "Host", tt.maxPlayers, tt.maxRounds)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, gameerr.Validation, gameerr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StateOpen, room.State)
			assert.Equal(t, "host", room.HostID)
			require.Len(t, room.Members, 1)
			assert.Equal(t, "Host", room.Members[0].Name)
			assert.Len(t, room.Code, CodeLength)
		})
	}
}

func TestCreateRoomRetriesOnCollision(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "bbbbbb"}
	var i int
	reg := newTestRegistry(WithCodeGenerator(func() (string, error) {
		c := codes[i]
		i++
		return c, nil
	}))

	first, err := reg.CreateRoom("h1", "", 4, 3)
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)

	second, err := reg.CreateRoom("h2", "", 4, 3)
	require.NoError(t, err)
	assert.Equal(t, "BBBBBB", second.Code)
	assert.Equal(t, 3, i)
}

func TestCreateRoomExhaustsAttempts(t *testing.T) {
	calls := 0
	reg := newTestRegistry(WithCodeAttempts(4), WithCodeGenerator(func() (string, error) {
		calls++
		return "SAME00", nil
	}))

	_, err := reg.CreateRoom("h1", "", 4, 3)
	require.NoError(t, err)
	calls = 0

	_, err = reg.CreateRoom("h2", "", 4, 3)
	require.ErrorIs(t, err, ErrCodeGenerationExhausted)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 1, reg.Len())
}

func TestJoinRoom(t *testing.T) {
	reg := newTestRegistry()
	room, err := reg.CreateRoom("host", "", 3, 2)
	require.NoError(t, err)

	t.Run("case insensitive code", func(t *testing.T) {
		got, err := reg.JoinRoom(strings.ToLower(room.Code), "p2", "Bob")
		require.NoError(t, err)
		assert.Len(t, got.Members, 2)
	})

	t.Run("idempotent", func(t *testing.T) {
		got, err := reg.JoinRoom(room.Code, "p2", "Bob")
		require.NoError(t, err)
		assert.Len(t, got.Members, 2)
	})

	t.Run("display name must be unique", func(t *testing.T) {
		for _, name := range []string{"Bob", "bob", "host", "P2"} {
			_, err := reg.JoinRoom(room.Code, "p3", name)
			require.ErrorIs(t, err, ErrNameTaken, name)
			assert.Equal(t, gameerr.Validation, gameerr.KindOf(err))
		}
		got, err := reg.Get(room.Code)
		require.NoError(t, err)
		assert.Len(t, got.Members, 2)
	})

	t.Run("full", func(t *testing.T) {
		_, err := reg.JoinRoom(room.Code, "p3", "")
		require.NoError(t, err)
		_, err = reg.JoinRoom(room.Code, "p4", "")
		require.ErrorIs(t, err, ErrRoomFull)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := reg.JoinRoom("ZZZZZZ", "p5", "")
		require.ErrorIs(t, err, ErrRoomNotFound)
		assert.Equal(t, gameerr.NotFound, gameerr.KindOf(err))
	})

	t.Run("already started", func(t *testing.T) {
		other, err := reg.CreateRoom("h2", "", 4, 2)
		require.NoError(t, err)
		_, err = reg.MarkStarted(other.Code, "game-1")
		require.NoError(t, err)

		_, err = reg.JoinRoom(other.Code, "late", "")
		require.ErrorIs(t, err, ErrAlreadyStarted)

		// 既存メンバーの再参加は成功する
		_, err = reg.JoinRoom(other.Code, "h2", "")
		require.NoError(t, err)
	})
}

func TestReservedIdentifierRejected(t *testing.T) {
	reg := newTestRegistry(WithReserved(func(id string) bool { return strings.HasPrefix(id, "oracle:") }))

	_, err := reg.CreateRoom("oracle:auto-vote", "", 4, 2)
	require.ErrorIs(t, err, ErrReservedIdentifier)

	room, err := reg.CreateRoom("host", "", 4, 2)
	require.NoError(t, err)
	_, err = reg.JoinRoom(room.Code, "oracle:auto-vote", "")
	require.ErrorIs(t, err, ErrReservedIdentifier)

	_, err = reg.JoinRoom(room.Code, "   ", "")
	require.Error(t, err)
}

func TestLeaveRoomPromotesEarliestMember(t *testing.T) {
	reg := newTestRegistry()
	room, err := reg.CreateRoom("host", "", 4, 2)
	require.NoError(t, err)
	for _, id := range []string{"p2", "p3"} {
		_, err = reg.JoinRoom(room.Code, id, "")
		require.NoError(t, err)
	}

	got, destroyed, err := reg.LeaveRoom(room.Code, "host")
	require.NoError(t, err)
	assert.False(t, destroyed)
	assert.Equal(t, "p2", got.HostID)
	assert.Equal(t, []string{"p2", "p3"}, memberIDs(got))

	_, _, err = reg.LeaveRoom(room.Code, "nobody")
	require.ErrorIs(t, err, ErrNotMember)
}

func TestLeaveRoomDestroysEmptyRoom(t *testing.T) {
	reg := newTestRegistry()
	room, err := reg.CreateRoom("host", "", 4, 2)
	require.NoError(t, err)

	_, destroyed, err := reg.LeaveRoom(room.Code, "host")
	require.NoError(t, err)
	assert.True(t, destroyed)

	_, err = reg.Get(room.Code)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	reg := newTestRegistry()
	room, err := reg.CreateRoom("host", "", 4, 2)
	require.NoError(t, err)

	got, err := reg.Get(room.Code)
	require.NoError(t, err)
	got.Members[0].Name = "mutated"
	got.Members = append(got.Members, Member{ID: "ghost"})

	again, err := reg.Get(room.Code)
	require.NoError(t, err)
	assert.Equal(t, "host", again.Members[0].Name)
	assert.Len(t, again.Members, 1)
}

func TestReap(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg := newTestRegistry(WithClock(func() time.Time { return now }))

	idle, err := reg.CreateRoom("a", "", 4, 2)
	require.NoError(t, err)
	closed, err := reg.CreateRoom("b", "", 4, 2)
	require.NoError(t, err)
	require.NoError(t, reg.Close(closed.Code))
	started, err := reg.CreateRoom("c", "", 4, 2)
	require.NoError(t, err)
	_, err = reg.MarkStarted(started.Code, "g")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	fresh, err := reg.CreateRoom("d", "", 4, 2)
	require.NoError(t, err)

	assert.Equal(t, 2, reg.Reap(time.Hour))

	_, err = reg.Get(idle.Code)
	assert.True(t, errors.Is(err, ErrRoomNotFound))
	_, err = reg.Get(closed.Code)
	assert.True(t, errors.Is(err, ErrRoomNotFound))
	_, err = reg.Get(started.Code)
	assert.NoError(t, err)
	_, err = reg.Get(fresh.Code)
	assert.NoError(t, err)
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	reg := newTestRegistry()
	room, err := reg.CreateRoom("host", "", 8, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	joined := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := reg.JoinRoom(room.Code, fmt.Sprintf("p%d", i), ""); err == nil {
				mu.Lock()
				joined++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 7, joined)
	got, err := reg.Get(room.Code)
	require.NoError(t, err)
	assert.Len(t, got.Members, 8)
}

func memberIDs(r Room) []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.ID)
	}
	return ids
}
