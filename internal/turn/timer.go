package turn

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout は1手番の持ち時間
const DefaultTimeout = 30 * time.Second

// FireFunc は持ち時間切れで呼ばれます。version は仕掛けた時点の版数
type FireFunc func(gameID string, version uint64)

// Timer はゲームごとに1本の手番タイマーを管理します。
// 発火時は仕掛けた時点の版数を渡すので、古いタイマーの発火は Advance 側で無視される
type Timer struct {
	logger  *zap.Logger
	timeout time.Duration
	fire    FireFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimer(timeout time.Duration, fire FireFunc, logger *zap.Logger) *Timer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Timer{
		logger:  logger,
		timeout: timeout,
		fire:    fire,
		timers:  make(map[string]*time.Timer),
	}
}

// Timeout は持ち時間
func (t *Timer) Timeout() time.Duration { return t.timeout }

// Arm は既存のタイマーを止めて新しく仕掛け、締め切り時刻を返します。
func (t *Timer) Arm(gameID string, version uint64) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[gameID]; ok {
		old.Stop()
	}
	deadline := time.Now().Add(t.timeout)
	t.timers[gameID] = time.AfterFunc(t.timeout, func() {
		t.logger.Info("手番の持ち時間が切れました", zap.String("gameID", gameID), zap.Uint64("version", version))
		t.fire(gameID, version)
	})
	return deadline
}

// Stop はゲームのタイマーを止めます。
func (t *Timer) Stop(gameID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[gameID]; ok {
		old.Stop()
		delete(t.timers, gameID)
	}
}

// StopAll は全タイマーを止めます。
func (t *Timer) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}
