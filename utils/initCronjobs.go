package utils

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reaper はメモリ上の部屋とゲームを片付けます。
type Reaper interface {
	Reap(olderThan time.Duration) (rooms, games int)
}

// Archive は保存済みのゲームを片付けます。
type Archive interface {
	AbandonStaleGames(ctx context.Context, before time.Time) (int64, error)
	PurgeEndedGames(ctx context.Context, before time.Time) (int64, error)
}

// CleanerConfig は掃除ジョブの間隔
type CleanerConfig struct {
	RoomIdleTTL      time.Duration // 放置された部屋・終了したゲームをメモリから消すまで
	ArchiveRetention time.Duration // 終了したゲームをDBに残す期間
}

// CronCleaner は掃除ジョブを登録して開始します。archive は nil でも構いません。
// 戻り値の Stop で止める
func CronCleaner(reaper Reaper, archive Archive, cfg CleanerConfig, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New()

	// メモリ上の部屋とゲーム（毎分）
	if _, err := c.AddFunc("@every 1m", func() {
		rooms, games := reaper.Reap(cfg.RoomIdleTTL)
		if rooms > 0 || games > 0 {
			logger.Info("部屋とゲームを片付けました", zap.Int("rooms", rooms), zap.Int("games", games))
		}
	}); err != nil {
		return nil, err
	}

	if archive != nil {
		// 再起動などで取り残されたゲームを終了扱いに（毎日）
		if _, err := c.AddFunc("@daily", func() {
			logger.Info("取り残されたゲームを終了扱いにする処理を開始")
			n, err := archive.AbandonStaleGames(context.Background(), time.Now().Add(-24*time.Hour))
			if err != nil {
				logger.Error("取り残されたゲームの更新に失敗しました", zap.Error(err))
				return
			}
			logger.Info("取り残されたゲームを終了扱いにしました", zap.Int64("games", n))
		}); err != nil {
			return nil, err
		}

		// 保存期間を過ぎたゲームを削除（"分 時 日 月 曜日"）
		if _, err := c.AddFunc("0 3 * * *", func() {
			logger.Info("終了したゲームを削除する処理を開始")
			if _, err := archive.PurgeEndedGames(context.Background(), time.Now().Add(-cfg.ArchiveRetention)); err != nil {
				logger.Error("終了したゲームの削除に失敗しました", zap.Error(err))
			}
		}); err != nil {
			return nil, err
		}
	}

	c.Start()
	return c, nil
}
