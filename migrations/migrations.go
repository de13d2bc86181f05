// Package migrations はスキーマの変更を適用順に並べたものです。
// 適用済みのIDは schema_migrations テーブルに記録し、2回目以降は飛ばす
package migrations

import (
	"fmt"
	"time"

	"troublepainter/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migration は1回分のスキーマ変更
type Migration struct {
	ID string
	Up func(tx *gorm.DB) error
}

// SchemaMigration は適用済みのマイグレーション
type SchemaMigration struct {
	ID        string `gorm:"primaryKey;size:64"`
	AppliedAt time.Time
}

// All は適用順のマイグレーション一覧を返します。
func All(words []string) []Migration {
	return []Migration{
		{ID: "202610160900_create_game_tables", Up: createGameTables},
		{ID: "202610160910_create_words_table", Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Word{})
		}},
		{ID: "202610160920_seed_words", Up: func(tx *gorm.DB) error {
			return seedWords(tx, words)
		}},
		{ID: "202610160930_index_games_phase_updated", Up: func(tx *gorm.DB) error {
			// 掃除ジョブの検索用
			return tx.Exec("CREATE INDEX IF NOT EXISTS idx_games_phase_updated_at ON games (phase, updated_at)").Error
		}},
	}
}

func createGameTables(tx *gorm.DB) error {
	return tx.AutoMigrate(&models.Game{}, &models.Stroke{}, &models.Vote{})
}

func seedWords(tx *gorm.DB, words []string) error {
	if len(words) == 0 {
		return nil
	}
	rows := make([]models.Word, 0, len(words))
	for _, w := range words {
		rows = append(rows, models.Word{Text: w})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Run は未適用のマイグレーションを順に適用します。applied は今回適用したID
func Run(db *gorm.DB, list []Migration, logger *zap.Logger) (applied []string, err error) {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return nil, fmt.Errorf("schema_migrations の作成に失敗しました: %w", err)
	}

	var done []string
	if err := db.Model(&SchemaMigration{}).Pluck("id", &done).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(done))
	for _, id := range done {
		seen[id] = true
	}

	for _, m := range list {
		if seen[m.ID] {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{ID: m.ID, AppliedAt: time.Now()}).Error
		})
		if err != nil {
			logger.Error("マイグレーションに失敗しました", zap.String("id", m.ID), zap.Error(err))
			return applied, fmt.Errorf("マイグレーション %s に失敗しました: %w", m.ID, err)
		}
		logger.Info("マイグレーションを適用しました", zap.String("id", m.ID))
		applied = append(applied, m.ID)
	}
	return applied, nil
}
