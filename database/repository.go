package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"troublepainter/internal/gameerr"
	"troublepainter/internal/ledger"
	"troublepainter/internal/tally"
	"troublepainter/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository はゲーム・ストローク・投票・お題を PostgreSQL に保存します。
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// SaveGame はゲームを保存します。同じIDがあれば上書き
func (r *Repository) SaveGame(ctx context.Context, g *models.Game) error {
	if err := r.db.WithContext(ctx).Save(g).Error; err != nil {
		return fmt.Errorf("ゲームの保存に失敗しました: %w", err)
	}
	return nil
}

// RecordStroke はストロークを追加します。同じ (game, round, turn) は一意制約で弾かれる
func (r *Repository) RecordStroke(ctx context.Context, s models.Stroke) error {
	err := r.db.WithContext(ctx).Create(&s).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ledger.ErrTurnAlreadyDrawn
	}
	if err != nil {
		return fmt.Errorf("ストロークの保存に失敗しました: %w", err)
	}
	return nil
}

func (r *Repository) RecordVote(ctx context.Context, v models.Vote) error {
	err := r.db.WithContext(ctx).Create(&v).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return tally.ErrDuplicateVote
	}
	if err != nil {
		return fmt.Errorf("投票の保存に失敗しました: %w", err)
	}
	return nil
}

// Words はお題の単語一覧を返します。
func (r *Repository) Words(ctx context.Context) ([]string, error) {
	var words []string
	if err := r.db.WithContext(ctx).Model(&models.Word{}).Order("id").Pluck("text", &words).Error; err != nil {
		return nil, fmt.Errorf("お題の取得に失敗しました: %w", err)
	}
	return words, nil
}

// AddWords は単語を追加します。既にある単語は無視する
func (r *Repository) AddWords(ctx context.Context, words []string) (int64, error) {
	if len(words) == 0 {
		return 0, nil
	}
	rows := make([]models.Word, 0, len(words))
	for _, w := range words {
		rows = append(rows, models.Word{Text: w})
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	return res.RowsAffected, res.Error
}

// ErrGameNotArchived は保存済みのゲームが無いときのエラー
var ErrGameNotArchived = gameerr.New(gameerr.NotFound, "game_not_found", "ゲームが見つかりません")

// LoadGame は保存済みのゲームを返します。
func (r *Repository) LoadGame(ctx context.Context, id string) (*models.Game, error) {
	var g models.Game
	err := r.db.WithContext(ctx).First(&g, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrGameNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("ゲームの取得に失敗しました: %w", err)
	}
	return &g, nil
}

// StrokesForRound は保存済みのストロークを作成順に返します。
func (r *Repository) StrokesForRound(ctx context.Context, gameID string, round int) ([]models.Stroke, error) {
	var strokes []models.Stroke
	err := r.db.WithContext(ctx).
		Where("game_id = ? AND round = ?", gameID, round).
		Order("created_at, turn").
		Find(&strokes).Error
	return strokes, err
}

// PurgeEndedGames は before より前に終了したゲームと、そのストローク・投票を削除します。
func (r *Repository) PurgeEndedGames(ctx context.Context, before time.Time) (int64, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Model(&models.Game{}).
		Where("phase = ? AND ended_at <= ?", models.PhaseEnded, before).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("game_id IN ?", ids).Delete(&models.Stroke{}).Error; err != nil {
			return err
		}
		if err := tx.Where("game_id IN ?", ids).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Game{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("終了したゲームの削除に失敗しました: %w", err)
	}
	r.logger.Info("終了したゲームを削除しました", zap.Int64("games_deleted", deleted))
	return deleted, nil
}

// AbandonStaleGames は updated_at が before より古いまま終わっていないゲームを終了扱いにします。
// プロセスの再起動で取り残されたゲーム用
func (r *Repository) AbandonStaleGames(ctx context.Context, before time.Time) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&models.Game{}).
		Where("phase IN ? AND updated_at <= ?", []models.Phase{models.PhaseInProgress, models.PhaseVoting}, before).
		Updates(map[string]any{"phase": models.PhaseEnded, "ended_at": now})
	return res.RowsAffected, res.Error
}
