package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"troublepainter/models"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DefaultWords はDBにお題が無いときに使う単語
var DefaultWords = []string{
	"umbrella", "giraffe", "lighthouse", "bicycle", "volcano",
	"octopus", "guitar", "castle", "rainbow", "snowman",
	"rocket", "cactus", "penguin", "windmill", "teapot",
}

// LoadConfig は設定ファイル（JSON）、TROUBLEPAINTER_* 環境変数、コマンドラインフラグの順に
// 上書きして設定を読み込みます。filename が空なら既定値と環境変数だけを使う
func LoadConfig(filename string, flags *pflag.FlagSet) (models.Config, error) {
	var config models.Config

	v := viper.New()
	v.SetEnvPrefix("TROUBLEPAINTER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return config, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			// フラグは listen-addr、設定キーは listen_addr
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return config, bindErr
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("設定の変換に失敗しました: %w", err)
	}
	if len(config.Words) == 0 {
		config.Words = append([]string(nil), DefaultWords...)
	}
	return config, validateConfig(config)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("allow_origins", []string{"http://localhost:3000"})
	v.SetDefault("verbose", false)

	v.SetDefault("db_host", "")
	v.SetDefault("db_user", "")
	v.SetDefault("db_password", "")
	v.SetDefault("db_name", "troublepainter")
	v.SetDefault("db_sslmode", "disable")

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("gemini_api_key", "")
	v.SetDefault("gemini_model", "")
	v.SetDefault("gemini_endpoint", "")

	v.SetDefault("oracle_timeout", 20*time.Second)
	v.SetDefault("oracle_min_interval", 5*time.Second)
	v.SetDefault("oracle_max_attempts", 3)

	v.SetDefault("turn_timeout", 30*time.Second)
	v.SetDefault("auto_vote_delay", 2*time.Second)
	v.SetDefault("room_idle_ttl", 30*time.Minute)
	v.SetDefault("archive_retention", 30*24*time.Hour)

	v.SetDefault("words", []string{})
}

func validateConfig(c models.Config) error {
	if c.TurnTimeout <= 0 {
		return errors.New("turn_timeout は正の値である必要があります")
	}
	if c.OracleMaxAttempts == 0 {
		return errors.New("oracle_max_attempts は1以上である必要があります")
	}
	if c.DBHost != "" && c.DBUser == "" {
		return errors.New("db_host を指定する場合は db_user も必要です")
	}
	return nil
}

// PostgresDSN は接続文字列を組み立てます。
func PostgresDSN(config models.Config) string {
	return fmt.Sprintf("host=%s user=%s dbname=%s password=%s sslmode=%s",
		config.DBHost, config.DBUser, config.DBName, config.DBPassword, config.DBSSLMode)
}

func InitPostgreSQL(config models.Config, logger *zap.Logger) (*gorm.DB, error) {
	return OpenPostgreSQL(PostgresDSN(config), logger)
}

// OpenPostgreSQL は DSN で接続します。失敗したら一定間隔で再試行する
func OpenPostgreSQL(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	const maxRetries = 3
	const retryInterval = 5 * time.Second
	var err error
	for i := 0; i <= maxRetries; i++ {
		var gormDB *gorm.DB
		// 一意制約違反を gorm.ErrDuplicatedKey として受け取る
		gormDB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err == nil {
			return gormDB, nil
		}
		logger.Error("データベース接続のリトライ", zap.Int("retry", i), zap.Error(err))
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
}

func InitRedis(config models.Config, logger *zap.Logger) (*redis.Client, error) {
	redisAddr := config.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379" // デフォルト値
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", zap.String("addr", redisAddr), zap.Error(err))
		_ = rdb.Close()
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", redisAddr))
	return rdb, nil
}
