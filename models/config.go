package models

import "time"

// Config 構造体はサーバー全体の設定情報を保持します。
type Config struct {
	ListenAddr   string   `mapstructure:"listen_addr"`
	PublicURL    string   `mapstructure:"public_url"` // QRコードに埋め込む参加URLの起点
	AllowOrigins []string `mapstructure:"allow_origins"`
	Verbose      bool     `mapstructure:"verbose"`

	DBHost     string `mapstructure:"db_host"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`
	DBName     string `mapstructure:"db_name"`
	DBSSLMode  string `mapstructure:"db_sslmode"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	GeminiAPIKey   string `mapstructure:"gemini_api_key"`
	GeminiModel    string `mapstructure:"gemini_model"`
	GeminiEndpoint string `mapstructure:"gemini_endpoint"`

	OracleTimeout     time.Duration `mapstructure:"oracle_timeout"`
	OracleMinInterval time.Duration `mapstructure:"oracle_min_interval"`
	OracleMaxAttempts uint          `mapstructure:"oracle_max_attempts"`

	TurnTimeout      time.Duration `mapstructure:"turn_timeout"`
	AutoVoteDelay    time.Duration `mapstructure:"auto_vote_delay"`
	RoomIdleTTL      time.Duration `mapstructure:"room_idle_ttl"`
	ArchiveRetention time.Duration `mapstructure:"archive_retention"`

	Words []string `mapstructure:"words"` // DBが無い場合のお題
}
