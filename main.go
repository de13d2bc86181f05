package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"troublepainter/database"   //PostgreSQLとRedisの初期化
	"troublepainter/migrations" //スキーマの適用
	"troublepainter/models"     //モデル定義
	"troublepainter/realtime"   //WebSocketでのイベント配信
	"troublepainter/screens"    //HTTP API
	"troublepainter/utils"      //ロガーの初期化とCronジョブ

	"troublepainter/internal/ledger"
	"troublepainter/internal/notify"
	"troublepainter/internal/oracle"
	"troublepainter/internal/room"
	"troublepainter/internal/session"
	"troublepainter/internal/tally"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(newCmd().ExecuteContext(ctx))
}

func serve(ctx context.Context, config models.Config) error {
	logger, err := utils.InitLogger(config.Verbose) // ロガーの初期化
	if err != nil {
		return err
	}
	defer logger.Sync() // ロガーのクリーンアップ

	// 非同期でPostgreSQLとRedisの初期化。未設定ならメモリだけで動かす
	var db *gorm.DB
	var rdb *redis.Client
	var dbErr, redisErr error
	done := make(chan bool)

	go func() {
		if !memoryOnly(config) {
			db, dbErr = database.InitPostgreSQL(config, logger)
			if dbErr == nil {
				_, dbErr = migrations.Run(db, migrations.All(config.Words), logger)
			}
		}
		done <- true
	}()

	go func() {
		if config.RedisAddr != "" {
			rdb, redisErr = database.InitRedis(config, logger)
		}
		done <- true
	}()

	// 2つの初期化が完了するのを待つ
	<-done
	<-done
	if dbErr != nil {
		return fmt.Errorf("PostgreSQLの初期化に失敗しました: %w", dbErr)
	}
	if redisErr != nil {
		return fmt.Errorf("Redisの初期化に失敗しました: %w", redisErr)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	bus := notify.NewBus(logger)
	defer bus.Close()

	deps := session.Deps{
		Logger: logger,
		Rooms:  room.NewRegistry(logger, bus, room.WithReserved(tally.IsReserved)),
		Events: bus,
	}
	var repo *database.Repository
	if db != nil {
		repo = database.NewRepository(db, logger)
		deps.Ledger = ledger.New(logger, repo)
		deps.Tally = tally.New(logger, repo)
		deps.Words = repo
		deps.Store = repo
		deps.Archive = repo
	} else {
		logger.Warn("db_host が未設定のため、ゲームはメモリ上だけで管理します")
		deps.Ledger = ledger.New(logger, nil)
		deps.Tally = tally.New(logger, nil)
	}

	var sessions realtime.SessionStore
	if rdb != nil {
		bus.AddRelay(notify.NewRedisRelay(rdb))
		sessions = database.NewSessionStore(rdb, logger)
	}

	if config.GeminiAPIKey != "" {
		gemini := oracle.NewGemini(config.GeminiAPIKey, config.GeminiModel, config.GeminiEndpoint, &http.Client{Timeout: config.OracleTimeout})
		deps.Oracle = oracle.NewGateway(gemini, logger,
			oracle.WithMinInterval(config.OracleMinInterval),
			oracle.WithMaxAttempts(config.OracleMaxAttempts))
	} else {
		logger.Warn("gemini_api_key が未設定のため、絵の解析は行いません")
	}

	orchestrator := session.New(deps, session.Config{
		TurnTimeout:     config.TurnTimeout,
		AutoVoteDelay:   config.AutoVoteDelay,
		AnalysisTimeout: analysisBudget(config),
		DefaultWords:    config.Words,
	})
	defer orchestrator.Shutdown()

	// クーロンスケジューラのセットアップと呼び出し
	var archive utils.Archive
	if repo != nil {
		archive = repo
	}
	cleaner, err := utils.CronCleaner(orchestrator, archive, utils.CleanerConfig{
		RoomIdleTTL:      config.RoomIdleTTL,
		ArchiveRetention: config.ArchiveRetention,
	}, logger)
	if err != nil {
		return err
	}
	defer cleaner.Stop()

	if !config.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	//リクエストロガーを起動
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	corsConfig := cors.Config{
		AllowOrigins:     config.AllowOrigins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Player-ID", "SessionID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(config.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(cors.New(corsConfig))

	screens.RegisterRoutes(router, orchestrator, config.PublicURL, logger)
	ws := realtime.NewHandler(orchestrator, sessions, config.AllowOrigins, logger)
	router.GET("/ws", ws.HandleConnections)

	srv := &http.Server{
		Addr:              config.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("サーバーを起動しました", zap.String("addr", config.ListenAddr), zap.Bool("memoryOnly", db == nil), zap.Bool("redis", rdb != nil))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("サーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// migrate はマイグレーションだけを適用して終了します。
func migrate(config models.Config) error {
	logger, err := utils.InitLogger(config.Verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if memoryOnly(config) {
		return errors.New("db_host が未設定です")
	}
	db, err := database.InitPostgreSQL(config, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	applied, err := migrations.Run(db, migrations.All(config.Words), logger)
	if err != nil {
		return err
	}
	logger.Info("マイグレーションが完了しました", zap.Strings("applied", applied))
	return nil
}
