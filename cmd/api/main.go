package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/api"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/api/handler"
	custommw "github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/api/middleware"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/application"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/config"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/infrastructure/postgres"
	redisinfra "github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/infrastructure/redis"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/pkg/logger"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/pkg/metrics"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/worker"
)

func main() {
	// .env があれば読み込む（ローカル開発用）
	_ = godotenv.Load()

	cfg := config.Load()

	// ロガー初期化
	zapLogger := logger.NewLogger(os.Getenv("APP_ENV"))
	logger.Set(zapLogger)
	defer func() { _ = zapLogger.Sync() }()

	// メトリクス初期化
	m := metrics.Init()

	// PostgreSQL接続
	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal("データベース接続エラー", zap.Error(err))
	}
	defer db.Close()

	// マイグレーション実行
	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}
	if err := postgres.RunMigrations(db.DB, migrationsPath); err != nil {
		logger.Fatal("マイグレーションエラー", zap.Error(err))
	}

	// Redis接続
	redisClient := redisinfra.NewClient(&cfg.Redis)
	defer redisClient.Close()

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Redis接続エラー", zap.Error(err))
	}

	// リポジトリと依存の組み立て
	slotRepo := postgres.NewSlotRepository(db)
	holdRepo := postgres.NewHoldRepository(db)
	txManager := postgres.NewTxManager(db)
	guard := redisinfra.NewIdempotencyStore(
		redisClient,
		cfg.Reservation.IdempotencyTTL,
		cfg.Reservation.IdempotencyClaimTTL,
	)
	cache := redisinfra.NewAvailabilityCache(redisClient)

	engine := application.NewReservationEngine(txManager, slotRepo, holdRepo, guard, cache, cfg.Reservation)
	slotService := application.NewSlotService(slotRepo, cache, cfg.Reservation.AvailabilityCacheTTL)

	// 再起動時にアクティブなホールドから期限インデックスを復元
	if err := engine.RebuildIndex(ctx); err != nil {
		logger.Fatal("ホールドインデックス復元エラー", zap.Error(err))
	}

	// 期限切れホールドの回収ワーカー
	sweeper := worker.NewExpiredHoldSweeper(engine, cfg.Reservation.SweepInterval)
	go sweeper.Start(ctx)

	// 終了済みスロットのアーカイブジョブ
	archiver := worker.NewSlotArchiver(slotService, cfg.Reservation.ArchiveSchedule)
	if err := archiver.Start(); err != nil {
		logger.Fatal("アーカイブジョブ起動エラー", zap.Error(err))
	}

	// Echo セットアップ
	e := echo.New()
	e.HideBanner = true
	e.Validator = api.NewValidator()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler
	custommw.SetupMiddleware(e)
	e.Use(custommw.PrometheusMiddleware(m))

	// ハンドラー
	slotHandler := handler.NewSlotHandler(slotService)
	holdHandler := handler.NewHoldHandler(engine)
	healthHandler := handler.NewHealthHandler(db, redisClient)

	// ルーティング
	v1 := e.Group("/api/v1")
	v1.GET("/health", healthHandler.Check)
	v1.GET("/ready", healthHandler.Ready)

	v1.POST("/slots", slotHandler.Create)
	v1.GET("/slots", slotHandler.List)
	v1.GET("/slots/:id", slotHandler.GetByID)
	v1.GET("/slots/:id/availability", slotHandler.Availability)
	v1.DELETE("/slots/:id", slotHandler.Delete)

	// 予約系はバースト再送を抑えるためレート制限をかける
	holds := v1.Group("/holds", custommw.RateLimit(custommw.RateLimitConfig{
		Rate:  rate.Limit(50),
		Burst: 100,
	}))
	holds.POST("", holdHandler.Reserve)
	holds.GET("/:id", holdHandler.GetByID)
	holds.POST("/:id/confirm", holdHandler.Confirm)
	holds.POST("/:id/release", holdHandler.Release)
	holds.POST("/:id/extend", holdHandler.Extend)

	// Prometheusメトリクス
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), custommw.MetricsBasicAuth())

	// サーバー起動
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("サーバー起動エラー", zap.Error(err))
		}
	}()

	logger.Info("サーバーを起動しました", zap.String("port", cfg.Server.Port))

	// シグナル待機
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンエラー", zap.Error(err))
	}

	// ワーカー停止
	sweeper.Stop()
	archiver.Stop()

	logger.Info("サーバーが正常にシャットダウンしました")
}
