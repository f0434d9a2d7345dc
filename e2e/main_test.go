package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/api"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/api/handler"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/api/middleware"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/application"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/config"
	"github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/infrastructure/postgres"
	redisinfra "github.com/marketingadvisorai/BookingTMS-2.0---Antigravity-sub001/internal/infrastructure/redis"
)

// TestServer はE2Eテスト用のサーバー
type TestServer struct {
	Echo   *echo.Echo
	Engine *application.ReservationEngine
}

var (
	testServer  *TestServer
	testDB      *sqlx.DB
	redisClient *redis.Client
)

// TestMain はE2Eテストのエントリポイント
// パッケージ全体で1回だけサーバーを組み立てることで高速化
func TestMain(m *testing.M) {
	cfg := config.Load()

	// DB接続
	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		os.Exit(0) // DB未起動時はスキップ
	}
	testDB = db

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "../migrations"
	}
	if err := postgres.RunMigrations(db.DB, migrationsPath); err != nil {
		db.Close()
		os.Exit(0)
	}

	// Redis接続
	rc := redisinfra.NewClient(&cfg.Redis)
	if err := redisinfra.Ping(context.Background(), rc); err != nil {
		db.Close()
		os.Exit(0) // Redis未起動時はスキップ
	}
	redisClient = rc

	// サービス初期化
	slotRepo := postgres.NewSlotRepository(db)
	holdRepo := postgres.NewHoldRepository(db)
	txManager := postgres.NewTxManager(db)
	guard := redisinfra.NewIdempotencyStore(rc, cfg.Reservation.IdempotencyTTL, cfg.Reservation.IdempotencyClaimTTL)
	cache := redisinfra.NewAvailabilityCache(rc)

	engine := application.NewReservationEngine(txManager, slotRepo, holdRepo, guard, cache, cfg.Reservation)
	slotService := application.NewSlotService(slotRepo, cache, cfg.Reservation.AvailabilityCacheTTL)

	slotHandler := handler.NewSlotHandler(slotService)
	holdHandler := handler.NewHoldHandler(engine)
	healthHandler := handler.NewHealthHandler(db, rc)

	// Echo セットアップ
	e := echo.New()
	e.Validator = api.NewValidator()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler
	middleware.SetupMiddleware(e)

	v1 := e.Group("/api/v1")
	v1.GET("/health", healthHandler.Check)
	v1.GET("/ready", healthHandler.Ready)

	v1.POST("/slots", slotHandler.Create)
	v1.GET("/slots", slotHandler.List)
	v1.GET("/slots/:id", slotHandler.GetByID)
	v1.GET("/slots/:id/availability", slotHandler.Availability)
	v1.DELETE("/slots/:id", slotHandler.Delete)

	v1.POST("/holds", holdHandler.Reserve)
	v1.GET("/holds/:id", holdHandler.GetByID)
	v1.POST("/holds/:id/confirm", holdHandler.Confirm)
	v1.POST("/holds/:id/release", holdHandler.Release)
	v1.POST("/holds/:id/extend", holdHandler.Extend)

	testServer = &TestServer{Echo: e, Engine: engine}

	// テスト実行
	code := m.Run()

	// 最終クリーンアップ
	cleanupTables()
	redisClient.Close()
	db.Close()

	os.Exit(code)
}

// cleanupTables はテーブルと冪等性レコードをクリーンアップ
func cleanupTables() {
	testDB.Exec("TRUNCATE TABLE holds, slots CASCADE")
	ctx := context.Background()
	for _, pattern := range []string{"idem:*", "slots:available:*"} {
		keys, err := redisClient.Keys(ctx, pattern).Result()
		if err == nil && len(keys) > 0 {
			redisClient.Del(ctx, keys...)
		}
	}
}

// getTestServer は共有サーバーを取得（テスト前にクリーンアップ）
func getTestServer(t *testing.T) *TestServer {
	t.Helper()
	if testServer == nil {
		t.Skip("テスト環境が利用できません")
	}
	cleanupTables()
	return testServer
}

// Request はHTTPリクエストを実行
func (s *TestServer) Request(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody []byte
	if body != nil {
		reqBody, _ = json.Marshal(body)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(reqBody))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}
