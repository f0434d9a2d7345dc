package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Reservation ReservationConfig
}

// ServerConfig はサーバー設定
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig はデータベース設定
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig はRedis設定
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ReservationConfig は予約エンジンの動作設定
type ReservationConfig struct {
	// HoldDurationMin / HoldDurationMax はホールド期間の許容範囲
	HoldDurationMin time.Duration
	HoldDurationMax time.Duration
	// HoldDurationDefault はリクエストで指定がない場合のホールド期間
	HoldDurationDefault time.Duration
	// SweepInterval は期限切れホールド回収の実行間隔
	SweepInterval time.Duration
	// CASMaxRetries は楽観的ロック競合時の再試行上限
	CASMaxRetries int
	// CASBackoffBase は再試行バックオフの基準時間
	CASBackoffBase time.Duration
	// IdempotencyTTL は冪等性レコードの保持期間（最大ホールド期間より長くする）
	IdempotencyTTL time.Duration
	// IdempotencyClaimTTL は処理中マーカーの保持期間
	IdempotencyClaimTTL time.Duration
	// AvailabilityCacheTTL は空き容量キャッシュの保持期間
	AvailabilityCacheTTL time.Duration
	// ArchiveSchedule はスロットアーカイブジョブのcron式
	ArchiveSchedule string
}

// Load は環境変数から設定を読み込む
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "slot_reservation"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Reservation: ReservationConfig{
			HoldDurationMin:      getDurationEnv("HOLD_DURATION_MIN", 1*time.Minute),
			HoldDurationMax:      getDurationEnv("HOLD_DURATION_MAX", 30*time.Minute),
			HoldDurationDefault:  getDurationEnv("HOLD_DURATION_DEFAULT", 15*time.Minute),
			SweepInterval:        getDurationEnv("SWEEP_INTERVAL", 5*time.Second),
			CASMaxRetries:        getIntEnv("CAS_MAX_RETRIES", 5),
			CASBackoffBase:       getDurationEnv("CAS_BACKOFF_BASE", 20*time.Millisecond),
			IdempotencyTTL:       getDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
			IdempotencyClaimTTL:  getDurationEnv("IDEMPOTENCY_CLAIM_TTL", 30*time.Second),
			AvailabilityCacheTTL: getDurationEnv("AVAILABILITY_CACHE_TTL", 5*time.Second),
			ArchiveSchedule:      getEnv("ARCHIVE_SCHEDULE", "0 3 * * *"),
		},
	}
}

// DSN はPostgreSQL接続文字列を返す
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + c.Port +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}

// Addr はRedis接続アドレスを返す
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
