package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// External services
	IdentityBaseURL  string
	NarrativeBaseURL string

	// Storage
	// DatabaseURLが空の場合、共有ストレージはプロセス内メモリ実装になる。
	DatabaseURL string

	// Context
	// ContextIDはこのゲートウェイインスタンスの閲覧コンテキスト識別子。
	// 未設定なら起動時にランダム生成される。
	ContextID string

	// Session lifecycle
	RefreshMargin          time.Duration
	RefreshFloor           time.Duration
	DefaultSessionDuration time.Duration

	// Navigation
	// NavigationKindは起動時のナビゲーション種別（navigate/reload/back_forward）。
	NavigationKind string

	// Janitor
	JanitorInterval time.Duration
	BroadcastTTL    time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitWish    int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.IdentityBaseURL = os.Getenv("IDENTITY_BASE_URL")
	if cfg.IdentityBaseURL == "" {
		missing = append(missing, "IDENTITY_BASE_URL")
	}

	cfg.NarrativeBaseURL = os.Getenv("NARRATIVE_BASE_URL")
	if cfg.NarrativeBaseURL == "" {
		missing = append(missing, "NARRATIVE_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.ContextID = os.Getenv("CONTEXT_ID")
	cfg.RefreshMargin = getEnvDuration("REFRESH_MARGIN", 5*time.Minute)
	cfg.RefreshFloor = getEnvDuration("REFRESH_FLOOR", 30*time.Second)
	cfg.DefaultSessionDuration = getEnvDuration("DEFAULT_SESSION_DURATION", time.Hour)
	cfg.NavigationKind = getEnvString("NAVIGATION_KIND", "navigate")
	cfg.JanitorInterval = getEnvDuration("JANITOR_INTERVAL", 10*time.Minute)
	cfg.BroadcastTTL = getEnvDuration("BROADCAST_TTL", time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWish = getEnvInt("RATE_LIMIT_WISH", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
