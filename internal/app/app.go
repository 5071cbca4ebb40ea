package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/haruka/tensei/internal/broadcast"
	"github.com/haruka/tensei/internal/config"
	"github.com/haruka/tensei/internal/continuity"
	"github.com/haruka/tensei/internal/credential"
	"github.com/haruka/tensei/internal/handler"
	"github.com/haruka/tensei/internal/handoff"
	"github.com/haruka/tensei/internal/identity"
	"github.com/haruka/tensei/internal/logger"
	"github.com/haruka/tensei/internal/metrics"
	"github.com/haruka/tensei/internal/middleware"
	"github.com/haruka/tensei/internal/model"
	"github.com/haruka/tensei/internal/narrative"
	"github.com/haruka/tensei/internal/navigation"
	"github.com/haruka/tensei/internal/platform"
	"github.com/haruka/tensei/internal/scoped"
	"github.com/haruka/tensei/internal/security"
	"github.com/haruka/tensei/internal/storage"
	"github.com/haruka/tensei/internal/worker/janitor"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("identity_base_url", cfg.IdentityBaseURL),
		slog.String("narrative_base_url", cfg.NarrativeBaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// resolveContextID は設定されたコンテキストIDを返し、未設定なら生成する。
func resolveContextID(cfg *config.Config) string {
	if cfg.ContextID != "" {
		return cfg.ContextID
	}
	return uuid.New().String()
}

// newStorageArea は設定に応じた共有ストレージ領域を構築する。
// DATABASE_URLが設定されていればPostgreSQL実装（コンテキスト間通知つき）、
// 未設定ならプロセス内メモリ実装を使う。
func newStorageArea(cfg *config.Config) (platform.StorageArea, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Info("using in-process memory storage (DATABASE_URL not set)")
		area := platform.NewMemoryArea()
		mc := area.Attach()
		return mc, func() { area.Detach(mc) }, nil
	}

	contextID := resolveContextID(cfg)
	pa, err := storage.NewPostgresArea(cfg.DatabaseURL, contextID, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open shared storage: %w", err)
	}

	slog.Info("shared storage connection established",
		slog.String("context_id", contextID),
	)
	return pa, func() { pa.Close() }, nil
}

// runServe はゲートウェイサーバーモードで起動する。
// 共有ストレージを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. 共有ストレージ領域
	area, closeArea, err := newStorageArea(cfg)
	if err != nil {
		return err
	}
	defer closeArea()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. ストレージ上のレイヤ
	scopedStore := scoped.NewStore(area)
	bus := broadcast.NewBus(area, slog.Default())

	// 4. 外部サービスクライアント
	identityClient, err := identity.NewClient(cfg.IdentityBaseURL, nil, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create identity client: %w", err)
	}

	sanitizer := security.NewNarrativeSanitizer()
	imageGuard := security.NewImageRefGuard(cfg.NarrativeBaseURL)
	narrativeClient, err := narrative.NewClient(cfg.NarrativeBaseURL, sanitizer, imageGuard, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create narrative client: %w", err)
	}

	// 5. 認証セッションライフサイクル
	credCfg := credential.DefaultConfig()
	credCfg.RefreshMargin = cfg.RefreshMargin
	credCfg.RefreshFloor = cfg.RefreshFloor
	credCfg.DefaultSessionDuration = cfg.DefaultSessionDuration

	manager := credential.NewManager(
		platform.SystemClock{}, area, scopedStore, identityClient,
		credCfg, slog.Default(), collector,
	)
	manager.OnRefreshFailed(func(apiErr *model.APIError) {
		// 自動リトライはしない。UIが再認証を促すためのシグナル。
		slog.Warn("authentication refresh failed, re-login required",
			slog.String("code", apiErr.Code),
			slog.String("message", apiErr.Message),
		)
	})

	// 6. 他コンテキストからのログアウト伝播
	cancelLogoutSub := bus.SubscribeLogout(func(identityID string) {
		if err := manager.HandleRemoteLogout(context.Background(), identityID); err != nil {
			slog.Error("failed to handle remote logout",
				slog.String("identity_id", identityID),
				slog.String("error", err.Error()),
			)
		}
	})
	defer cancelLogoutSub()

	// 7. ナビゲーション種別に基づくハイドレーションゲート
	nav := navigation.NewController(
		platform.StaticNavigation(platform.NavigationKind(cfg.NavigationKind)),
		slog.Default(),
	)
	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	if nav.TrustPersisted() {
		if err := manager.Hydrate(startCtx); err != nil {
			slog.Warn("hydration failed, starting logged out", slog.String("error", err.Error()))
		}
	} else {
		if err := manager.DiscardPersisted(startCtx); err != nil {
			slog.Warn("failed to discard persisted session", slog.String("error", err.Error()))
		}
	}
	cancelStart()

	// 8. ドメインサービス
	resolver := continuity.NewResolver(scopedStore, narrativeClient, slog.Default(), collector)
	protocol := handoff.NewProtocol(scopedStore, slog.Default(), collector)
	sessionService := handler.NewSessionServiceAdapter(
		manager, identityClient, bus, resolver,
		int(cfg.DefaultSessionDuration.Seconds()), slog.Default(),
	)

	// 9. ルーターの構築
	// configのレート値はreq/min単位なのでreq/secに変換する
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rlCfg.GeneralBurst = cfg.RateLimitGeneral
	rlCfg.WishRate = rate.Limit(float64(cfg.RateLimitWish) / 60.0)
	rlCfg.WishBurst = cfg.RateLimitWish
	rl := middleware.NewRateLimiter(rlCfg)
	defer rl.Stop()

	deps := &handler.RouterDeps{
		SessionReader:     manager,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rl,

		SessionService: sessionService,
		StoreService:   scopedStore,
		HandoffService: protocol,
		GameService:    resolver,
		NodeFetcher:    narrativeClient,
		StoryService:   narrativeClient,
		ExplicitPrimer: resolver,
	}
	router := handler.NewRouter(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/", router)

	// 10. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("gateway server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down gateway server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("gateway server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 共有ストレージに接続し、期限切れブロードキャスト信号の掃除ジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("worker mode requires DATABASE_URL")
	}

	contextID := resolveContextID(cfg)
	area, err := storage.NewPostgresArea(cfg.DatabaseURL, contextID, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open shared storage: %w", err)
	}
	defer area.Close()

	slog.Info("shared storage connection established (worker)")

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	j := janitor.NewJanitor(area, collector, slog.Default())
	j.BroadcastTTL = cfg.BroadcastTTL

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("janitor_interval", cfg.JanitorInterval),
		slog.Duration("broadcast_ttl", cfg.BroadcastTTL),
	)

	// 掃除ジョブをメインgoroutineで実行（ブロッキング）
	j.Start(ctx, cfg.JanitorInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("migrate requires DATABASE_URL")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := storage.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
