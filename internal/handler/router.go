package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/haruka/tensei/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionReader     middleware.SessionReader
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// セッション
	SessionService SessionServiceInterface

	// スコープ付きストア
	StoreService StoreServiceInterface

	// 引き渡し
	HandoffService HandoffServiceInterface

	// ゲーム状態解決
	GameService GameServiceInterface
	NodeFetcher NodeFetcherInterface

	// 物語
	StoryService   StoryServiceInterface
	ExplicitPrimer ExplicitPrimer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → IdentityMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// セッション状態の参照とログイン（/session/identity, /session/login）、
// ヘルスチェックは認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 全ルートに効くミドルウェア
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.SessionService)
	storeHandler := NewStoreHandler(deps.StoreService)
	handoffHandler := NewHandoffHandler(deps.HandoffService)
	gameHandler := NewGameHandler(deps.GameService, deps.NodeFetcher)
	storyHandler := NewStoryHandler(deps.StoryService, deps.ExplicitPrimer)

	// --- 認証不要のルート ---

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// セッション確立前に呼ばれるエンドポイント
	r.Route("/session", func(r chi.Router) {
		r.Get("/identity", sessionHandler.State)
		r.Post("/login", sessionHandler.Login)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(deps.SessionReader))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ログアウトは認証済みセッションに対する操作
		r.Post("/session/logout", sessionHandler.Logout)

		// スコープ付きK/Vストア
		r.Route("/api/store/{key}", func(r chi.Router) {
			r.Get("/", storeHandler.GetEntry)
			r.Put("/", storeHandler.PutEntry)
			r.Delete("/", storeHandler.DeleteEntry)
		})

		// 画面間の1回限り状態引き渡し
		r.Route("/api/handoff", func(r chi.Router) {
			r.Post("/", handoffHandler.Stash)
			r.Post("/consume", handoffHandler.Consume)
		})

		// ゲーム画面の状態解決
		r.Route("/api/game", func(r chi.Router) {
			r.Post("/resolve", gameHandler.Resolve)
			r.Post("/pending-restore", gameHandler.PendingRestore)
			r.Post("/pending-wish", gameHandler.PendingWish)
		})

		// 物語操作
		r.Route("/api/story", func(r chi.Router) {
			// POST /api/story/start - 物語生成はLLM呼び出しを伴うため専用レート制限を追加
			r.With(deps.RateLimiter.WishMiddleware()).Post("/start", storyHandler.StartStory)

			r.Post("/continue", storyHandler.ContinueStory)
			r.Post("/retry", storyHandler.RetryStory)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", storyHandler.ListSessions)
				r.Get("/{id}", storyHandler.GetSession)
			})

			r.Route("/saves", func(r chi.Router) {
				r.Get("/", storyHandler.ListSaves)
				r.Post("/", storyHandler.CreateSave)
				r.Patch("/{id}", storyHandler.UpdateSave)
				r.Delete("/{id}", storyHandler.DeleteSave)
			})
		})
	})

	return r
}
