// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/haruka/tensei/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityIDContextKey はリクエストコンテキストにアイデンティティIDを格納するためのキー。
var identityIDContextKey = contextKey("identity_id")

// SessionReader は現在のセッション状態の読み取りに必要なインターフェース。
// credential.Managerの部分集合として定義する。
type SessionReader interface {
	Identity() *model.Identity
	Hydrated() bool
}

// NewIdentityMiddleware はゲートウェイの現在のセッション状態から
// 認証済みアイデンティティを解決するミドルウェアを返す。
// アイデンティティIDをリクエストコンテキストに注入する。
// 未認証リクエストには401でNOT_AUTHENTICATEDを返す。
// ハイドレーション完了前のリクエストも未認証として扱う。
func NewIdentityMiddleware(session SessionReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !session.Hydrated() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}
			identity := session.Identity()
			if identity == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			ctx := context.WithValue(r.Context(), identityIDContextKey, identity.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityIDFromContext はリクエストコンテキストからアイデンティティIDを取得する。
// アイデンティティミドルウェアを通過したリクエストでのみ有効。
func IdentityIDFromContext(ctx context.Context) (string, error) {
	identityID, ok := ctx.Value(identityIDContextKey).(string)
	if !ok || identityID == "" {
		return "", fmt.Errorf("identity ID not found in context")
	}
	return identityID, nil
}

// ContextWithIdentityID はコンテキストにアイデンティティIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentityID(ctx context.Context, identityID string) context.Context {
	return context.WithValue(ctx, identityIDContextKey, identityID)
}
