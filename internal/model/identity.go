// Package model はドメインモデルを定義する。
package model

import "time"

// Identity はクライアント側に保持する認証済みユーザーのプロフィールを表す。
// ログイン成功またはハイドレーション成功時に生成され、
// プロフィール更新で置き換えられ、ログアウトまたは強制ログアウト通知でnilになる。
type Identity struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Nickname      string `json:"nickname,omitempty"`
	Age           int    `json:"age,omitempty"`
	IdentityLabel string `json:"identity_label,omitempty"`
}

// CredentialSession はローカルで追跡する認証セッションのメタデータを表す。
// 実際のベアラートークンはアプリケーションロジックでは一切保持しない。
// トークンの輸送はIdentity Provider側のCookieが全責任を負い、
// こちらは有効期限のみを保持してリフレッシュのスケジューリングに使う。
type CredentialSession struct {
	ExpiresAt time.Time
}

// Remaining は現在時刻からの残り有効時間を返す。
func (s *CredentialSession) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Expired は指定時刻において期限切れかどうかを返す。
func (s *CredentialSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
