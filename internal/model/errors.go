package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, handoff, narrative, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthExpired          = "AUTH_EXPIRED"
	ErrCodeRefreshFailed        = "REFRESH_FAILED"
	ErrCodeMalformedSnapshot    = "MALFORMED_SNAPSHOT"
	ErrCodeMissingHandoffState  = "MISSING_HANDOFF_STATE"
	ErrCodeIdentityUnavailable  = "IDENTITY_UNAVAILABLE"
	ErrCodeNarrativeUnavailable = "NARRATIVE_UNAVAILABLE"
	ErrCodeInvalidSaveStatus    = "INVALID_SAVE_STATUS"
	ErrCodeEmptyWish            = "EMPTY_WISH"
	ErrCodeNotAuthenticated     = "NOT_AUTHENTICATED"
)

// NewAuthExpiredError は認証期限切れエラーを生成する。
// 再ログイン以外に回復手段はない。
func NewAuthExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthExpired,
		Message:  "認証セッションの有効期限が切れています。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewRefreshFailedError はトークンリフレッシュ失敗エラーを生成する。
// 現在のタイマーサイクルにとっては終端であり、自動リトライは行わない。
func NewRefreshFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeRefreshFailed,
		Message:  fmt.Sprintf("認証セッションの更新に失敗しました: %s", reason),
		Category: "auth",
		Action:   "ネットワーク状態を確認のうえ、再度ログインしてください。",
	}
}

// NewMalformedSnapshotError はスナップショット解析失敗エラーを生成する。
// 回復可能であり、引き渡しエントリは削除されないため再試行できる。
func NewMalformedSnapshotError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeMalformedSnapshot,
		Message:  fmt.Sprintf("保存されたゲーム状態を読み取れませんでした: %s", reason),
		Category: "handoff",
		Action:   "ゲーム画面に戻ってから、もう一度お試しください。",
	}
}

// NewMissingHandoffStateError は引き渡し状態欠落エラーを生成する。
// スナップショットと復帰先のどちらか一方でも欠けていれば対は不在として扱う。
func NewMissingHandoffStateError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingHandoffState,
		Message:  "復帰できるゲーム状態が見つかりません。",
		Category: "handoff",
		Action:   "トップページから続きを再開してください。",
	}
}

// NewIdentityUnavailableError はIdentity Provider呼び出し失敗エラーを生成する。
func NewIdentityUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeIdentityUnavailable,
		Message:  fmt.Sprintf("認証サービスに接続できません: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNarrativeUnavailableError はNarrative Engine呼び出し失敗エラーを生成する。
func NewNarrativeUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeNarrativeUnavailable,
		Message:  fmt.Sprintf("物語生成サービスに接続できません: %s", reason),
		Category: "narrative",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidSaveStatusError は無効なセーブ状態エラーを生成する。
func NewInvalidSaveStatusError(status string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSaveStatus,
		Message:  fmt.Sprintf("無効なセーブ状態です: %s", status),
		Category: "validation",
		Action:   "セーブ状態には active、completed、failed のいずれかを指定してください。",
	}
}

// NewEmptyWishError は空の願いエラーを生成する。
func NewEmptyWishError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyWish,
		Message:  "重生の願いが入力されていません。",
		Category: "validation",
		Action:   "重生したい姿や職業を入力してください。",
	}
}

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてからお試しください。",
	}
}

// HasCode はerrがラップ階層のどこかで指定コードのAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}
