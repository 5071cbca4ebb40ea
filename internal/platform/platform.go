// Package platform はブラウジングコンテキスト相当の実行環境への依存を抽象化する。
// 永続ストレージ領域・ナビゲーション種別・時計をインターフェースとして切り出すことで、
// コアロジックを非ブラウザホストへ移植可能にし、テストでの差し替えを容易にする。
package platform

import (
	"context"
	"time"
)

// Mutation はストレージ領域への1回の変更を表す。
// 削除の場合はRemovedがtrueとなりValueは空文字列になる。
// Valueの搬送はベストエフォートで、通知ペイロードに上限のある実装では
// 空文字列になる。値が必要なウォッチャーはキーで読み直すこと。
type Mutation struct {
	Key     string
	Value   string
	Removed bool
}

// Watcher はストレージ変更通知を受け取るコールバック。
type Watcher func(Mutation)

// StorageArea は同一オリジンの全コンテキストが共有する永続K/Vストレージ領域を表す。
//
// 共有・非ロック・非トランザクショナルであり、読み書き競合の回避は規約に依る:
// スナップショット/復帰先の対はそれを生成したコンテキストのみが書き込み、
// 他コンテキストは破壊的読み取り（読んで即削除）か、
// スナップショットキーと交わらない名前空間へのブロードキャスト書き込みしか行わない。
// これは設計上の前提であり、実行時に強制される保証ではない。
type StorageArea interface {
	// Get は指定キーの値を返す。存在しない場合は第2戻り値がfalseになる。
	Get(ctx context.Context, key string) (string, bool, error)
	// Set は指定キーに値を書き込む。
	Set(ctx context.Context, key, value string) error
	// Remove は指定キーを削除する。存在しない場合は何もしない。
	Remove(ctx context.Context, key string) error
	// Keys は指定プレフィックスに一致するキーの一覧を返す。
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Watch は他コンテキストによる変更の監視を開始する。
	// 自コンテキストの変更は通知されない（ブラウザのstorageイベントと同じ挙動）。
	// 配送はat-least-onceで、順序保証はない。戻り値を呼ぶと監視を解除する。
	Watch(w Watcher) (cancel func())
}

// Clock は時刻取得とタイマー起動を抽象化する。
type Clock interface {
	Now() time.Time
	// AfterFunc はd経過後にfを別ゴルーチンで1回呼び出すタイマーを起動する。
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer は起動済みタイマーを表す。
type Timer interface {
	// Stop はタイマーを停止する。発火前に停止できた場合はtrueを返す。
	Stop() bool
}

// SystemClock は実時間のClock実装。
type SystemClock struct{}

// Now は現在時刻を返す。
func (SystemClock) Now() time.Time { return time.Now() }

// AfterFunc はtime.AfterFuncをラップする。
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
