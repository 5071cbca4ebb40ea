// Package scoped はアイデンティティ単位で名前空間を分離した一時K/Vストアを提供する。
// 同一ブラウザプロファイルでアカウントを切り替えても、
// 他アカウントの進行中のゲーム状態が漏洩・復活しないことを保証する。
package scoped

import (
	"context"
	"fmt"
	"strings"

	"github.com/haruka/tensei/internal/platform"
)

// keyPrefix はスコープ付きエントリが使うストレージキーの名前空間。
// ブロードキャスト系キーとは交わらない。
const keyPrefix = "scoped"

// Store はStorageArea上にアイデンティティ分離を実装する。
//
// この層には「現在のアイデンティティ」という暗黙のデフォルトは存在しない。
// 読み書きのたびに呼び出し側が期待するidentityIDを明示することで、
// どのアイデンティティがアクティブかに依存せず分離を証明可能にしている。
type Store struct {
	storage platform.StorageArea
}

// NewStore はStoreを生成する。
func NewStore(storage platform.StorageArea) *Store {
	return &Store{storage: storage}
}

// escapeComponent は合成キーの構成要素をパーセント符号化する。
// 区切り文字の':'を含む構成要素同士が同形の合成キーに潰れないようにする
// （例: (identity="u1:x", key="k") と (identity="u1", key="x:k")）。
// 符号化後の構成要素は':'を含まないため、合成は単射になる。
func escapeComponent(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, ":", "%3A")
}

// composeKey は(key, identityID)からストレージキーを決定的に合成する。
func composeKey(identityID, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, escapeComponent(identityID), escapeComponent(key))
}

// identityPrefix は指定アイデンティティの全エントリに共通するキー接頭辞を返す。
func identityPrefix(identityID string) string {
	return fmt.Sprintf("%s:%s:", keyPrefix, escapeComponent(identityID))
}

// KeyPrefix はスコープ付きキーの名前空間接頭辞を返す。ジャニタの走査に使う。
func KeyPrefix() string {
	return keyPrefix + ":"
}

// Set は指定アイデンティティのスコープに値を書き込む。
func (s *Store) Set(ctx context.Context, identityID, key, value string) error {
	if identityID == "" {
		return fmt.Errorf("identity ID is required")
	}
	if err := s.storage.Set(ctx, composeKey(identityID, key), value); err != nil {
		return fmt.Errorf("failed to set scoped entry: %w", err)
	}
	return nil
}

// Get は指定アイデンティティのスコープから値を取得する。
// 存在しない場合は第2戻り値がfalseになる。別アイデンティティの書き込みは決して見えない。
func (s *Store) Get(ctx context.Context, identityID, key string) (string, bool, error) {
	if identityID == "" {
		return "", false, fmt.Errorf("identity ID is required")
	}
	v, ok, err := s.storage.Get(ctx, composeKey(identityID, key))
	if err != nil {
		return "", false, fmt.Errorf("failed to get scoped entry: %w", err)
	}
	return v, ok, nil
}

// Remove は指定アイデンティティのスコープから値を削除する。存在しない場合は何もしない。
func (s *Store) Remove(ctx context.Context, identityID, key string) error {
	if identityID == "" {
		return fmt.Errorf("identity ID is required")
	}
	if err := s.storage.Remove(ctx, composeKey(identityID, key)); err != nil {
		return fmt.Errorf("failed to remove scoped entry: %w", err)
	}
	return nil
}

// PurgeIdentity は指定アイデンティティのスコープ付きエントリをすべて削除する。
// ローカルまたはブロードキャスト起因のログアウト時に呼び出す。
func (s *Store) PurgeIdentity(ctx context.Context, identityID string) error {
	if identityID == "" {
		return fmt.Errorf("identity ID is required")
	}

	keys, err := s.storage.Keys(ctx, identityPrefix(identityID))
	if err != nil {
		return fmt.Errorf("failed to list scoped entries: %w", err)
	}

	for _, k := range keys {
		if err := s.storage.Remove(ctx, k); err != nil {
			return fmt.Errorf("failed to purge scoped entry %s: %w", k, err)
		}
	}
	return nil
}
