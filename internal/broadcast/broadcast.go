// Package broadcast はストレージ変更通知を搬送路とするコンテキスト間pub/subを提供する。
// サーバープッシュを使わずに、同一オリジンの全コンテキストへイベントを伝播する。
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/haruka/tensei/internal/platform"
)

// keyPrefix はブロードキャスト系キーの名前空間。scopedのキーとは交わらない。
const keyPrefix = "broadcast"

// TopicLogout はログアウト伝播用トピック。ペイロードはidentityID。
const TopicLogout = "logout"

// Handler はトピックへのイベントを受け取るコールバック。
// 配送はat-least-onceであり、同一ペイロードが複数回届いても冪等に処理すること。
type Handler func(payload string)

// Bus はStorageArea上のpub/subチャネル。
//
// 書き込みという行為自体がシグナルであり、値は読み返さない。
// 値には毎回異なるノンスを入れ、同値の再書き込みが変更通知を発火させない
// 環境でも再送が必ず観測されるようにしている。
type Bus struct {
	storage platform.StorageArea
	logger  *slog.Logger
}

// NewBus はBusを生成する。
func NewBus(storage platform.StorageArea, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{storage: storage, logger: logger}
}

// composeKey はトピックとペイロードからブロードキャストキーを合成する。
func composeKey(topic, payload string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, topic, payload)
}

// Publish はトピックへイベントを発行する。
// 値は一意なノンスで、変更通知を確実に発火させるためだけに存在する。
func (b *Bus) Publish(ctx context.Context, topic, payload string) error {
	nonce := uuid.New().String()
	if err := b.storage.Set(ctx, composeKey(topic, payload), nonce); err != nil {
		return fmt.Errorf("failed to publish broadcast signal: %w", err)
	}

	b.logger.Info("broadcast published",
		slog.String("topic", topic),
		slog.String("payload", payload),
	)
	return nil
}

// Subscribe はトピックの監視を開始する。戻り値を呼ぶと監視を解除する。
// 削除による変更（ジャニタによる掃除など）はイベントとして扱わない。
func (b *Bus) Subscribe(topic string, h Handler) (cancel func()) {
	prefix := fmt.Sprintf("%s:%s:", keyPrefix, topic)

	return b.storage.Watch(func(m platform.Mutation) {
		if m.Removed || !strings.HasPrefix(m.Key, prefix) {
			return
		}
		payload := strings.TrimPrefix(m.Key, prefix)

		b.logger.Info("broadcast received",
			slog.String("topic", topic),
			slog.String("payload", payload),
		)
		h(payload)
	})
}

// AnnounceLogout は指定アイデンティティのログアウトを全コンテキストへ通知する。
func (b *Bus) AnnounceLogout(ctx context.Context, identityID string) error {
	if identityID == "" {
		return fmt.Errorf("identity ID is required")
	}
	return b.Publish(ctx, TopicLogout, identityID)
}

// SubscribeLogout はログアウト通知の監視を開始する。
func (b *Bus) SubscribeLogout(h Handler) (cancel func()) {
	return b.Subscribe(TopicLogout, h)
}

// SignalKeyPrefix はブロードキャストキーの名前空間接頭辞を返す。ジャニタの掃除対象判定に使う。
func SignalKeyPrefix() string {
	return keyPrefix + ":"
}
