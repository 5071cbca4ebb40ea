package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haruka/tensei/internal/platform"
	"github.com/lib/pq"
)

// notifyChannel はストレージ変更通知のLISTEN/NOTIFYチャネル名。
const notifyChannel = "tensei_storage_mutations"

// pq.Listenerの再接続間隔。
const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
)

// mutationPayload はNOTIFYで搬送する変更通知のワイヤ形式。
// originは変更元コンテキストIDで、自分の書き込みを自分に配送しないために使う。
// 値そのものは載せない。pg_notifyのペイロードは約8000バイトで上限があり、
// 大きなスナップショットを書くと書き込みトランザクションごと失敗するため。
// 値が必要なウォッチャーはキーを手掛かりに読み直す。
type mutationPayload struct {
	Key     string `json:"key"`
	Removed bool   `json:"removed,omitempty"`
	Origin  string `json:"origin"`
}

// PostgresArea は共有ストレージ領域のPostgreSQL実装。
//
// 1インスタンスが1つのブラウジングコンテキスト視点を表す。同じデータベースに
// 接続した別プロセスのインスタンスとは、storage_entriesテーブルを介して
// 同じ領域を共有し、変更はNOTIFYで相互に観測される。
type PostgresArea struct {
	db        *sql.DB
	listener  *pq.Listener
	contextID string
	logger    *slog.Logger

	mu       sync.Mutex
	watchers map[int]platform.Watcher
	nextID   int
	closed   bool
	done     chan struct{}
}

var _ platform.StorageArea = (*PostgresArea)(nil)

// NewPostgresArea はPostgresAreaを生成し、変更通知の受信を開始する。
// contextIDはこのコンテキストを一意に識別する文字列で、自己通知の抑制に使う。
func NewPostgresArea(databaseURL, contextID string, logger *slog.Logger) (*PostgresArea, error) {
	if contextID == "" {
		return nil, fmt.Errorf("context ID is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := Open(databaseURL)
	if err != nil {
		return nil, err
	}

	// pq.ListenerのListenは接続確立まで再試行し続けるため、先に到達性を確認する
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	listener := pq.NewListener(databaseURL, listenerMinReconnect, listenerMaxReconnect,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				logger.Error("storage listener event",
					slog.Int("event", int(event)),
					slog.String("error", err.Error()),
				)
			}
		})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	a := &PostgresArea{
		db:        db,
		listener:  listener,
		contextID: contextID,
		logger:    logger,
		watchers:  make(map[int]platform.Watcher),
		done:      make(chan struct{}),
	}
	go a.dispatchLoop()

	return a, nil
}

// Close は通知受信を停止し、データベース接続を閉じる。
func (a *PostgresArea) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	a.listener.Close()
	return a.db.Close()
}

// Get は指定キーの値を返す。
func (a *PostgresArea) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := a.db.QueryRowContext(ctx,
		`SELECT value FROM storage_entries WHERE key = $1`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read storage entry: %w", err)
	}
	return value, true, nil
}

// Set は指定キーに値を書き込み、書き込みと同一トランザクションで
// 他コンテキストへ変更を通知する。
func (a *PostgresArea) Set(ctx context.Context, key, value string) error {
	payload, err := encodePayload(mutationPayload{Key: key, Origin: a.contextID})
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO storage_entries (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	); err != nil {
		return fmt.Errorf("failed to write storage entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
		return fmt.Errorf("failed to notify storage mutation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit storage write: %w", err)
	}
	return nil
}

// Remove は指定キーを削除する。存在しないキーの削除は通知を発しない。
func (a *PostgresArea) Remove(ctx context.Context, key string) error {
	payload, err := encodePayload(mutationPayload{Key: key, Removed: true, Origin: a.contextID})
	if err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM storage_entries WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to remove storage entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count removed entries: %w", err)
	}

	if affected > 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload); err != nil {
			return fmt.Errorf("failed to notify storage removal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit storage removal: %w", err)
	}
	return nil
}

// Keys は指定プレフィックスに一致するキーをソート順で返す。
func (a *PostgresArea) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT key FROM storage_entries WHERE key LIKE $1 ORDER BY key`,
		likePattern(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan storage key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate storage keys: %w", err)
	}
	return keys, nil
}

// Watch は他コンテキストの変更監視を開始する。
func (a *PostgresArea) Watch(w platform.Watcher) (cancel func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.watchers[id] = w
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.watchers, id)
		a.mu.Unlock()
	}
}

// PurgePrefixOlderThan は指定プレフィックスのうち最終更新がmaxAgeより古い
// エントリを削除し、削除件数を返す。ジャニタの定期掃除から使う。
// 掃除はブロードキャストすべき変更ではないため、NOTIFYは発しない。
func (a *PostgresArea) PurgePrefixOlderThan(ctx context.Context, prefix string, maxAge time.Duration) (int64, error) {
	interval := fmt.Sprintf("%d seconds", int64(maxAge.Seconds()))

	result, err := a.db.ExecContext(ctx,
		`DELETE FROM storage_entries WHERE key LIKE $1 AND updated_at < now() - $2::interval`,
		likePattern(prefix), interval,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge aged entries: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}
	return deleted, nil
}

// dispatchLoop はNOTIFYを受信してウォッチャーへ配送する。
// 自コンテキスト発の通知は配送しない。
func (a *PostgresArea) dispatchLoop() {
	for {
		select {
		case <-a.done:
			return
		case n, ok := <-a.listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届くことがある
			if n == nil {
				continue
			}

			var payload mutationPayload
			if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
				a.logger.Warn("malformed storage notification, ignoring",
					slog.String("error", err.Error()),
				)
				continue
			}
			if payload.Origin == a.contextID {
				continue
			}

			a.deliver(platform.Mutation{
				Key:     payload.Key,
				Removed: payload.Removed,
			})
		}
	}
}

// deliver は登録済みウォッチャーへ変更を配送する。
func (a *PostgresArea) deliver(m platform.Mutation) {
	a.mu.Lock()
	ws := make([]platform.Watcher, 0, len(a.watchers))
	for _, w := range a.watchers {
		ws = append(ws, w)
	}
	a.mu.Unlock()

	for _, w := range ws {
		w(m)
	}
}

// encodePayload は通知ペイロードをJSONに符号化する。
func encodePayload(p mutationPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode mutation payload: %w", err)
	}
	return string(raw), nil
}

// likePattern はプレフィックスをLIKEパターンへ変換する。
// LIKEのメタ文字をエスケープし、前方一致のみを表現する。
func likePattern(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
