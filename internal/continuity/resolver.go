// Package continuity はゲーム画面の初期化時に、複数の競合する状態ソースの中から
// 正となるものを厳密な優先順位で1つ選ぶ。選択以外の副作用は持たず、
// 消費したソースのクリアだけをちょうど1回行う。
package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haruka/tensei/internal/model"
	"github.com/haruka/tensei/internal/scoped"
)

// スコープ付きストア内のキー。
const (
	pendingRestoreKey = "pending_restore"
	pendingWishKey    = "pending_wish"
)

// Source は採用された状態ソースを表す。
type Source string

const (
	// SourceExplicit は直前に完了した操作（リトライ・編年史復帰）からの明示的な引き渡し。
	SourceExplicit Source = "explicit"
	// SourceRestore はウェルカム画面の「続きから」が積んだ復元スロット。
	SourceRestore Source = "restore"
	// SourceFreshWish は保留中の願いから新規ノードを生成するソース。
	SourceFreshWish Source = "fresh_wish"
	// SourceColdStart はコールドスタート。ユーザーに新しい願いを促す。
	SourceColdStart Source = "cold_start"
)

// Resolution は解決結果を表す。SourceColdStartのときSnapshotはnil。
type Resolution struct {
	Source   Source
	Snapshot *model.GameStateSnapshot
}

// NarrativeStarter は新しい物語の開始操作。Narrative Engineの部分集合。
type NarrativeStarter interface {
	StartStory(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error)
}

// MetricsRecorder は解決結果のメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordResolution(source string)
}

type noopMetrics struct{}

func (noopMetrics) RecordResolution(string) {}

// explicitEntry は明示的引き渡しスロットの中身。
type explicitEntry struct {
	identityID string
	snapshot   *model.GameStateSnapshot
}

// Resolver は状態ソースの優先順位解決を行う。
//
// 各ソースは非同期処理が始まる前に必ずクリアされる。再描画や遅いネットワーク応答が
// 同じソースを二度適用することはない。
type Resolver struct {
	store   *scoped.Store
	starter NarrativeStarter
	logger  *slog.Logger
	metrics MetricsRecorder

	mu       sync.Mutex
	explicit *explicitEntry
}

// NewResolver はResolverを生成する。
func NewResolver(store *scoped.Store, starter NarrativeStarter, logger *slog.Logger, metrics MetricsRecorder) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Resolver{store: store, starter: starter, logger: logger, metrics: metrics}
}

// SetExplicit は明示的引き渡しスロットに状態を積む。
// リトライ完了や編年史からの復帰の直後に呼ばれ、次のResolveで最優先で消費される。
func (r *Resolver) SetExplicit(identityID string, snapshot *model.GameStateSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explicit = &explicitEntry{identityID: identityID, snapshot: snapshot}
}

// ClearExplicit は明示的引き渡しスロットを空にする。ログアウト時に呼ぶ。
func (r *Resolver) ClearExplicit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.explicit = nil
}

// SetPendingRestore は「続きから」スロットにスナップショットを積む。
func (r *Resolver) SetPendingRestore(ctx context.Context, identityID string, snapshot *model.GameStateSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize restore snapshot: %w", err)
	}
	if err := r.store.Set(ctx, identityID, pendingRestoreKey, string(payload)); err != nil {
		return fmt.Errorf("failed to set pending restore: %w", err)
	}
	return nil
}

// SetPendingWish は保留中の願いを積む。次のゲーム画面初期化で新規生成の引き金になる。
func (r *Resolver) SetPendingWish(ctx context.Context, identityID, wish string) error {
	if wish == "" {
		return model.NewEmptyWishError()
	}
	if err := r.store.Set(ctx, identityID, pendingWishKey, wish); err != nil {
		return fmt.Errorf("failed to set pending wish: %w", err)
	}
	return nil
}

// Resolve はゲーム画面初期化時の状態ソースを優先順位どおりに1つ選ぶ。
// 最初に一致したソースが勝ち、他はすべて無視される（クリアもされない）。
func (r *Resolver) Resolve(ctx context.Context, identityID string) (*Resolution, error) {
	// 1. 明示的引き渡しスロット。読み取りとクリアは同一クリティカルセクションで行う。
	r.mu.Lock()
	entry := r.explicit
	r.explicit = nil
	r.mu.Unlock()

	if entry != nil {
		if entry.identityID == identityID {
			r.metrics.RecordResolution(string(SourceExplicit))
			r.logger.Info("game state resolved",
				slog.String("source", string(SourceExplicit)),
				slog.Int64("node_id", entry.snapshot.NodeID),
			)
			return &Resolution{Source: SourceExplicit, Snapshot: entry.snapshot}, nil
		}
		// 別アイデンティティの残骸は捨てて次へ進む
		r.logger.Warn("discarding explicit slot for stale identity",
			slog.String("slot_identity", entry.identityID),
		)
	}

	// 2. 「続きから」スロット。パースより先に削除する。
	rawRestore, ok, err := r.store.Get(ctx, identityID, pendingRestoreKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending restore: %w", err)
	}
	if ok {
		if err := r.store.Remove(ctx, identityID, pendingRestoreKey); err != nil {
			return nil, fmt.Errorf("failed to clear pending restore: %w", err)
		}
		var snapshot model.GameStateSnapshot
		if err := json.Unmarshal([]byte(rawRestore), &snapshot); err != nil {
			// 壊れた復元スロットは採用せず、次のソースへ落ちる（スロットは消費済み）
			r.logger.Warn("pending restore is malformed, skipping",
				slog.String("error", err.Error()),
			)
		} else {
			r.metrics.RecordResolution(string(SourceRestore))
			r.logger.Info("game state resolved",
				slog.String("source", string(SourceRestore)),
				slog.Int64("session_id", snapshot.SessionID),
			)
			return &Resolution{Source: SourceRestore, Snapshot: &snapshot}, nil
		}
	}

	// 3. 保留中の願い。非同期の生成が始まる前にクリアする。
	wish, ok, err := r.store.Get(ctx, identityID, pendingWishKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending wish: %w", err)
	}
	if ok {
		if err := r.store.Remove(ctx, identityID, pendingWishKey); err != nil {
			return nil, fmt.Errorf("failed to clear pending wish: %w", err)
		}

		snapshot, err := r.starter.StartStory(ctx, identityID, wish)
		if err != nil {
			return nil, fmt.Errorf("failed to start story for pending wish: %w", err)
		}

		r.metrics.RecordResolution(string(SourceFreshWish))
		r.logger.Info("game state resolved",
			slog.String("source", string(SourceFreshWish)),
			slog.Int64("session_id", snapshot.SessionID),
		)
		return &Resolution{Source: SourceFreshWish, Snapshot: snapshot}, nil
	}

	// 4. コールドスタート
	r.metrics.RecordResolution(string(SourceColdStart))
	return &Resolution{Source: SourceColdStart}, nil
}
