// Package janitor は共有ストレージの定期掃除ジョブを提供する。
// ブロードキャスト信号キーは書きっぱなしで消費側が削除しないため、
// TTL（デフォルト1時間）を超過したエントリを定期バッチで削除する。
// あわせて、片割れだけ残った引き渡しエントリ（孤児ペア）も回収する。
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haruka/tensei/internal/broadcast"
	"github.com/haruka/tensei/internal/handoff"
	"github.com/haruka/tensei/internal/scoped"
)

// Store はジャニタが必要とする共有ストレージ操作の部分集合。
// storage.PostgresAreaの部分集合。
type Store interface {
	// PurgePrefixOlderThan は指定プレフィックスのうち最終更新がmaxAgeより
	// 古いエントリを削除し、削除件数を返す。
	PurgePrefixOlderThan(ctx context.Context, prefix string, maxAge time.Duration) (int64, error)
	// Keys は指定プレフィックスに一致するキーを返す。
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Remove は指定キーを削除する。
	Remove(ctx context.Context, key string) error
}

// MetricsRecorder は掃除メトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordStorageEntriesPurged(count int)
}

// Janitor は期限切れブロードキャスト信号と孤児引き渡しエントリの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type Janitor struct {
	store        Store
	metrics      MetricsRecorder
	logger       *slog.Logger
	BroadcastTTL time.Duration // ブロードキャスト信号の保持期間（デフォルト: 1時間）

	// orphanCandidates は前回の実行で孤児と判定されたキー。
	// Stashはスナップショットと復帰先を順に書くため、書き込みの合間を
	// 観測した可能性がある。2サイクル連続で孤児だったものだけを削除する。
	orphanCandidates map[string]struct{}
}

// NewJanitor は新しいJanitorを生成する。
// デフォルトのブロードキャスト保持期間は1時間。metricsはnilでもよい。
func NewJanitor(store Store, metrics MetricsRecorder, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:            store,
		metrics:          metrics,
		logger:           logger,
		BroadcastTTL:     time.Hour,
		orphanCandidates: make(map[string]struct{}),
	}
}

// Run は保持期間を超過したブロードキャスト信号と、2サイクル連続で
// 片割れだけだった引き渡しエントリを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *Janitor) Run(ctx context.Context) error {
	start := time.Now()

	purged, err := j.store.PurgePrefixOlderThan(ctx, broadcast.SignalKeyPrefix(), j.BroadcastTTL)
	if err != nil {
		j.logger.Error("ストレージ掃除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("broadcast_ttl", j.BroadcastTTL),
		)
		return fmt.Errorf("ストレージ掃除の実行に失敗: %w", err)
	}

	orphansRemoved, err := j.sweepOrphanHandoffs(ctx)
	if err != nil {
		j.logger.Error("孤児引き渡しエントリの掃除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("孤児引き渡しエントリの掃除に失敗: %w", err)
	}

	deleted := purged + orphansRemoved
	if j.metrics != nil {
		j.metrics.RecordStorageEntriesPurged(int(deleted))
	}

	duration := time.Since(start)
	j.logger.Info("ストレージ掃除ジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int64("orphan_handoff_count", orphansRemoved),
		slog.Duration("broadcast_ttl", j.BroadcastTTL),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// sweepOrphanHandoffs はスナップショットと復帰先のどちらか一方しか残っていない
// 引き渡しエントリを検出し、前回の実行から孤児のままのものを削除する。
func (j *Janitor) sweepOrphanHandoffs(ctx context.Context) (int64, error) {
	keys, err := j.store.Keys(ctx, scoped.KeyPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to list scoped keys: %w", err)
	}

	snapshotName, returnName := handoff.EntryKeys()
	snapshotSuffix := ":" + snapshotName
	returnSuffix := ":" + returnName

	// アイデンティティ接頭辞ごとに、存在する側のキーを記録する
	snapshots := make(map[string]string)
	returns := make(map[string]string)
	for _, k := range keys {
		switch {
		case strings.HasSuffix(k, snapshotSuffix):
			snapshots[strings.TrimSuffix(k, snapshotSuffix)] = k
		case strings.HasSuffix(k, returnSuffix):
			returns[strings.TrimSuffix(k, returnSuffix)] = k
		}
	}

	orphans := make(map[string]struct{})
	for base, k := range snapshots {
		if _, ok := returns[base]; !ok {
			orphans[k] = struct{}{}
		}
	}
	for base, k := range returns {
		if _, ok := snapshots[base]; !ok {
			orphans[k] = struct{}{}
		}
	}

	var removed int64
	for k := range orphans {
		// 今回初めて観測した孤児は候補に積むだけで削除しない
		if _, seen := j.orphanCandidates[k]; !seen {
			continue
		}
		if err := j.store.Remove(ctx, k); err != nil {
			return removed, fmt.Errorf("failed to remove orphan handoff entry: %w", err)
		}
		j.logger.Warn("removed orphan handoff entry",
			slog.String("key", k),
		)
		removed++
	}

	j.orphanCandidates = orphans
	return removed, nil
}

// Start は指定間隔のティッカーで掃除ジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("ストレージ掃除ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("broadcast_ttl", j.BroadcastTTL),
	)

	// 起動直後に1回実行
	if err := j.Run(ctx); err != nil {
		j.logger.Error("ストレージ掃除サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("ストレージ掃除ジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("ストレージ掃除サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
