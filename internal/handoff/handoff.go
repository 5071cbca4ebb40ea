// Package handoff はゲーム画面と編年史画面の間で物語状態を1回限りで
// 引き渡すプロトコルを提供する。サーバー往復なし・リロード耐性ありで、
// 離脱した瞬間のゲーム状態へ正確に復帰できるようにする。
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/haruka/tensei/internal/model"
	"github.com/haruka/tensei/internal/scoped"
)

// スコープ付きストア内のキー。スナップショットと復帰先は必ず対で読み書きする。
const (
	snapshotKey = "handoff_snapshot"
	returnKey   = "handoff_return"
)

// MetricsRecorder は引き渡しイベントのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordHandoffStashed()
	RecordHandoffConsumed()
	RecordHandoffFailure(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RecordHandoffStashed()       {}
func (noopMetrics) RecordHandoffConsumed()      {}
func (noopMetrics) RecordHandoffFailure(string) {}

// Protocol はスナップショットと復帰先の対を、ちょうど1回だけ消費される形で受け渡す。
//
// 書き込みは生成側コンテキストだけが行い、消費側は破壊的読み取り
// （読んで即削除）しか行わない。2つの書き込みはアトミックではなく、
// どちらか一方しか残っていない場合は対全体を不在として扱う。
type Protocol struct {
	store   *scoped.Store
	logger  *slog.Logger
	metrics MetricsRecorder
}

// NewProtocol はProtocolを生成する。
func NewProtocol(store *scoped.Store, logger *slog.Logger, metrics MetricsRecorder) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Protocol{store: store, logger: logger, metrics: metrics}
}

// Stash は現在の物語状態と復帰先パスを対で保存する。
// 呼び出し側から見れば1つの論理的な単位であり、連続した2回の書き込みで行う。
func (p *Protocol) Stash(ctx context.Context, identityID string, snapshot *model.GameStateSnapshot, returnTarget string) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	if returnTarget == "" {
		return fmt.Errorf("return target is required")
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	if err := p.store.Set(ctx, identityID, snapshotKey, string(payload)); err != nil {
		return fmt.Errorf("failed to stash snapshot: %w", err)
	}
	if err := p.store.Set(ctx, identityID, returnKey, returnTarget); err != nil {
		return fmt.Errorf("failed to stash return target: %w", err)
	}

	p.metrics.RecordHandoffStashed()
	p.logger.Info("handoff pair stashed",
		slog.String("identity_id", identityID),
		slog.Int64("session_id", snapshot.SessionID),
		slog.Int64("node_id", snapshot.NodeID),
	)
	return nil
}

// Consume はスナップショットと復帰先を読み取り、成功時は両エントリを即座に削除する。
//
// どちらか一方でも欠けていればMISSING_HANDOFF_STATEを返す（復帰操作は無効化され、
// 汎用の入口へのフォールバックを使うべき状態）。
// スナップショットの解析に失敗した場合はMALFORMED_SNAPSHOTを返し、
// エントリは削除しない（再試行可能な回復可能エラー）。
func (p *Protocol) Consume(ctx context.Context, identityID string) (*model.GameStateSnapshot, string, error) {
	rawSnapshot, okSnap, err := p.store.Get(ctx, identityID, snapshotKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read stashed snapshot: %w", err)
	}
	returnTarget, okReturn, err := p.store.Get(ctx, identityID, returnKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read return target: %w", err)
	}

	if !okSnap || !okReturn {
		p.metrics.RecordHandoffFailure("missing")
		return nil, "", model.NewMissingHandoffStateError()
	}

	var snapshot model.GameStateSnapshot
	if err := json.Unmarshal([]byte(rawSnapshot), &snapshot); err != nil {
		// 解析失敗時はエントリを残したまま中断する。生成側が正しい対を
		// 積み直せば、次のConsumeは通常どおり成功する。
		p.metrics.RecordHandoffFailure("malformed")
		p.logger.Warn("stashed snapshot is malformed",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		return nil, "", model.NewMalformedSnapshotError(err.Error())
	}

	// 成功経路では、返す前に必ず両エントリを削除する（ちょうど1回の消費）
	if err := p.store.Remove(ctx, identityID, snapshotKey); err != nil {
		return nil, "", fmt.Errorf("failed to remove consumed snapshot: %w", err)
	}
	if err := p.store.Remove(ctx, identityID, returnKey); err != nil {
		return nil, "", fmt.Errorf("failed to remove consumed return target: %w", err)
	}

	p.metrics.RecordHandoffConsumed()
	p.logger.Info("handoff pair consumed",
		slog.String("identity_id", identityID),
		slog.Int64("session_id", snapshot.SessionID),
		slog.Int64("node_id", snapshot.NodeID),
	)
	return &snapshot, returnTarget, nil
}

// EntryKeys は引き渡しペアを構成するスコープ付きストアのキー名を返す。
// ジャニタが片割れだけ残った孤児エントリを判定するために使う。
func EntryKeys() (snapshot, returnTarget string) {
	return snapshotKey, returnKey
}
