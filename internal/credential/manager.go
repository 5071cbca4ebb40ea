// Package credential は認証セッションのライフサイクル管理を提供する。
// トークン期限の追跡、先回りリフレッシュのスケジューリング、リフレッシュ失敗時の
// シグナル伝達を担う。401を受けてから慌てるのではなく、常に期限前に更新する。
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haruka/tensei/internal/model"
	"github.com/haruka/tensei/internal/platform"
	"github.com/haruka/tensei/internal/scoped"
)

// expiresAtKey は永続化する有効期限のストレージキー。
// ベアラートークン本体は決して保存しない（輸送はProvider側Cookieの責務）。
const expiresAtKey = "auth:expires_at"

// Provider はライフサイクル管理が必要とするIdentity Provider操作の部分集合。
type Provider interface {
	// CurrentIdentity は現在の認証Cookieに対応するアイデンティティを取得する。
	CurrentIdentity(ctx context.Context) (*model.Identity, error)
	// Refresh は認証セッションを更新し、新しい有効期間（秒）を返す。
	// Providerによっては正確な有効期間を返さないことがあり、その場合は0を返す。
	Refresh(ctx context.Context) (expiresInSeconds int, err error)
}

// MetricsRecorder はライフサイクルイベントのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordRefreshScheduled()
	RecordRefreshSuccess()
	RecordRefreshFailure()
	RecordLogout(source string)
}

// noopMetrics はメトリクス未配線時のデフォルト実装。
type noopMetrics struct{}

func (noopMetrics) RecordRefreshScheduled() {}
func (noopMetrics) RecordRefreshSuccess()   {}
func (noopMetrics) RecordRefreshFailure()   {}
func (noopMetrics) RecordLogout(string)     {}

// Config はライフサイクル管理の時間パラメータ。
type Config struct {
	// RefreshMargin は期限の何秒前にリフレッシュするか。
	RefreshMargin time.Duration
	// RefreshFloor はリフレッシュまでの最短待ち時間。
	RefreshFloor time.Duration
	// DefaultSessionDuration はリフレッシュ成功時に仮定する保守的な有効期間。
	// Providerが正確な新期限を返さない場合に使う。
	DefaultSessionDuration time.Duration
	// RefreshTimeout はリフレッシュ呼び出し1回のタイムアウト。
	RefreshTimeout time.Duration
}

// DefaultConfig はデフォルトの時間パラメータを返す。
func DefaultConfig() Config {
	return Config{
		RefreshMargin:          5 * time.Minute,
		RefreshFloor:           30 * time.Second,
		DefaultSessionDuration: time.Hour,
		RefreshTimeout:         10 * time.Second,
	}
}

// Manager は認証セッションのライフサイクルを管理する。
// アプリケーションインスタンスごとに1つ生成して参照で引き回す
// （プロセス全体のシングルトンにはしない。複数疑似コンテキストでのテストのため）。
type Manager struct {
	clock    platform.Clock
	storage  platform.StorageArea
	scoped   *scoped.Store
	provider Provider
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	mu       sync.Mutex
	identity *model.Identity
	session  *model.CredentialSession
	timer    platform.Timer
	// timerGen はタイマー世代番号。キャンセル済みタイマーの遅延発火が
	// 状態を壊さないよう、完了ハンドラは自分の世代が現役かを必ず確認する。
	timerGen uint64
	hydrated bool

	onRefreshFailed func(*model.APIError)
}

// NewManager はManagerを生成する。
func NewManager(
	clock platform.Clock,
	storage platform.StorageArea,
	scopedStore *scoped.Store,
	provider Provider,
	config Config,
	logger *slog.Logger,
	metrics MetricsRecorder,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Manager{
		clock:    clock,
		storage:  storage,
		scoped:   scopedStore,
		provider: provider,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// OnRefreshFailed はリフレッシュ失敗シグナルのハンドラを登録する。
// UI層が再認証プロンプトを出すために使う。自動リトライは行わない。
func (m *Manager) OnRefreshFailed(h func(*model.APIError)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRefreshFailed = h
}

// Identity は現在のアイデンティティを返す。未ログインならnil。
func (m *Manager) Identity() *model.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return nil
	}
	id := *m.identity
	return &id
}

// Hydrated はハイドレーション（またはその省略の確定）が完了したかを返す。
// ルートガードはこのゲートがtrueになるまでリダイレクト判断をしてはならない。
func (m *Manager) Hydrated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hydrated
}

// SetIdentity はアイデンティティを置き換える（プロフィール更新時）。
// セッションやタイマーには触れない。
func (m *Manager) SetIdentity(identity *model.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
}

// Login はログイン成功後のセッション確立を行う。
// 既存タイマーを無条件にキャンセルし、expiresAtを永続化し、
// max(duration - RefreshMargin, RefreshFloor) 後のリフレッシュを予約する。
// 連続して何度呼ばれても、生きているタイマーは常に1本だけになる。
func (m *Manager) Login(ctx context.Context, identity *model.Identity, durationSeconds int) error {
	duration := time.Duration(durationSeconds) * time.Second
	now := m.clock.Now()
	expiresAt := now.Add(duration)

	if err := m.storage.Set(ctx, expiresAtKey, strconv.FormatInt(expiresAt.Unix(), 10)); err != nil {
		return fmt.Errorf("failed to persist session expiry: %w", err)
	}

	m.mu.Lock()
	m.identity = identity
	m.session = &model.CredentialSession{ExpiresAt: expiresAt}
	m.hydrated = true
	m.scheduleRefreshLocked(duration)
	m.mu.Unlock()

	m.logger.Info("credential session established",
		slog.String("identity_id", identity.ID),
		slog.Int("duration_seconds", durationSeconds),
	)
	return nil
}

// scheduleRefreshLocked は既存タイマーを止めてから新しいリフレッシュを予約する。
// 「前のタイマーをキャンセルしてから新規予約」はロック内で行われ、
// タイマーが2本生きている状態は外から観測できない。muを保持して呼ぶこと。
func (m *Manager) scheduleRefreshLocked(duration time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
	gen := m.timerGen

	delay := duration - m.config.RefreshMargin
	if delay < m.config.RefreshFloor {
		delay = m.config.RefreshFloor
	}

	m.timer = m.clock.AfterFunc(delay, func() {
		m.refresh(gen)
	})
	m.metrics.RecordRefreshScheduled()

	m.logger.Info("credential refresh scheduled",
		slog.Duration("delay", delay),
	)
}

// refresh はタイマー発火時のリフレッシュ処理。
// 成功時はLoginと同じ意味論で保守的なデフォルト期間のセッションに入り直す。
// 失敗時は自分を取り下げ、セッションを破棄し、シグナルを発する（リトライしない。
// 死んだネットワークへのリトライストームを避ける）。
func (m *Manager) refresh(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.RefreshTimeout)
	defer cancel()

	expiresIn, err := m.provider.Refresh(ctx)

	m.mu.Lock()
	// 世代確認: このタイマーがもう現役でなければ（ログアウト・再ログイン済み）
	// 結果を黙って捨てる。
	if gen != m.timerGen {
		m.mu.Unlock()
		m.logger.Info("stale refresh timer fired, ignoring")
		return
	}

	if err != nil {
		m.timer = nil
		m.session = nil
		handler := m.onRefreshFailed
		m.mu.Unlock()

		m.metrics.RecordRefreshFailure()
		m.logger.Error("credential refresh failed",
			slog.String("error", err.Error()),
		)

		// 永続化された期限も破棄する（fail-closed）
		rmCtx, rmCancel := context.WithTimeout(context.Background(), m.config.RefreshTimeout)
		defer rmCancel()
		if rmErr := m.storage.Remove(rmCtx, expiresAtKey); rmErr != nil {
			m.logger.Error("failed to clear persisted expiry", slog.String("error", rmErr.Error()))
		}

		if handler != nil {
			handler(model.NewRefreshFailedError(err.Error()))
		}
		return
	}

	duration := m.config.DefaultSessionDuration
	if expiresIn > 0 {
		duration = time.Duration(expiresIn) * time.Second
	}
	expiresAt := m.clock.Now().Add(duration)
	m.session = &model.CredentialSession{ExpiresAt: expiresAt}
	m.scheduleRefreshLocked(duration)
	m.mu.Unlock()

	m.metrics.RecordRefreshSuccess()

	if err := m.storage.Set(ctx, expiresAtKey, strconv.FormatInt(expiresAt.Unix(), 10)); err != nil {
		m.logger.Error("failed to persist refreshed expiry", slog.String("error", err.Error()))
	}

	m.logger.Info("credential session refreshed",
		slog.Duration("duration", duration),
	)
}

// Hydrate はコンテキスト開始時に永続化された認証状態の復元を試みる。
// Navigation Continuity Controllerが永続状態を信頼すると判断した場合のみ呼ぶこと。
// 期限切れ・取得失敗はすべてクリーンなログアウト状態へ収束させる（fail-closed）。
func (m *Manager) Hydrate(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.hydrated = true
		m.mu.Unlock()
	}()

	raw, ok, err := m.storage.Get(ctx, expiresAtKey)
	if err != nil {
		return fmt.Errorf("failed to read persisted expiry: %w", err)
	}
	if !ok {
		m.logger.Info("no persisted credential session")
		return nil
	}

	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// 壊れた永続値はログアウト状態として扱い、掃除する
		m.logger.Warn("malformed persisted expiry, discarding", slog.String("raw", raw))
		return m.DiscardPersisted(ctx)
	}

	remaining := time.Unix(unix, 0).Sub(m.clock.Now())
	if remaining <= 0 {
		m.logger.Info("persisted credential session expired")
		return m.DiscardPersisted(ctx)
	}

	identity, err := m.provider.CurrentIdentity(ctx)
	if err != nil {
		m.logger.Warn("hydration identity fetch failed, treating as logged out",
			slog.String("error", err.Error()),
		)
		return m.DiscardPersisted(ctx)
	}

	m.mu.Lock()
	m.identity = identity
	m.session = &model.CredentialSession{ExpiresAt: time.Unix(unix, 0)}
	m.scheduleRefreshLocked(remaining)
	m.mu.Unlock()

	m.logger.Info("credential session hydrated",
		slog.String("identity_id", identity.ID),
		slog.Duration("remaining", remaining),
	)
	return nil
}

// DiscardPersisted は永続化された認証状態を信頼せずに破棄し、
// ログアウト状態でハイドレーション完了とする。
// リロード/戻る進む由来のコンテキスト開始時に使う。
func (m *Manager) DiscardPersisted(ctx context.Context) error {
	m.mu.Lock()
	m.hydrated = true
	m.mu.Unlock()

	if err := m.storage.Remove(ctx, expiresAtKey); err != nil {
		return fmt.Errorf("failed to discard persisted expiry: %w", err)
	}
	return nil
}

// Logout はローカルのログアウト処理を行う。冪等であり、何度呼んでも同じ終端状態になる。
// タイマーは存在の有無にかかわらず無条件にキャンセルする。
// 遅延発火したリフレッシュ完了は世代確認により必ず空振りする。
func (m *Manager) Logout(ctx context.Context) error {
	return m.logout(ctx, "local")
}

func (m *Manager) logout(ctx context.Context, source string) error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++ // 飛行中のリフレッシュ完了を無効化する
	identityID := ""
	if m.identity != nil {
		identityID = m.identity.ID
	}
	m.identity = nil
	m.session = nil
	m.hydrated = true
	m.mu.Unlock()

	if err := m.storage.Remove(ctx, expiresAtKey); err != nil {
		return fmt.Errorf("failed to clear persisted expiry: %w", err)
	}

	// アイデンティティに紐づくスコープ付きエントリを掃除する
	if identityID != "" {
		if err := m.scoped.PurgeIdentity(ctx, identityID); err != nil {
			return fmt.Errorf("failed to purge scoped entries: %w", err)
		}
		m.metrics.RecordLogout(source)
		m.logger.Info("logged out",
			slog.String("identity_id", identityID),
			slog.String("source", source),
		)
	}
	return nil
}

// HandleRemoteLogout はブロードキャストで観測したログアウト通知を処理する。
// 通知のidentityIDが現在のアイデンティティと一致する場合のみローカルログアウトを行う。
// at-least-once配送のため、既にログアウト済みの場合は何もしない（冪等）。
func (m *Manager) HandleRemoteLogout(ctx context.Context, identityID string) error {
	m.mu.Lock()
	current := m.identity
	m.mu.Unlock()

	if current == nil || current.ID != identityID {
		return nil
	}

	m.logger.Info("remote logout signal for current identity",
		slog.String("identity_id", identityID),
	)
	return m.logout(ctx, "broadcast")
}
