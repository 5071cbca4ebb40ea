package handler

import (
	"context"
	"log/slog"

	"github.com/haruka/tensei/internal/broadcast"
	"github.com/haruka/tensei/internal/continuity"
	"github.com/haruka/tensei/internal/credential"
	"github.com/haruka/tensei/internal/handoff"
	"github.com/haruka/tensei/internal/model"
	"github.com/haruka/tensei/internal/narrative"
	"github.com/haruka/tensei/internal/scoped"
)

// IdentityGateway はセッションアダプタが必要とするIdentity Provider操作の部分集合。
type IdentityGateway interface {
	Login(ctx context.Context, email, password string) (identity *model.Identity, expiresInSeconds int, err error)
	Logout(ctx context.Context) error
}

// SessionServiceAdapter はログイン・ログアウトのフロー全体を
// SessionServiceInterfaceに適合させるアダプタ。
//
// ログインはProvider認証とローカルセッション確立の合成、
// ログアウトはローカル破棄・Provider失効・他コンテキストへの通知の合成になる。
type SessionServiceAdapter struct {
	manager  *credential.Manager
	gateway  IdentityGateway
	bus      *broadcast.Bus
	resolver *continuity.Resolver
	logger   *slog.Logger

	// fallbackSessionSeconds はProviderが有効期間を返さない場合に使う保守的な既定値。
	fallbackSessionSeconds int
}

// NewSessionServiceAdapter はSessionServiceAdapterを生成する。
func NewSessionServiceAdapter(
	manager *credential.Manager,
	gateway IdentityGateway,
	bus *broadcast.Bus,
	resolver *continuity.Resolver,
	fallbackSessionSeconds int,
	logger *slog.Logger,
) *SessionServiceAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionServiceAdapter{
		manager:                manager,
		gateway:                gateway,
		bus:                    bus,
		resolver:               resolver,
		fallbackSessionSeconds: fallbackSessionSeconds,
		logger:                 logger,
	}
}

// Login はProviderで認証し、成功したらローカルのセッションライフサイクルを開始する。
func (a *SessionServiceAdapter) Login(ctx context.Context, email, password string) (*model.Identity, error) {
	identity, expiresIn, err := a.gateway.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if expiresIn <= 0 {
		expiresIn = a.fallbackSessionSeconds
	}
	if err := a.manager.Login(ctx, identity, expiresIn); err != nil {
		return nil, err
	}
	return identity, nil
}

// Logout はローカル状態を破棄し、Provider側セッションを失効させ、
// 他コンテキストへログアウトを通知する。
//
// ローカル破棄が最優先で、Provider失効の失敗ではログアウトを中断しない
// （ネットワーク断でもこのコンテキストは必ずログアウト状態に収束する）。
func (a *SessionServiceAdapter) Logout(ctx context.Context) error {
	identityID := ""
	if identity := a.manager.Identity(); identity != nil {
		identityID = identity.ID
	}

	a.resolver.ClearExplicit()
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}

	if err := a.gateway.Logout(ctx); err != nil {
		a.logger.Warn("identity provider logout failed, local state already cleared",
			slog.String("error", err.Error()),
		)
	}

	if identityID != "" {
		if err := a.bus.AnnounceLogout(ctx, identityID); err != nil {
			a.logger.Warn("failed to announce logout to other contexts",
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Identity は現在のアイデンティティを返す。
func (a *SessionServiceAdapter) Identity() *model.Identity {
	return a.manager.Identity()
}

// Hydrated はハイドレーション完了済みかを返す。
func (a *SessionServiceAdapter) Hydrated() bool {
	return a.manager.Hydrated()
}

// --- compile-time interface checks ---

var _ SessionServiceInterface = (*SessionServiceAdapter)(nil)
var _ StoreServiceInterface = (*scoped.Store)(nil)
var _ HandoffServiceInterface = (*handoff.Protocol)(nil)
var _ GameServiceInterface = (*continuity.Resolver)(nil)
var _ ExplicitPrimer = (*continuity.Resolver)(nil)
var _ StoryServiceInterface = (*narrative.Client)(nil)
var _ NodeFetcherInterface = (*narrative.Client)(nil)
