// Package navigation はコンテキスト開始時に永続化された認証状態を
// 信頼してよいかどうかを判定する。
package navigation

import (
	"log/slog"

	"github.com/haruka/tensei/internal/platform"
)

// Controller はナビゲーション種別に基づく信頼判定を行う。
//
// リロードおよび戻る/進むによる開始では、トークンが未失効でも永続状態を
// 信頼しない（強制再ログイン）。これは意図的なハードニングか実装の副作用かが
// 未確定のままプロダクト確認待ちの挙動であり、承認なしに変えてはならない。
// 判定をこの型に隔離してあるため、方針転換時の変更は1箇所で済む。
type Controller struct {
	provider platform.NavigationKindProvider
	logger   *slog.Logger
}

// NewController はControllerを生成する。
func NewController(provider platform.NavigationKindProvider, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{provider: provider, logger: logger}
}

// TrustPersisted は永続化された認証状態をハイドレーションに使ってよいかを返す。
func (c *Controller) TrustPersisted() bool {
	kind := c.provider.Kind()
	trusted := kind == platform.NavigationNavigate

	c.logger.Info("navigation continuity decision",
		slog.String("kind", string(kind)),
		slog.Bool("trusted", trusted),
	)
	return trusted
}
