package platform

// NavigationKind はコンテキスト開始時のナビゲーション種別を表す。
type NavigationKind string

const (
	// NavigationNavigate は通常遷移（リンク・アドレス入力）による開始を示す。
	NavigationNavigate NavigationKind = "navigate"
	// NavigationReload はリロードによる開始を示す。
	NavigationReload NavigationKind = "reload"
	// NavigationBackForward は戻る/進む操作による開始を示す。
	NavigationBackForward NavigationKind = "back_forward"
)

// NavigationKindProvider はコンテキスト開始時のナビゲーション種別を提供する。
// ブラウザホストではNavigation Timing APIの値を、テストでは固定値を返す。
type NavigationKindProvider interface {
	Kind() NavigationKind
}

// StaticNavigation は固定のナビゲーション種別を返すProvider。
type StaticNavigation NavigationKind

// Kind は固定値を返す。
func (s StaticNavigation) Kind() NavigationKind { return NavigationKind(s) }
