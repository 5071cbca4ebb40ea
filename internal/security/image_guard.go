package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ImageRefGuardService は物語ノードの画像参照の検証機能を定義する。
// 画像参照はLLM由来のペイロードに含まれるため、UIやプロキシが取得する前に
// SSRFにつながる参照を弾く必要がある。
type ImageRefGuardService interface {
	// ValidateRef は画像参照の安全性を検証する。
	// 空参照（画像なし）とEngineオリジン相対の/static/パスは常に許可される。
	// 絶対URLは信頼済みオリジンか、SSRF静的検証を通過した場合のみ許可される。
	ValidateRef(ref string) error

	// SafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// 信頼済みオリジン外の画像を取得する際に使用する。
	// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスも検証するため、
	// DNS再バインディング攻撃にも対応している。
	SafeClient(timeout time.Duration) *http.Client
}

// allowedSchemes は画像参照で許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はSSRF防止でブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateRefでの静的検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// imageRefGuard はImageRefGuardServiceの実装。
type imageRefGuard struct {
	// trustedOrigins は検証を免除するオリジン（scheme://host[:port]）。
	// Narrative Engine自身の静的配信オリジンを登録する。
	trustedOrigins map[string]struct{}
}

// NewImageRefGuard はImageRefGuardServiceの新しいインスタンスを生成する。
// trustedOriginsにはNarrative EngineのベースURL等、画像配信を信頼するオリジンを渡す。
func NewImageRefGuard(trustedOrigins ...string) *imageRefGuard {
	g := &imageRefGuard{trustedOrigins: make(map[string]struct{})}
	for _, o := range trustedOrigins {
		if parsed, err := url.Parse(o); err == nil && parsed.Host != "" {
			g.trustedOrigins[strings.ToLower(parsed.Scheme+"://"+parsed.Host)] = struct{}{}
		}
	}
	return g
}

// ValidateRef は画像参照の安全性を検証する。
func (g *imageRefGuard) ValidateRef(ref string) error {
	// 画像なしは正常（UIはプレースホルダを表示する）
	if ref == "" {
		return nil
	}

	// Engineオリジン相対の静的パス（オリジナルの /static/... 形式）
	if strings.HasPrefix(ref, "/") {
		if strings.HasPrefix(ref, "//") {
			return fmt.Errorf("protocol-relative image ref is not allowed: %s", ref)
		}
		return nil
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("invalid image ref: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in image ref: %s", ref)
	}

	// 信頼済みオリジンは以降の検証を免除する
	if _, ok := g.trustedOrigins[strings.ToLower(scheme+"://"+parsed.Host)]; ok {
		return nil
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	// ホスト名の場合: localhost等の危険なホスト名を拒否
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// SafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlのデフォルト設定により、プライベートIP・ループバック・リンクローカル・
// メタデータIPへのリクエストがブロックされる。
func (g *imageRefGuard) SafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}
