// Package identity はIdentity ProviderのHTTPクライアントを提供する。
// 認証はHTTP-only Cookieベースのため、クライアントはcookiejarを保持し、
// ログインで受け取ったセッションCookieを以降のリクエストに自動で付与する。
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/haruka/tensei/internal/credential"
	"github.com/haruka/tensei/internal/model"
)

// compile-time interface check
var _ credential.Provider = (*Client)(nil)

// defaultTimeout はIdentity Providerへのリクエストのタイムアウト。
const defaultTimeout = 10 * time.Second

// Client はIdentity ProviderのHTTPクライアント。
// credential.Providerを実装し、Managerのリフレッシュとハイドレーションから使われる。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientがnilの場合、cookiejar付きのクライアントを内部で生成する。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("identity provider base URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient = &http.Client{
			Jar:     jar,
			Timeout: defaultTimeout,
		}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// loginRequest はログインエンドポイントへのリクエストボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionResponse はログイン・リフレッシュ応答の共通形式。
type sessionResponse struct {
	Identity         *model.Identity `json:"identity"`
	ExpiresInSeconds int             `json:"expires_in_seconds"`
}

// Login は資格情報でログインし、アイデンティティとセッション有効期間（秒）を返す。
// セッションCookieはcookiejarに保存される。
func (c *Client) Login(ctx context.Context, email, password string) (*model.Identity, int, error) {
	payload, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode login request: %w", err)
	}

	body, status, err := c.do(ctx, http.MethodPost, "/auth/login", bytes.NewReader(payload))
	if err != nil {
		return nil, 0, model.NewIdentityUnavailableError(err.Error())
	}
	if status == http.StatusUnauthorized {
		return nil, 0, model.NewNotAuthenticatedError()
	}
	if status != http.StatusOK {
		return nil, 0, model.NewIdentityUnavailableError(
			fmt.Sprintf("login returned status %d", status))
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, model.NewIdentityUnavailableError(
			fmt.Sprintf("failed to parse login response: %v", err))
	}
	if resp.Identity == nil || resp.Identity.ID == "" {
		return nil, 0, model.NewIdentityUnavailableError("login response is missing identity")
	}

	c.logger.Info("identity provider login succeeded",
		slog.String("identity_id", resp.Identity.ID),
		slog.Int("expires_in_seconds", resp.ExpiresInSeconds),
	)
	return resp.Identity, resp.ExpiresInSeconds, nil
}

// CurrentIdentity は現在のセッションCookieに対応するアイデンティティを取得する。
// 未認証（401）の場合はNOT_AUTHENTICATEDを返す。
func (c *Client) CurrentIdentity(ctx context.Context) (*model.Identity, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		return nil, model.NewIdentityUnavailableError(err.Error())
	}
	if status == http.StatusUnauthorized {
		return nil, model.NewNotAuthenticatedError()
	}
	if status != http.StatusOK {
		return nil, model.NewIdentityUnavailableError(
			fmt.Sprintf("identity fetch returned status %d", status))
	}

	var identity model.Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, model.NewIdentityUnavailableError(
			fmt.Sprintf("failed to parse identity response: %v", err))
	}
	if identity.ID == "" {
		return nil, model.NewIdentityUnavailableError("identity response is missing id")
	}
	return &identity, nil
}

// Refresh はセッションを更新し、新しい有効期間（秒）を返す。
// Providerが有効期間を返さない場合は0を返す（呼び出し元が既定値を適用する）。
func (c *Client) Refresh(ctx context.Context) (int, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/auth/refresh", nil)
	if err != nil {
		return 0, model.NewRefreshFailedError(err.Error())
	}
	if status == http.StatusUnauthorized {
		return 0, model.NewAuthExpiredError()
	}
	if status != http.StatusOK {
		return 0, model.NewRefreshFailedError(
			fmt.Sprintf("refresh returned status %d", status))
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// ボディなしの200も有効なリフレッシュ成功として扱う
		return 0, nil
	}
	return resp.ExpiresInSeconds, nil
}

// Logout はProvider側のセッションを失効させる。
// ローカル状態のクリアは呼び出し元の責務のため、失敗してもエラーを返すだけで
// リトライはしない。
func (c *Client) Logout(ctx context.Context) error {
	_, status, err := c.do(ctx, http.MethodPost, "/auth/logout", nil)
	if err != nil {
		return model.NewIdentityUnavailableError(err.Error())
	}
	// 既に失効済みのセッションのログアウトは成功扱い
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusUnauthorized {
		return model.NewIdentityUnavailableError(
			fmt.Sprintf("logout returned status %d", status))
	}
	return nil
}

// do はHTTPリクエストを実行し、レスポンスボディとステータスコードを返す。
func (c *Client) do(ctx context.Context, method, path string, reqBody io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("identity provider request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}
