// Package narrative はNarrative EngineのHTTPクライアントを提供する。
// 物語の開始・継続・リトライ、セッション一覧、セーブデータのCRUDを担う。
// Engineが返すノード本文はLLM由来のため、UIへ渡す前に必ずサニタイズし、
// 画像参照は検証のうえで不正なものを落とす。
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/haruka/tensei/internal/continuity"
	"github.com/haruka/tensei/internal/model"
	"github.com/haruka/tensei/internal/security"
)

// defaultTimeout はNarrative Engineへの通常リクエストのタイムアウト。
// 物語生成（start/continue/retry）はLLM呼び出しを含むため長めに取る。
const (
	defaultTimeout    = 15 * time.Second
	generationTimeout = 90 * time.Second
)

// Client はNarrative EngineのHTTPクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	genClient  *http.Client
	sanitizer  security.NarrativeSanitizerService
	imageGuard security.ImageRefGuardService
	logger     *slog.Logger
}

// compile-time interface check
var _ continuity.NarrativeStarter = (*Client)(nil)

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(baseURL string, sanitizer security.NarrativeSanitizerService, imageGuard security.ImageRefGuardService, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("narrative engine base URL is required")
	}
	if sanitizer == nil || imageGuard == nil {
		return nil, fmt.Errorf("sanitizer and image guard are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		genClient:  &http.Client{Timeout: generationTimeout},
		sanitizer:  sanitizer,
		imageGuard: imageGuard,
		logger:     logger,
	}, nil
}

// nodeMetadata はEngineがノードに付与するメタデータ。
// chapter_numberはEngineの値を検証せずそのまま信頼する。
type nodeMetadata struct {
	ChapterNumber int `json:"chapter_number"`
}

// nodeResponse はEngineのノード応答のワイヤ形式。
type nodeResponse struct {
	SessionID   int64        `json:"session_id"`
	NodeID      int64        `json:"node_id"`
	Text        string       `json:"text"`
	ImageURL    string       `json:"image_url"`
	Choices     []string     `json:"choices"`
	SuccessRate *float64     `json:"success_rate"`
	Metadata    nodeMetadata `json:"metadata"`
}

// toSnapshot はワイヤ形式をスナップショットに変換し、
// 本文のサニタイズと画像参照の検証を行う。
func (c *Client) toSnapshot(resp *nodeResponse) *model.GameStateSnapshot {
	snapshot := &model.GameStateSnapshot{
		SessionID:     resp.SessionID,
		NodeID:        resp.NodeID,
		Text:          resp.Text,
		ImageRef:      resp.ImageURL,
		Choices:       resp.Choices,
		SuccessRate:   resp.SuccessRate,
		ChapterNumber: resp.Metadata.ChapterNumber,
	}
	c.sanitizer.SanitizeSnapshot(snapshot)

	if err := c.imageGuard.ValidateRef(snapshot.ImageRef); err != nil {
		// 不正な画像参照はノードごと失敗させず、画像だけ落とす
		c.logger.Warn("dropping unsafe image ref from narrative node",
			slog.Int64("node_id", snapshot.NodeID),
			slog.String("error", err.Error()),
		)
		snapshot.ImageRef = ""
	}
	return snapshot
}

// startRequest は物語開始リクエスト。
type startRequest struct {
	Wish   string `json:"wish"`
	UserID string `json:"user_id"`
}

// StartStory は願いから新しい物語セッションを開始し、最初のノードを返す。
func (c *Client) StartStory(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error) {
	if wish == "" {
		return nil, model.NewEmptyWishError()
	}
	var resp nodeResponse
	if err := c.post(ctx, c.genClient, "/story/start", startRequest{Wish: wish, UserID: identityID}, &resp); err != nil {
		return nil, err
	}
	return c.toSnapshot(&resp), nil
}

// continueRequest は物語継続リクエスト。
type continueRequest struct {
	SessionID int64  `json:"session_id"`
	NodeID    int64  `json:"node_id"`
	Choice    string `json:"choice"`
}

// ContinueStory は選択肢を適用して次のノードを生成する。
func (c *Client) ContinueStory(ctx context.Context, sessionID, nodeID int64, choice string) (*model.GameStateSnapshot, error) {
	var resp nodeResponse
	req := continueRequest{SessionID: sessionID, NodeID: nodeID, Choice: choice}
	if err := c.post(ctx, c.genClient, "/story/continue", req, &resp); err != nil {
		return nil, err
	}
	return c.toSnapshot(&resp), nil
}

// retryRequest はリトライリクエスト。
type retryRequest struct {
	NodeID int64 `json:"node_id"`
}

// Retry は指定ノードから物語をやり直し、復帰先となるノード自体を返す。
// 呼び出し側はこの戻り値で明示的引き渡しスロットを準備する。
func (c *Client) Retry(ctx context.Context, nodeID int64) (*model.GameStateSnapshot, error) {
	var resp nodeResponse
	if err := c.post(ctx, c.genClient, "/story/retry", retryRequest{NodeID: nodeID}, &resp); err != nil {
		return nil, err
	}
	return c.toSnapshot(&resp), nil
}

// ListSessions はアイデンティティの物語セッション一覧を取得する。
func (c *Client) ListSessions(ctx context.Context, identityID string) ([]model.StorySession, error) {
	var sessions []model.StorySession
	path := "/story/sessions?user_id=" + url.QueryEscape(identityID)
	if err := c.get(ctx, path, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession は物語セッションの詳細を取得する。
func (c *Client) GetSession(ctx context.Context, sessionID int64) (*model.StorySession, error) {
	var session model.StorySession
	if err := c.get(ctx, fmt.Sprintf("/story/sessions/%d", sessionID), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// LatestNode はセッションの最新ノードを取得する。
// 「続きから」の復元スロットの中身を作るために使う。
func (c *Client) LatestNode(ctx context.Context, sessionID int64) (*model.GameStateSnapshot, error) {
	var resp nodeResponse
	if err := c.get(ctx, fmt.Sprintf("/story/sessions/%d/latest", sessionID), &resp); err != nil {
		return nil, err
	}
	return c.toSnapshot(&resp), nil
}

// createSaveRequest はセーブ作成リクエスト。
type createSaveRequest struct {
	SessionID int64  `json:"session_id"`
	NodeID    int64  `json:"node_id"`
	Title     string `json:"title"`
	UserID    string `json:"user_id"`
}

// ListSaves はアイデンティティのセーブデータ一覧を取得する。
func (c *Client) ListSaves(ctx context.Context, identityID string) ([]model.StorySave, error) {
	var saves []model.StorySave
	path := "/story/saves?user_id=" + url.QueryEscape(identityID)
	if err := c.get(ctx, path, &saves); err != nil {
		return nil, err
	}
	return saves, nil
}

// CreateSave は現在のノードのセーブデータを作成する。
func (c *Client) CreateSave(ctx context.Context, identityID string, sessionID, nodeID int64, title string) (*model.StorySave, error) {
	var save model.StorySave
	req := createSaveRequest{SessionID: sessionID, NodeID: nodeID, Title: title, UserID: identityID}
	if err := c.post(ctx, c.httpClient, "/story/saves", req, &save); err != nil {
		return nil, err
	}
	return &save, nil
}

// updateSaveRequest はセーブ更新リクエスト。
type updateSaveRequest struct {
	Status string `json:"status"`
}

// UpdateSaveStatus はセーブデータの状態を更新する。
func (c *Client) UpdateSaveStatus(ctx context.Context, saveID int64, status string) (*model.StorySave, error) {
	if !model.ValidSaveStatus(status) {
		return nil, model.NewInvalidSaveStatusError(status)
	}
	var save model.StorySave
	path := fmt.Sprintf("/story/saves/%d", saveID)
	if err := c.request(ctx, c.httpClient, http.MethodPatch, path, updateSaveRequest{Status: status}, &save); err != nil {
		return nil, err
	}
	return &save, nil
}

// DeleteSave はセーブデータを削除する。
func (c *Client) DeleteSave(ctx context.Context, saveID int64) error {
	path := fmt.Sprintf("/story/saves/%d", saveID)
	return c.request(ctx, c.httpClient, http.MethodDelete, path, nil, nil)
}

// get はGETリクエストを実行し、結果をoutへデコードする。
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, c.httpClient, http.MethodGet, path, nil, out)
}

// post はPOSTリクエストを実行し、結果をoutへデコードする。
func (c *Client) post(ctx context.Context, client *http.Client, path string, reqBody, out any) error {
	return c.request(ctx, client, http.MethodPost, path, reqBody, out)
}

// request はHTTPリクエストを実行する。Engineのエラーは
// NARRATIVE_UNAVAILABLEとして呼び出し元に返す。
func (c *Client) request(ctx context.Context, client *http.Client, method, path string, reqBody, out any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		c.logger.Error("narrative engine request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return model.NewNarrativeUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewNarrativeUnavailableError(
			fmt.Sprintf("failed to read response body: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("narrative engine returned error status",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return model.NewNarrativeUnavailableError(
			fmt.Sprintf("%s %s returned status %d", method, path, resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return model.NewNarrativeUnavailableError(
			fmt.Sprintf("failed to parse response: %v", err))
	}
	return nil
}
