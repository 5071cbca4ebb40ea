package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/haruka/tensei/internal/middleware"
	"github.com/haruka/tensei/internal/model"
)

// StoryServiceInterface は物語ハンドラーが必要とするサービスインターフェース。
// Narrative Engineクライアントの部分集合。
type StoryServiceInterface interface {
	StartStory(ctx context.Context, identityID, wish string) (*model.GameStateSnapshot, error)
	ContinueStory(ctx context.Context, sessionID, nodeID int64, choice string) (*model.GameStateSnapshot, error)
	Retry(ctx context.Context, nodeID int64) (*model.GameStateSnapshot, error)
	ListSessions(ctx context.Context, identityID string) ([]model.StorySession, error)
	GetSession(ctx context.Context, sessionID int64) (*model.StorySession, error)
	ListSaves(ctx context.Context, identityID string) ([]model.StorySave, error)
	CreateSave(ctx context.Context, identityID string, sessionID, nodeID int64, title string) (*model.StorySave, error)
	UpdateSaveStatus(ctx context.Context, saveID int64, status string) (*model.StorySave, error)
	DeleteSave(ctx context.Context, saveID int64) error
}

// ExplicitPrimer は明示的引き渡しスロットへの書き込みインターフェース。
// continuity.Resolverの部分集合。リトライ完了直後のスロット準備に使う。
type ExplicitPrimer interface {
	SetExplicit(identityID string, snapshot *model.GameStateSnapshot)
}

// StoryHandler は物語操作のHTTPハンドラー。Narrative Engineへのプロキシと、
// 操作完了後の継続性スロットの準備を担う。
type StoryHandler struct {
	service StoryServiceInterface
	primer  ExplicitPrimer
}

// NewStoryHandler はStoryHandlerを生成する。
func NewStoryHandler(service StoryServiceInterface, primer ExplicitPrimer) *StoryHandler {
	return &StoryHandler{service: service, primer: primer}
}

// startStoryRequest は物語開始リクエストのボディ。
type startStoryRequest struct {
	Wish string `json:"wish"`
}

// StartStory は願いから新しい物語を開始する。
// POST /api/story/start
func (h *StoryHandler) StartStory(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	var req startStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	snapshot, err := h.service.StartStory(r.Context(), identityID, req.Wish)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, snapshot)
}

// continueStoryRequest は物語継続リクエストのボディ。
type continueStoryRequest struct {
	SessionID int64  `json:"session_id"`
	NodeID    int64  `json:"node_id"`
	Choice    string `json:"choice"`
}

// ContinueStory は選択肢を適用して次のノードを取得する。
// POST /api/story/continue
func (h *StoryHandler) ContinueStory(w http.ResponseWriter, r *http.Request) {
	var req continueStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	snapshot, err := h.service.ContinueStory(r.Context(), req.SessionID, req.NodeID, req.Choice)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, snapshot)
}

// retryStoryRequest はリトライリクエストのボディ。
type retryStoryRequest struct {
	NodeID int64 `json:"node_id"`
}

// retryStoryResponse はリトライ結果のAPIレスポンス。
// redirect_toはUIが遷移すべきゲーム画面のパス。
type retryStoryResponse struct {
	Snapshot   *model.GameStateSnapshot `json:"snapshot"`
	RedirectTo string                   `json:"redirect_to"`
}

// RetryStory は指定ノードから物語をやり直す。
// 復帰先ノードで明示的引き渡しスロットを準備してから応答するため、
// UIが直後にゲーム画面を初期化すると、このノードが最優先で採用される。
// POST /api/story/retry
func (h *StoryHandler) RetryStory(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	var req retryStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}
	if req.NodeID <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_NODE_ID",
			Message:  "やり直すノードが指定されていません。",
			Category: "validation",
			Action:   "やり直したい場面を選択してください。",
		})
		return
	}

	snapshot, err := h.service.Retry(r.Context(), req.NodeID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.primer.SetExplicit(identityID, snapshot)

	writeJSONResponse(w, http.StatusOK, retryStoryResponse{
		Snapshot:   snapshot,
		RedirectTo: "/game",
	})
}

// ListSessions は物語セッション一覧を返す。
// GET /api/story/sessions
func (h *StoryHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	sessions, err := h.service.ListSessions(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.StorySession{}
	}

	writeJSONResponse(w, http.StatusOK, sessions)
}

// GetSession は物語セッションの詳細を返す。
// GET /api/story/sessions/{id}
func (h *StoryHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	session, err := h.service.GetSession(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, session)
}

// ListSaves はセーブデータ一覧を返す。
// GET /api/story/saves
func (h *StoryHandler) ListSaves(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	saves, err := h.service.ListSaves(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if saves == nil {
		saves = []model.StorySave{}
	}

	writeJSONResponse(w, http.StatusOK, saves)
}

// createSaveRequest はセーブ作成リクエストのボディ。
type createSaveRequest struct {
	SessionID int64  `json:"session_id"`
	NodeID    int64  `json:"node_id"`
	Title     string `json:"title"`
}

// CreateSave は現在のノードのセーブデータを作成する。
// POST /api/story/saves
func (h *StoryHandler) CreateSave(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	var req createSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}
	if req.SessionID <= 0 || req.NodeID <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_SAVE_TARGET",
			Message:  "セーブ対象のセッションとノードが指定されていません。",
			Category: "validation",
			Action:   "session_idとnode_idを指定してください。",
		})
		return
	}

	save, err := h.service.CreateSave(r.Context(), identityID, req.SessionID, req.NodeID, req.Title)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, save)
}

// updateSaveRequest はセーブ状態更新リクエストのボディ。
type updateSaveRequest struct {
	Status string `json:"status"`
}

// UpdateSave はセーブデータの状態を更新する。
// PATCH /api/story/saves/{id}
func (h *StoryHandler) UpdateSave(w http.ResponseWriter, r *http.Request) {
	saveID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	var req updateSaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	save, err := h.service.UpdateSaveStatus(r.Context(), saveID, req.Status)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, save)
}

// DeleteSave はセーブデータを削除する。
// DELETE /api/story/saves/{id}
func (h *StoryHandler) DeleteSave(w http.ResponseWriter, r *http.Request) {
	saveID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.DeleteSave(r.Context(), saveID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseIDParam はchiのURLパラメータを数値IDとして解析する。
// 解析できない場合はエラーレスポンスを書き込み、falseを返す。
func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_ID",
			Message:  "IDの形式が正しくありません。",
			Category: "validation",
			Action:   "正しいIDを指定してください。",
		})
		return 0, false
	}
	return id, true
}
