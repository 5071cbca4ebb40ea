package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/haruka/tensei/internal/continuity"
	"github.com/haruka/tensei/internal/middleware"
	"github.com/haruka/tensei/internal/model"
)

// GameServiceInterface はゲーム状態ハンドラーが必要とするサービスインターフェース。
// continuity.Resolverの部分集合。
type GameServiceInterface interface {
	// Resolve はゲーム画面初期化時の状態ソースを優先順位どおりに1つ選ぶ。
	Resolve(ctx context.Context, identityID string) (*continuity.Resolution, error)
	// SetPendingRestore は「続きから」スロットにスナップショットを積む。
	SetPendingRestore(ctx context.Context, identityID string, snapshot *model.GameStateSnapshot) error
	// SetPendingWish は保留中の願いを積む。
	SetPendingWish(ctx context.Context, identityID, wish string) error
}

// NodeFetcherInterface は復元スロット準備のためのノード取得インターフェース。
// Narrative Engineクライアントの部分集合。
type NodeFetcherInterface interface {
	// LatestNode はセッションの最新ノードを取得する。
	LatestNode(ctx context.Context, sessionID int64) (*model.GameStateSnapshot, error)
}

// GameHandler はゲーム画面の状態解決のHTTPハンドラー。
type GameHandler struct {
	service GameServiceInterface
	fetcher NodeFetcherInterface
}

// NewGameHandler はGameHandlerを生成する。
func NewGameHandler(service GameServiceInterface, fetcher NodeFetcherInterface) *GameHandler {
	return &GameHandler{service: service, fetcher: fetcher}
}

// resolutionResponse は解決結果のAPIレスポンス。
// sourceがcold_startのときsnapshotはnull。UIは新しい願いの入力を促す。
type resolutionResponse struct {
	Source   string                   `json:"source"`
	Snapshot *model.GameStateSnapshot `json:"snapshot,omitempty"`
}

// Resolve はゲーム画面初期化時の正となる状態ソースを1つ選んで返す。
// 採用されたソースは返却前にクリア済みであり、再描画で同じ状態が二度適用されることはない。
// POST /api/game/resolve
func (h *GameHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	resolution, err := h.service.Resolve(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, resolutionResponse{
		Source:   string(resolution.Source),
		Snapshot: resolution.Snapshot,
	})
}

// pendingRestoreRequest は「続きから」予約リクエストのボディ。
type pendingRestoreRequest struct {
	SessionID int64 `json:"session_id"`
}

// PendingRestore はウェルカム画面の「続きから」を処理する。
// 指定セッションの最新ノードを取得して復元スロットに積む。
// 実際の適用は次のゲーム画面初期化のResolveで行われる。
// POST /api/game/pending-restore
func (h *GameHandler) PendingRestore(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	var req pendingRestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}
	if req.SessionID <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_SESSION_ID",
			Message:  "セッションIDが指定されていません。",
			Category: "validation",
			Action:   "復元したいセッションを選択してください。",
		})
		return
	}

	snapshot, err := h.fetcher.LatestNode(r.Context(), req.SessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.service.SetPendingRestore(r.Context(), identityID, snapshot); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pendingWishRequest は願いの予約リクエストのボディ。
type pendingWishRequest struct {
	Wish string `json:"wish"`
}

// PendingWish はウェルカム画面で入力された願いを積む。
// 物語の生成はここでは行わず、次のゲーム画面初期化のResolveで引き金になる。
// POST /api/game/pending-wish
func (h *GameHandler) PendingWish(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	var req pendingWishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	if err := h.service.SetPendingWish(r.Context(), identityID, req.Wish); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
