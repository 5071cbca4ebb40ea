package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/haruka/tensei/internal/middleware"
	"github.com/haruka/tensei/internal/model"
)

// HandoffServiceInterface は引き渡しハンドラーが必要とするサービスインターフェース。
type HandoffServiceInterface interface {
	// Stash は物語状態スナップショットと復帰先パスを対で保存する。
	Stash(ctx context.Context, identityID string, snapshot *model.GameStateSnapshot, returnTarget string) error
	// Consume は対を読み取り、成功時は両エントリを即座に削除する。
	Consume(ctx context.Context, identityID string) (*model.GameStateSnapshot, string, error)
}

// HandoffHandler は画面間の1回限り状態引き渡しのHTTPハンドラー。
type HandoffHandler struct {
	service HandoffServiceInterface
}

// NewHandoffHandler はHandoffHandlerを生成する。
func NewHandoffHandler(service HandoffServiceInterface) *HandoffHandler {
	return &HandoffHandler{service: service}
}

// stashRequest は引き渡し保存リクエストのボディ。
type stashRequest struct {
	Snapshot *model.GameStateSnapshot `json:"snapshot"`
	ReturnTo string                   `json:"return_to"`
}

// handoffResponse は消費結果のAPIレスポンス。
type handoffResponse struct {
	Snapshot *model.GameStateSnapshot `json:"snapshot"`
	ReturnTo string                   `json:"return_to"`
}

// Stash はゲーム画面を離脱する直前の物語状態を保存する。
// POST /api/handoff
func (h *HandoffHandler) Stash(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	var req stashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}
	if req.Snapshot == nil || req.ReturnTo == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_HANDOFF_REQUEST",
			Message:  "スナップショットと復帰先パスの両方が必要です。",
			Category: "validation",
			Action:   "snapshotとreturn_toを指定してください。",
		})
		return
	}

	if err := h.service.Stash(r.Context(), identityID, req.Snapshot, req.ReturnTo); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Consume は保存済みの対を取り出す。成功した消費はちょうど1回であり、
// 同じ対を二度取り出すことはできない。
// POST /api/handoff/consume
func (h *HandoffHandler) Consume(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}

	snapshot, returnTo, err := h.service.Consume(r.Context(), identityID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, handoffResponse{Snapshot: snapshot, ReturnTo: returnTo})
}
