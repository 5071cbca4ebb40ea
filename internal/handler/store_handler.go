package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/haruka/tensei/internal/middleware"
	"github.com/haruka/tensei/internal/model"
)

// StoreServiceInterface はストアハンドラーが必要とするサービスインターフェース。
// scoped.Storeの部分集合。
type StoreServiceInterface interface {
	Set(ctx context.Context, identityID, key, value string) error
	Get(ctx context.Context, identityID, key string) (string, bool, error)
	Remove(ctx context.Context, identityID, key string) error
}

// StoreHandler はアイデンティティスコープ付きK/VストアのHTTPハンドラー。
// キーは常にリクエストコンテキストのアイデンティティのスコープに解決されるため、
// 別アカウントのエントリをこのAPI経由で読み書きすることはできない。
type StoreHandler struct {
	service StoreServiceInterface
}

// NewStoreHandler はStoreHandlerを生成する。
func NewStoreHandler(service StoreServiceInterface) *StoreHandler {
	return &StoreHandler{service: service}
}

// putEntryRequest はエントリ書き込みリクエストのボディ。
type putEntryRequest struct {
	Value string `json:"value"`
}

// entryResponse はエントリのAPIレスポンス。
type entryResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GetEntry はエントリを取得する。
// GET /api/store/{key}
func (h *StoreHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}
	key := chi.URLParam(r, "key")

	value, ok, err := h.service.Get(r.Context(), identityID, key)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !ok {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "ENTRY_NOT_FOUND",
			Message:  "指定されたキーのエントリが見つかりません。",
			Category: "validation",
			Action:   "キーを確認してください。",
		})
		return
	}

	writeJSONResponse(w, http.StatusOK, entryResponse{Key: key, Value: value})
}

// PutEntry はエントリを書き込む。
// PUT /api/store/{key}
func (h *StoreHandler) PutEntry(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}
	key := chi.URLParam(r, "key")

	var req putEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}

	if err := h.service.Set(r.Context(), identityID, key, req.Value); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, entryResponse{Key: key, Value: req.Value})
}

// DeleteEntry はエントリを削除する。存在しないキーの削除も204を返す（冪等）。
// DELETE /api/store/{key}
func (h *StoreHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	identityID, err := middleware.IdentityIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return
	}
	key := chi.URLParam(r, "key")

	if err := h.service.Remove(r.Context(), identityID, key); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
