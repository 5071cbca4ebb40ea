package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/haruka/tensei/internal/model"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	// Login は資格情報でログインし、セッションを確立する。
	Login(ctx context.Context, email, password string) (*model.Identity, error)
	// Logout はローカル状態の破棄とProvider側セッションの失効を行う。
	Logout(ctx context.Context) error
	// Identity は現在のアイデンティティを返す。未ログインならnil。
	Identity() *model.Identity
	// Hydrated はハイドレーション（またはその省略の確定）が完了したかを返す。
	Hydrated() bool
}

// SessionHandler はセッション管理のHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{service: service}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionStateResponse は現在のセッション状態のAPIレスポンス。
// hydratedがfalseの間、UIのルートガードはリダイレクト判断をしてはならない。
type sessionStateResponse struct {
	Identity *model.Identity `json:"identity"`
	Hydrated bool            `json:"hydrated"`
}

// State は現在のセッション状態を返す。
// 未認証でも401にはせず、identity: null を返す。ルートガードが
// 「未ログイン」と「判定前」を区別できるようにするためのエンドポイント。
// GET /session/identity
func (h *SessionHandler) State(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, sessionStateResponse{
		Identity: h.service.Identity(),
		Hydrated: h.service.Hydrated(),
	})
}

// Login はログインを処理する。
// POST /session/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestResponse(w)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_CREDENTIALS_FORMAT",
			Message:  "メールアドレスとパスワードを入力してください。",
			Category: "validation",
			Action:   "両方の項目を入力してください。",
		})
		return
	}

	identity, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, sessionStateResponse{
		Identity: identity,
		Hydrated: true,
	})
}

// Logout はログアウトを処理する。冪等であり、何度呼んでも204を返す。
// POST /session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
