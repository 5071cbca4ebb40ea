package identity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haruka/tensei/internal/model"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestLogin_SetsCookieAndReturnsIdentity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"identity":{"id":"u1","email":"haruka@example.com","nickname":"はるか"},"expires_in_seconds":3600}`))
	})
	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		// ログインで受け取ったCookieが自動で付与されること
		if c, err := r.Cookie("session"); err != nil || c.Value != "s1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"u1","email":"haruka@example.com","nickname":"はるか"}`))
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	identity, expiresIn, err := client.Login(ctx, "haruka@example.com", "pass")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if identity.ID != "u1" || identity.Nickname != "はるか" {
		t.Errorf("unexpected identity: %+v", identity)
	}
	if expiresIn != 3600 {
		t.Errorf("expiresIn = %d, want 3600", expiresIn)
	}

	got, err := client.CurrentIdentity(ctx)
	if err != nil {
		t.Fatalf("CurrentIdentity after login failed: %v", err)
	}
	if got.ID != "u1" {
		t.Errorf("CurrentIdentity id = %q, want u1", got.ID)
	}
}

func TestLogin_RejectedCredentials(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, _, err := client.Login(context.Background(), "haruka@example.com", "wrong")
	if !model.HasCode(err, model.ErrCodeNotAuthenticated) {
		t.Errorf("err = %v, want NOT_AUTHENTICATED", err)
	}
}

func TestCurrentIdentity_Unauthenticated(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.CurrentIdentity(context.Background())
	if !model.HasCode(err, model.ErrCodeNotAuthenticated) {
		t.Errorf("err = %v, want NOT_AUTHENTICATED", err)
	}
}

func TestRefresh_ReturnsNewExpiry(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expires_in_seconds":1800}`))
	})
	client := newTestClient(t, mux)

	expiresIn, err := client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if expiresIn != 1800 {
		t.Errorf("expiresIn = %d, want 1800", expiresIn)
	}
}

func TestRefresh_EmptyBodyIsSuccessWithUnknownExpiry(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	expiresIn, err := client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if expiresIn != 0 {
		t.Errorf("expiresIn = %d, want 0 (unknown)", expiresIn)
	}
}

func TestRefresh_ExpiredSession(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.Refresh(context.Background())
	if !model.HasCode(err, model.ErrCodeAuthExpired) {
		t.Errorf("err = %v, want AUTH_EXPIRED", err)
	}
}

func TestRefresh_ServerErrorIsRefreshFailed(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.Refresh(context.Background())
	if !model.HasCode(err, model.ErrCodeRefreshFailed) {
		t.Errorf("err = %v, want REFRESH_FAILED", err)
	}
}

func TestLogout_TreatsExpiredSessionAsSuccess(t *testing.T) {
	tests := []struct {
		name   string
		status int
		wantOK bool
	}{
		{"ok", http.StatusOK, true},
		{"no content", http.StatusNoContent, true},
		{"already expired", http.StatusUnauthorized, true},
		{"server error", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			err := client.Logout(context.Background())
			if tt.wantOK && err != nil {
				t.Errorf("Logout = %v, want success", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Logout should fail")
			}
		})
	}
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient("", nil, nil); err == nil {
		t.Error("NewClient with empty base URL should fail")
	}
}
